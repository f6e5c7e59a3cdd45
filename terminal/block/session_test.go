package block

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireZsh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("zsh"); err != nil {
		t.Skip("zsh not available on PATH")
	}
}

func newStartedSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s := New(opts)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitForAwaiting(t *testing.T, s *Session, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.String() == "AwaitingCommand" {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("session never reached AwaitingCommand (last status %v)", s.Status())
}

func TestBasicCommand(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	res, err := s.SubmitCommand(context.Background(), `printf 'one\n'; printf 'two\n'`, 3*time.Second)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if res.Kind != Finished {
		t.Fatalf("expected Finished, got %v", res.Kind)
	}
	if !strings.Contains(res.Output, "one") || !strings.Contains(res.Output, "two") {
		t.Fatalf("expected output to contain one and two, got %q", res.Output)
	}
}

func TestWorkingDirectory(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	res, err := s.SubmitCommand(context.Background(), "pwd", 3*time.Second)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if res.Kind != Finished || strings.TrimSpace(res.Output) == "" {
		t.Fatalf("expected non-empty pwd output, got %+v", res)
	}

	res, err = s.SubmitCommand(context.Background(), "mkdir -p test_tmp && cd test_tmp", 3*time.Second)
	if err != nil || res.Kind != Finished {
		t.Fatalf("mkdir/cd failed: %v %+v", err, res)
	}

	res, err = s.SubmitCommand(context.Background(), "pwd", 3*time.Second)
	if err != nil || res.Kind != Finished {
		t.Fatalf("pwd failed: %v %+v", err, res)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Output), "test_tmp") {
		t.Fatalf("expected pwd to end with test_tmp, got %q", res.Output)
	}
}

func TestInteractiveRead(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	res, err := s.SubmitCommand(context.Background(), `print -n 'Enter:'; read VAR; echo OK:$VAR`, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if res.Kind != TimedOut {
		t.Fatalf("expected TimedOut, got %v", res.Kind)
	}

	if err := s.SendKeys([]byte("KMUX_VAL\r")); err != nil {
		t.Fatalf("SendKeys failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap string
	for time.Now().Before(deadline) {
		snap = s.Snapshot(false)
		if strings.Contains(snap, "OK:KMUX_VAL") {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("expected snapshot to eventually contain OK:KMUX_VAL, got %q", snap)
}

func TestCatAndCtrlD(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	_, err := s.SubmitCommand(context.Background(), "cat", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	if err := s.SendKeys([]byte("HELLO\nWORLD\n")); err != nil {
		t.Fatalf("SendKeys failed: %v", err)
	}
	if err := s.SendKeys([]byte{0x04}); err != nil {
		t.Fatalf("SendKeys(EOT) failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap string
	for time.Now().Before(deadline) {
		snap = s.Snapshot(false)
		if strings.Contains(snap, "HELLO") && strings.Contains(snap, "WORLD") {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("expected snapshot to contain HELLO and WORLD, got %q", snap)
}

func TestPipeline(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	res, err := s.SubmitCommand(context.Background(), `printf 'a\nb\nc\n' | grep b`, 3*time.Second)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if res.Kind != Finished {
		t.Fatalf("expected Finished, got %v", res.Kind)
	}
	if strings.TrimSpace(res.Output) != "b" {
		t.Fatalf("expected output %q, got %q", "b", res.Output)
	}
}

func TestSnapshotSegmentation(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	if _, err := s.SubmitCommand(context.Background(), `printf 'ONE\n'`, 3*time.Second); err != nil {
		t.Fatalf("first SubmitCommand failed: %v", err)
	}
	snap := s.Snapshot(false)
	if !strings.Contains(snap, "ONE") {
		t.Fatalf("expected snapshot to contain ONE, got %q", snap)
	}

	if _, err := s.SubmitCommand(context.Background(), `printf 'TWO\n'`, 3*time.Second); err != nil {
		t.Fatalf("second SubmitCommand failed: %v", err)
	}
	snap = s.Snapshot(false)
	if !strings.Contains(snap, "TWO") {
		t.Fatalf("expected snapshot to contain TWO, got %q", snap)
	}
	if strings.Contains(snap, "ONE") {
		t.Fatalf("expected default-window snapshot to not contain ONE, got %q", snap)
	}
}

func TestInvalidOperationOnFreshlyAwaitingSession(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	err := s.SendKeys([]byte("A"))
	if err == nil {
		t.Fatal("expected send_keys on an awaiting session to fail")
	}
}

func TestToolCallTimeoutLeavesSessionExecuting(t *testing.T) {
	requireZsh(t)
	s := newStartedSession(t, Options{})
	waitForAwaiting(t, s, 5*time.Second)

	res, err := s.SubmitCommand(context.Background(), "sleep 1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if res.Kind != TimedOut {
		t.Fatalf("expected TimedOut, got %v", res.Kind)
	}
	if s.Status().String() != "Executing" {
		t.Fatalf("expected session still Executing, got %v", s.Status())
	}
}

func TestStopTwiceIsNoOp(t *testing.T) {
	requireZsh(t)
	s := New(Options{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()
	s.Stop()
}
