package pty

import (
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireZsh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("zsh"); err != nil {
		t.Skip("zsh not available on PATH")
	}
}

func TestSessionLifecycle(t *testing.T) {
	requireZsh(t)

	var mu sync.Mutex
	var buf strings.Builder
	closed := make(chan struct{})

	s := New(Options{
		OnOutput: func(b []byte) {
			mu.Lock()
			buf.Write(b)
			mu.Unlock()
		},
		OnClosed: func() {
			close(closed)
		},
	})

	if s.Status() != NotStarted {
		t.Fatalf("expected NotStarted before Start, got %v", s.Status())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Status() != Running {
		t.Fatalf("expected Running after Start, got %v", s.Status())
	}

	if err := s.WriteBytes([]byte("echo KMUX_PTY_TEST_OK\n")); err != nil {
		t.Fatalf("WriteBytes failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		has := strings.Contains(buf.String(), "KMUX_PTY_TEST_OK")
		mu.Unlock()
		if has {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	got := buf.String()
	mu.Unlock()
	if !strings.Contains(got, "KMUX_PTY_TEST_OK") {
		t.Fatalf("expected output to contain echoed marker, got %q", got)
	}

	s.Stop()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed callback never fired")
	}

	if s.Status() != Finished {
		t.Fatalf("expected Finished after Stop, got %v", s.Status())
	}

	// idempotent
	s.Stop()
}

func TestStartTwiceFails(t *testing.T) {
	requireZsh(t)

	s := New(Options{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestWriteBeforeStartFails(t *testing.T) {
	s := New(Options{})
	if err := s.WriteBytes([]byte("x")); err == nil {
		t.Fatal("expected WriteBytes before Start to fail")
	}
}
