// Package block wraps a PTY session with block-structured semantics:
// it owns the cumulative output buffer, derives a four-state status
// from the marker stream, parses the buffer into command/output
// blocks, and exposes the operations an agent actually calls
// (submit command, send keys, enter password, snapshot).
package block

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"kmux/kmuxerr"
	"kmux/shellhook"
	"kmux/terminal/markers"
	ptypkg "kmux/terminal/pty"
	"kmux/terminal/screen"
)

const backspaceBurstLen = 256

// ResultKind tags the three possible outcomes of SubmitCommand.
type ResultKind int

const (
	Finished ResultKind = iota
	Incomplete
	TimedOut
)

func (k ResultKind) String() string {
	switch k {
	case Finished:
		return "Finished"
	case Incomplete:
		return "Incomplete"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// SubmitResult is the outcome of SubmitCommand. Which fields are valid
// depends on Kind: Output/Duration for Finished, PartialOutput/HasPartialOutput
// for TimedOut, CombinedCommand for all three.
type SubmitResult struct {
	Kind             ResultKind
	Output           string
	Duration         time.Duration
	PartialOutput    string
	HasPartialOutput bool
	CombinedCommand  string
	Timeout          time.Duration
}

// Options configures a Session at construction.
type Options struct {
	Cols     int
	Rows     int
	Password string
	// OnFinished fires exactly once, after the underlying PTY has
	// exited and resources are released.
	OnFinished func()
}

// Session is a block-structured session over a single forked shell.
type Session struct {
	pty      *ptypkg.Session
	renderer *screen.Renderer

	toolMu sync.Mutex // serialises SubmitCommand/SendKeys/EnterRootPassword

	bufMu  sync.Mutex
	buf    []byte
	status markers.Status

	idleMu sync.Mutex
	idleCh chan struct{}

	cmdMu        sync.Mutex
	commandParts []string

	password    string
	hasPassword bool

	finishedOnce sync.Once
	onFinished   func()

	subMu       sync.Mutex
	subscribers map[int]func([]byte)
	nextSubID   int
}

// New allocates a Session without starting it.
func New(opts Options) *Session {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = screen.DefaultWidth
	}
	if rows <= 0 {
		rows = screen.DefaultHeight
	}

	s := &Session{
		renderer:    screen.NewRenderer(cols, rows),
		status:      markers.NoMarkers,
		idleCh:      make(chan struct{}),
		password:    opts.Password,
		hasPassword: opts.Password != "",
		onFinished:  opts.OnFinished,
		subscribers: make(map[int]func([]byte)),
	}

	s.pty = ptypkg.New(ptypkg.Options{
		RCPatch:  shellhook.Patch(),
		Cols:     cols,
		Rows:     rows,
		OnOutput: s.onOutput,
		OnClosed: s.onClosed,
	})

	return s
}

// Start brings the underlying PTY session up.
func (s *Session) Start() error {
	return s.pty.Start()
}

// Stop tears the session down; idempotent via the underlying PTY
// session and the finished-once guard on the callback.
func (s *Session) Stop() {
	s.pty.Stop()
}

// Status returns the current five-state status, recomputed purely from
// the cumulative buffer.
func (s *Session) Status() markers.Status {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.status
}

// PTYStatus reports the underlying PTY session's lifecycle state
// (NotStarted/Running/Finished), as distinct from the marker-derived
// Status above. Used by the registry's reaper to confirm a session
// claiming to be finished has actually released its resources.
func (s *Session) PTYStatus() ptypkg.Status {
	return s.pty.Status()
}

// Subscribe registers an additional live-output listener, used by the
// `attach` CLI command to mirror raw bytes to an operator's real
// terminal without going through the cumulative-buffer/snapshot path.
// The returned func removes the subscription.
func (s *Session) Subscribe(fn func([]byte)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// Resize propagates a terminal size change to the underlying PTY and
// the renderer used for Snapshot/SubmitCommand output.
func (s *Session) Resize(cols, rows int) error {
	s.renderer = screen.NewRenderer(cols, rows)
	return s.pty.Resize(cols, rows)
}

// WriteRaw writes bytes directly to the underlying PTY, bypassing the
// tool-mutex and status gating that SubmitCommand/SendKeys enforce.
// Used only by the `attach` passthrough, where the operator's real
// terminal is the sole writer and normal gating would be wrong.
func (s *Session) WriteRaw(data []byte) error {
	return s.pty.WriteBytes(data)
}

func (s *Session) onOutput(chunk []byte) {
	s.subMu.Lock()
	for _, fn := range s.subscribers {
		fn(chunk)
	}
	s.subMu.Unlock()

	s.bufMu.Lock()
	s.buf = append(s.buf, chunk...)
	buf := s.buf
	prev := s.status
	next, err := markers.StatusFromMarkers(markers.Extract(buf))
	if err != nil {
		s.bufMu.Unlock()
		// A parse invariant violation is fatal to this session but
		// isolated; tear it down rather than serve corrupted state.
		s.Stop()
		return
	}
	s.status = next
	s.bufMu.Unlock()

	enteringIdle := (next == markers.AwaitingCommand || next == markers.InputCommand) &&
		prev != next
	if enteringIdle {
		s.signalIdle()
	}
}

func (s *Session) onClosed() {
	s.finishedOnce.Do(func() {
		if s.onFinished != nil {
			s.onFinished()
		}
	})
}

func (s *Session) signalIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	close(s.idleCh)
	s.idleCh = make(chan struct{})
}

func (s *Session) waitIdle() <-chan struct{} {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	return s.idleCh
}

func (s *Session) snapshotBuf() []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// SubmitCommand submits text for execution (or, if a multi-line
// construct is already open, appends it) and waits up to timeout for
// the session to return to an idle status.
func (s *Session) SubmitCommand(ctx context.Context, text string, timeout time.Duration) (SubmitResult, error) {
	s.toolMu.Lock()
	defer s.toolMu.Unlock()

	status := s.Status()
	if status != markers.AwaitingCommand && status != markers.InputCommand {
		return SubmitResult{}, &kmuxerr.InvalidOperationError{Op: "submit_command", Status: status.String()}
	}

	s.cmdMu.Lock()
	if status == markers.AwaitingCommand {
		s.commandParts = []string{text}
	} else {
		s.commandParts = append(s.commandParts, text)
	}
	combined := strings.Join(s.commandParts, "\n")
	s.cmdMu.Unlock()

	start := time.Now()

	if err := s.pty.WriteBytes(bytes.Repeat([]byte{0x08}, backspaceBurstLen)); err != nil {
		return SubmitResult{}, err
	}

	payload := append([]byte("\x1b[200~"), []byte(text)...)
	payload = append(payload, []byte("\x1b[201~\r")...)
	if err := s.pty.WriteBytes(payload); err != nil {
		return SubmitResult{}, err
	}

	waitCh := s.waitIdle()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waitCh:
		return s.resultAfterIdle(combined, time.Since(start))
	case <-timer.C:
		return s.timeoutResult(combined, timeout), nil
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

func (s *Session) resultAfterIdle(combined string, dur time.Duration) (SubmitResult, error) {
	buf := s.snapshotBuf()
	blocks, err := Parse(buf)
	if err != nil {
		// Same contract as onOutput: a parse invariant violation is
		// fatal to this session, not an ordinary incomplete result.
		s.Stop()
		return SubmitResult{}, err
	}
	if len(blocks) == 0 {
		return SubmitResult{Kind: Incomplete, CombinedCommand: combined}, nil
	}
	last := blocks[len(blocks)-1]
	if !last.HasOutput {
		return SubmitResult{Kind: Incomplete, CombinedCommand: combined}, nil
	}
	return SubmitResult{
		Kind:            Finished,
		Output:          s.renderer.Render(last.Output),
		Duration:        dur,
		CombinedCommand: combined,
	}, nil
}

func (s *Session) timeoutResult(combined string, timeout time.Duration) SubmitResult {
	buf := s.snapshotBuf()
	ms := markers.Extract(buf)

	lastExecStart := -1
	for _, m := range ms {
		if m.Kind == markers.ExecStart {
			lastExecStart = m.Offset + len(markers.Bytes[markers.ExecStart])
		}
	}
	if lastExecStart == -1 {
		return SubmitResult{Kind: TimedOut, CombinedCommand: combined, Timeout: timeout}
	}
	partial := s.renderer.Render(buf[lastExecStart:])
	return SubmitResult{
		Kind:             TimedOut,
		PartialOutput:    partial,
		HasPartialOutput: true,
		CombinedCommand:  combined,
		Timeout:          timeout,
	}
}

// SendKeys writes raw bytes to the PTY without appending a newline.
// Only valid while a command is Executing.
func (s *Session) SendKeys(keys []byte) error {
	s.toolMu.Lock()
	defer s.toolMu.Unlock()

	status := s.Status()
	if status != markers.Executing {
		return &kmuxerr.InvalidOperationError{Op: "send_keys", Status: status.String()}
	}
	return s.pty.WriteBytes(keys)
}

// EnterRootPassword writes the configured privileged password followed
// by a carriage return. Only valid while a command is Executing.
func (s *Session) EnterRootPassword() error {
	s.toolMu.Lock()
	defer s.toolMu.Unlock()

	status := s.Status()
	if status != markers.Executing {
		return &kmuxerr.InvalidOperationError{Op: "enter_root_password", Status: status.String()}
	}
	if !s.hasPassword {
		return kmuxerr.ErrMissingPrivilege
	}
	return s.pty.WriteBytes(append([]byte(s.password), '\r'))
}

// Snapshot renders the current view. include_all renders the whole
// cumulative buffer; otherwise the window is chosen by status per
// spec §4.4.
func (s *Session) Snapshot(includeAll bool) string {
	buf := s.snapshotBuf()
	if includeAll {
		return s.renderer.Render(buf)
	}

	status := s.Status()
	ms := markers.Extract(buf)

	var execEnds []int
	for _, m := range ms {
		if m.Kind == markers.ExecEnd {
			execEnds = append(execEnds, m.Offset+len(markers.Bytes[markers.ExecEnd]))
		}
	}

	var windowStart int
	switch status {
	case markers.Executing, markers.InputCommand:
		if n := len(execEnds); n > 0 {
			windowStart = execEnds[n-1]
		}
	case markers.AwaitingCommand:
		if n := len(execEnds); n >= 2 {
			windowStart = execEnds[n-2]
		}
	}

	if windowStart > len(buf) {
		windowStart = len(buf)
	}
	return s.renderer.Render(buf[windowStart:])
}

// GetCurrentRunningCommand returns the joined multi-part command
// buffer when status is Executing.
func (s *Session) GetCurrentRunningCommand() (string, bool) {
	if s.Status() != markers.Executing {
		return "", false
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if len(s.commandParts) == 0 {
		return "", false
	}
	return strings.Join(s.commandParts, "\n"), true
}
