// Package pty forks an interactive zsh under a pseudo-terminal and
// exposes a byte-stream, callback-driven interface over it. It is the
// lowest layer of a session: it knows nothing about block markers.
package pty

import (
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"kmux/kmuxerr"
)

// Status mirrors the three-state lifecycle of a forked shell.
type Status int

const (
	NotStarted Status = iota
	Running
	Finished
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

const readChunkSize = 65536

// Session is a single forked zsh attached to a PTY master.
//
// All exported methods are safe for concurrent use. OnOutput fires from
// an internal reader goroutine; callers must not block in it for long
// or they will stall delivery of subsequent output.
type Session struct {
	mu      sync.Mutex
	status  Status
	cmd     *exec.Cmd
	master  *os.File
	tmpDir  string
	rcPatch string
	cols    int
	rows    int

	onOutput func([]byte)
	onClosed func()

	writeCh chan []byte
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Options configures a Session before Start.
type Options struct {
	// RCPatch is appended to the user's existing .zshrc in a private
	// ZDOTDIR, registering the block-marker hooks (see package
	// shellhook).
	RCPatch  string
	Cols     int
	Rows     int
	OnOutput func([]byte)
	OnClosed func()
}

// New allocates a Session without starting it.
func New(opts Options) *Session {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	s := &Session{
		status:   NotStarted,
		rcPatch:  opts.RCPatch,
		onOutput: opts.OnOutput,
		onClosed: opts.OnClosed,
		writeCh:  make(chan []byte, 256),
		closeCh:  make(chan struct{}),
	}
	s.cols, s.rows = cols, rows
	return s
}

// Start forks zsh under a PTY. It returns once the child is running;
// it does not wait for the shell to finish initializing.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.status != NotStarted {
		s.mu.Unlock()
		return &kmuxerr.InvalidOperationError{Op: "start", Status: s.status.String()}
	}
	s.mu.Unlock()

	tmpDir, err := os.MkdirTemp("", "kmux_")
	if err != nil {
		return &kmuxerr.IOError{Op: "mkdir temp zdotdir", Err: err}
	}

	if err := s.configureZshrc(tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}

	cmd := exec.Command("zsh", "-i")
	cmd.Env = append(os.Environ(), "ZDOTDIR="+tmpDir)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(s.rows), Cols: uint16(s.cols)})
	if err != nil {
		os.RemoveAll(tmpDir)
		return &kmuxerr.IOError{Op: "fork pty", Err: err}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.master = master
	s.tmpDir = tmpDir
	s.status = Running
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go s.reapOnExit(tmpDir)

	return nil
}

// WriteBytes enqueues data to be written to the PTY master. It never
// blocks on I/O itself; a dedicated writer goroutine drains the queue.
func (s *Session) WriteBytes(data []byte) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != Running {
		return &kmuxerr.InvalidOperationError{Op: "write", Status: status.String()}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case s.writeCh <- cp:
		return nil
	case <-s.closeCh:
		return &kmuxerr.InvalidOperationError{Op: "write", Status: Finished.String()}
	}
}

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	master := s.master
	status := s.status
	s.mu.Unlock()
	if status != Running {
		return &kmuxerr.InvalidOperationError{Op: "resize", Status: status.String()}
	}
	return pty.Setsize(master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Stop tears the session down. Idempotent: calling it on an
// already-finished session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status == Finished {
		s.mu.Unlock()
		return
	}
	wasNotStarted := s.status == NotStarted
	s.status = Finished
	master := s.master
	cmd := s.cmd
	tmpDir := s.tmpDir
	s.mu.Unlock()

	if wasNotStarted {
		return
	}

	close(s.closeCh)

	if master != nil {
		master.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGKILL)
	}
	if tmpDir != "" {
		os.RemoveAll(tmpDir)
	}

	if s.onClosed != nil {
		s.onClosed()
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.master.Read(buf)
		if n > 0 && s.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onOutput(chunk)
		}
		if err != nil {
			// io.EOF or any read error off a closed/exited PTY master
			// means the child is gone; tear the session down.
			if err == io.EOF || isClosedPipeErr(err) {
				go s.Stop()
				return
			}
			go s.Stop()
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.writeCh:
			s.writeAll(chunk)
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeAll(chunk []byte) {
	for len(chunk) > 0 {
		s.mu.Lock()
		master := s.master
		s.mu.Unlock()
		if master == nil {
			return
		}
		n, err := master.Write(chunk)
		if n > 0 {
			chunk = chunk[n:]
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) reapOnExit(tmpDir string) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	cmd.Wait()
	s.Stop()
}

func isClosedPipeErr(err error) bool {
	return err == os.ErrClosed
}

func (s *Session) configureZshrc(dir string) error {
	home := os.Getenv("ZDOTDIR")
	if home == "" {
		u, err := user.Current()
		if err == nil {
			home = u.HomeDir
		}
	}

	var original []byte
	if home != "" {
		path := filepath.Join(home, ".zshrc")
		if b, err := os.ReadFile(path); err == nil {
			original = b
		}
	}

	content := string(original) + "\n" + s.rcPatch + "\n"
	return os.WriteFile(filepath.Join(dir, ".zshrc"), []byte(content), 0o600)
}
