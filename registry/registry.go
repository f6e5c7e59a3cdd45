// Package registry hosts many block sessions behind an id namespace
// and serialises concurrent access to the map. It is the supervisor
// translation of original_source's TerminalServer into Go idiom:
// an RWMutex-guarded map plus a reaper goroutine that drains a
// finished-session channel.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kmux/audit"
	"kmux/kmuxerr"
	"kmux/terminal/block"
	ptypkg "kmux/terminal/pty"
)

// Config carries the registry's deadlines and session defaults.
// SessionStartupTimeout bounds CreateSession's wait for startup.
// ToolCallTimeout is defaulted but no registry operation reads it; the
// only other deadline is ExecuteCommand's outer one, derived from the
// per-call command timeout.
type Config struct {
	SessionStartupTimeout time.Duration
	ToolCallTimeout       time.Duration
	Cols, Rows            int
	Password              string
	// Audit, if set, receives one entry per Finished ExecuteCommand
	// result. Kept out of the block session itself so the core stays
	// free of the ambient storage dependency (see SPEC_FULL.md §4.4).
	Audit *audit.Manager
}

func (c Config) withDefaults() Config {
	if c.SessionStartupTimeout <= 0 {
		c.SessionStartupTimeout = 10 * time.Second
	}
	if c.ToolCallTimeout <= 0 {
		c.ToolCallTimeout = 5 * time.Second
	}
	return c
}

// item is a registry entry: a block session plus bookkeeping.
type item struct {
	id              int
	session         *block.Session
	label           string
	description     string
	pendingDeletion bool
	initialized     bool
}

// SessionInfo is the human-readable listing row for one session.
type SessionInfo struct {
	ID              int
	Label           string
	Description     string
	RunningCommand  string
	HasRunning      bool
	Initializing    bool
}

// Registry multiplexes many block sessions under a shared lock.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	items  map[int]*item
	nextID int

	finishedCh chan int
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Registry and starts its reaper loop.
func New(cfg Config) *Registry {
	r := &Registry{
		cfg:        cfg.withDefaults(),
		items:      make(map[int]*item),
		finishedCh: make(chan int, 64),
		stopCh:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.reaperLoop()
	return r
}

// CreateSession allocates the next id, constructs a block session, and
// starts it under the configured startup timeout. If startup does not
// complete in time, the item remains in the registry uninitialised and
// startup continues in the background.
func (r *Registry) CreateSession() int {
	r.mu.Lock()
	id := r.nextID
	r.nextID++

	it := &item{id: id}
	r.items[id] = it
	r.mu.Unlock()

	it.session = block.New(block.Options{
		Cols:     r.cfg.Cols,
		Rows:     r.cfg.Rows,
		Password: r.cfg.Password,
		OnFinished: func() {
			select {
			case r.finishedCh <- id:
			case <-r.stopCh:
			}
		},
	})

	started := make(chan error, 1)
	go func() { started <- it.session.Start() }()

	select {
	case err := <-started:
		r.mu.Lock()
		it.initialized = err == nil
		r.mu.Unlock()
	case <-time.After(r.cfg.SessionStartupTimeout):
		// Startup continues in the background; the item is left
		// uninitialised until the goroutine above resolves.
		go func() {
			err := <-started
			r.mu.Lock()
			it.initialized = err == nil
			r.mu.Unlock()
		}()
	}

	return id
}

// ListSessions returns a listing row for every non-pending-deletion item.
func (r *Registry) ListSessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.items))
	for _, it := range r.items {
		if it.pendingDeletion {
			continue
		}
		if !it.initialized {
			out = append(out, SessionInfo{ID: it.id, Label: it.label, Description: it.description, Initializing: true})
			continue
		}
		cmd, has := it.session.GetCurrentRunningCommand()
		out = append(out, SessionInfo{
			ID:             it.id,
			Label:          it.label,
			Description:    it.description,
			RunningCommand: cmd,
			HasRunning:     has,
		})
	}
	return out
}

// UpdateSessionLabel sets a session's label. No effect on session state.
func (r *Registry) UpdateSessionLabel(id int, label string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok || it.pendingDeletion {
		return &kmuxerr.SessionNotFoundError{ID: fmt.Sprint(id)}
	}
	it.label = label
	return nil
}

// UpdateSessionDescription sets a session's description.
func (r *Registry) UpdateSessionDescription(id int, description string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok || it.pendingDeletion {
		return &kmuxerr.SessionNotFoundError{ID: fmt.Sprint(id)}
	}
	it.description = description
	return nil
}

// ExecuteCommand forwards to the block session's SubmitCommand under an
// outer deadline slightly larger than the command timeout. If the outer
// deadline expires first, the underlying command's fate is unknown.
func (r *Registry) ExecuteCommand(id int, text string, timeout time.Duration) (block.SubmitResult, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return block.SubmitResult{}, err
	}

	outerTimeout := timeout + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), outerTimeout)
	defer cancel()

	startedAt := time.Now()
	res, err := sess.SubmitCommand(ctx, text, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return block.SubmitResult{}, &kmuxerr.ToolCallTimeoutError{Timeout: outerTimeout}
		}
		return block.SubmitResult{}, err
	}

	if r.cfg.Audit != nil && res.Kind == block.Finished {
		r.cfg.Audit.SaveBlock(audit.BlockEvent{
			SessionID:  id,
			Command:    res.CombinedCommand,
			Output:     res.Output,
			StartedAt:  startedAt.Unix(),
			DurationMS: res.Duration.Milliseconds(),
			TimedOut:   false,
		})
	}

	return res, nil
}

// Snapshot forwards directly to the block session.
func (r *Registry) Snapshot(id int, includeAll bool) (string, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return sess.Snapshot(includeAll), nil
}

// SendKeys forwards directly to the block session.
func (r *Registry) SendKeys(id int, keys []byte) error {
	sess, err := r.lookup(id)
	if err != nil {
		return err
	}
	return sess.SendKeys(keys)
}

// EnterRootPassword forwards directly to the block session.
func (r *Registry) EnterRootPassword(id int) error {
	sess, err := r.lookup(id)
	if err != nil {
		return err
	}
	return sess.EnterRootPassword()
}

// Attach returns the block session, whose output subscription and
// raw-write entry points the `attach` CLI command uses.
func (r *Registry) Attach(id int) (sess *block.Session, err error) {
	return r.lookup(id)
}

// Resize forwards a terminal resize to the underlying PTY.
func (r *Registry) Resize(id int, cols, rows int) error {
	sess, err := r.lookup(id)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// DeleteSession flags the item pending-deletion and stops its session.
// The reaper loop removes it from the map once the finished callback
// fires.
func (r *Registry) DeleteSession(id int) error {
	r.mu.Lock()
	it, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return &kmuxerr.SessionNotFoundError{ID: fmt.Sprint(id)}
	}
	it.pendingDeletion = true
	r.mu.Unlock()

	it.session.Stop()
	return nil
}

// Stop stops every session and shuts down the reaper loop.
func (r *Registry) Stop() {
	r.mu.RLock()
	items := make([]*item, 0, len(r.items))
	for _, it := range r.items {
		items = append(items, it)
	}
	r.mu.RUnlock()

	for _, it := range items {
		it.session.Stop()
	}

	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) lookup(id int) (*block.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok || it.pendingDeletion {
		return nil, &kmuxerr.SessionNotFoundError{ID: fmt.Sprint(id)}
	}
	return it.session, nil
}

func (r *Registry) reaperLoop() {
	defer r.wg.Done()
	for {
		select {
		case id := <-r.finishedCh:
			r.mu.Lock()
			if it, ok := r.items[id]; ok {
				if it.session.PTYStatus() != ptypkg.Finished {
					// Defensive: indicates a bug upstream.
					it.session.Stop()
				}
				delete(r.items, id)
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}
