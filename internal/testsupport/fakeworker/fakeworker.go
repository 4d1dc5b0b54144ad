// Package fakeworker provides in-memory worker handles for supervisor tests.
package fakeworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamvisor/internal/worker"
)

// Handle is a controllable worker.Handle.
type Handle struct {
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu          sync.Mutex
	exit        worker.Exit
	exited      bool
	ignoreTerm  bool
	diagnostics string
	terms       int
	kills       int
}

func NewHandle(pid int) *Handle {
	return &Handle{pid: pid, startedAt: time.Now().UTC(), done: make(chan struct{})}
}

// Exit simulates the process ending on its own.
func (h *Handle) Exit(exit worker.Exit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishLocked(exit)
}

func (h *Handle) finishLocked(exit worker.Exit) {
	if h.exited {
		return
	}
	h.exit = exit
	h.exited = true
	close(h.done)
}

// IgnoreTerm makes Terminate a no-op so only Kill ends the process.
func (h *Handle) IgnoreTerm() {
	h.mu.Lock()
	h.ignoreTerm = true
	h.mu.Unlock()
}

func (h *Handle) SetDiagnostics(text string) {
	h.mu.Lock()
	h.diagnostics = text
	h.mu.Unlock()
}

func (h *Handle) Terminations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terms
}

func (h *Handle) Kills() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Poll() (worker.Exit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

func (h *Handle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terms++
	if !h.ignoreTerm {
		h.finishLocked(worker.Exit{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (h *Handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills++
	h.finishLocked(worker.Exit{Code: -1, Signal: "killed"})
	return nil
}

func (h *Handle) Diagnostics() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.diagnostics
}

// Spawner records every spawn and hands out fake handles.
type Spawner struct {
	// Configure, when set, is applied to each new handle before it is returned.
	Configure func(spec worker.Spec, h *Handle)

	mu      sync.Mutex
	pid     int
	failure error
	delay   time.Duration
	specs   []worker.Spec
	handles map[string][]*Handle
}

func NewSpawner() *Spawner {
	return &Spawner{pid: 1000, handles: make(map[string][]*Handle)}
}

// FailWith makes every subsequent Spawn return err until cleared with nil.
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// SetDelay makes Spawn block for d, widening race windows in tests.
func (s *Spawner) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Spawner) Spawn(ctx context.Context, spec worker.Spec) (worker.Handle, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if s.failure != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, s.failure)
	}
	s.pid++
	h := NewHandle(s.pid)
	if s.Configure != nil {
		s.Configure(spec, h)
	}
	s.handles[spec.ID] = append(s.handles[spec.ID], h)
	return h, nil
}

// Specs returns every invocation seen so far.
func (s *Spawner) Specs() []worker.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Handles returns the handles spawned for id, oldest first.
func (s *Spawner) Handles(id string) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.handles[id]))
	copy(out, s.handles[id])
	return out
}

// Last returns the newest handle spawned for id, or nil.
func (s *Spawner) Last(id string) *Handle {
	hs := s.Handles(id)
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}
