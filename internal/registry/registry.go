// Package registry tracks the live worker handle for each stream.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"streamvisor/internal/worker"
)

var (
	ErrAlreadyExists = errors.New("registry: stream already has a live worker")
	ErrNotFound      = errors.New("registry: stream not found")
)

// Entry is a snapshot of one registered worker.
type Entry struct {
	ID        string
	Handle    worker.Handle
	StartedAt time.Time
}

// Registry maps stream IDs to live worker handles. Mutations for one ID are
// serialised by callers through Lock/TryLock; reads only hold the map lock
// long enough to copy entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		locks:   make(map[string]*keyLock),
	}
}

// Insert registers h under id. It fails with ErrAlreadyExists when id is taken.
func (r *Registry) Insert(id string, h worker.Handle) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return Entry{}, ErrAlreadyExists
	}
	entry := Entry{ID: id, Handle: h, StartedAt: h.StartedAt()}
	r.entries[id] = entry
	return entry, nil
}

// Remove deletes id and returns what was registered.
func (r *Registry) Remove(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(r.entries, id)
	return entry, nil
}

// RemoveHandle deletes id only while it still refers to h.
func (r *Registry) RemoveHandle(id string, h worker.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.Handle != h {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// List returns a snapshot ordered by ID.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lock acquires the per-ID mutation lock and returns its release func.
func (r *Registry) Lock(id string) func() {
	unlock, _ := r.LockContext(context.Background(), id)
	return unlock
}

// LockContext is Lock that gives up when ctx is done.
func (r *Registry) LockContext(ctx context.Context, id string) (func(), error) {
	kl := r.acquire(id)
	select {
	case kl.sem <- struct{}{}:
		return r.releaseFunc(id, kl), nil
	case <-ctx.Done():
		r.release(id, kl)
		return nil, ctx.Err()
	}
}

// TryLock takes the per-ID lock only if nobody holds it.
func (r *Registry) TryLock(id string) (func(), bool) {
	kl := r.acquire(id)
	select {
	case kl.sem <- struct{}{}:
		return r.releaseFunc(id, kl), true
	default:
		r.release(id, kl)
		return nil, false
	}
}

func (r *Registry) acquire(id string) *keyLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	kl, ok := r.locks[id]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[id] = kl
	}
	kl.refs++
	return kl
}

func (r *Registry) release(id string, kl *keyLock) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(r.locks, id)
	}
}

func (r *Registry) releaseFunc(id string, kl *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			r.release(id, kl)
		})
	}
}

// IsAlive polls h without blocking. When the worker has exited the exit
// details are returned alongside false.
func IsAlive(h worker.Handle) (bool, worker.Exit) {
	exit, exited := h.Poll()
	return !exited, exit
}
