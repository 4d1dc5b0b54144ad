package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStateMachine(t *testing.T) {
	allowed := []struct{ from, to State }{
		{"", StateStarting},
		{StateStarting, StateRunning},
		{StateStarting, StateFailed},
		{StateRunning, StateStopping},
		{StateRunning, StateFailed},
		{StateRunning, StateStopped},
		{StateStopping, StateStopped},
		{StateStopped, StateStarting},
		{StateFailed, StateStarting},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%q -> %q should be allowed", tc.from, tc.to)
		}
	}
	denied := []struct{ from, to State }{
		{StateStopped, StateRunning},
		{StateFailed, StateRunning},
		{StateStopped, StateFailed},
		{StateStarting, StateStopping},
		{"", StateRunning},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%q -> %q should be rejected", tc.from, tc.to)
		}
	}
}

func TestStateLive(t *testing.T) {
	for _, s := range []State{StateStarting, StateRunning, StateStopping} {
		if !s.Live() {
			t.Errorf("%s should be live", s)
		}
	}
	for _, s := range []State{StateStopped, StateFailed, State("bogus")} {
		if s.Live() {
			t.Errorf("%s should not be live", s)
		}
	}
	if State("bogus").Valid() {
		t.Error("bogus state reported valid")
	}
}

func TestRecordValidate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		rec  Record
		ok   bool
	}{
		{"running with start", Record{ID: "s", State: StateRunning, StartedAt: now}, true},
		{"running without start", Record{ID: "s", State: StateRunning}, false},
		{"empty id", Record{State: StateStopped}, false},
		{"slash in id", Record{ID: "a/b", State: StateStopped}, false},
		{"unknown state", Record{ID: "s", State: "paused"}, false},
		{"negative restarts", Record{ID: "s", State: StateFailed, RestartCount: -1}, false},
		{"colon id", Record{ID: "stream:1", State: StateStopped}, true},
	}
	for _, tc := range cases {
		err := tc.rec.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
}

type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyStore) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *flakyStore) Get(ctx context.Context, id string) (Record, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	return f.MemoryStore.Get(ctx, id)
}

func TestGuardMapsFailuresToUnavailable(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore()}
	var transitions []string
	guard := NewGuard(backend, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, nil,
		OnBreakerChange(func(from, to string) { transitions = append(transitions, from+"->"+to) }))
	ctx := context.Background()

	if _, err := guard.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("not found should pass through, got %v", err)
	}

	backend.fail(errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		_, err := guard.Get(ctx, "x")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if guard.State() != "open" {
		t.Fatalf("breaker state = %s, want open", guard.State())
	}

	backend.mu.Lock()
	callsBefore := backend.calls
	backend.mu.Unlock()
	if _, err := guard.Get(ctx, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open breaker should report unavailable, got %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.calls != callsBefore {
		t.Fatal("open breaker still called the backend")
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestGuardIgnoresNotFoundForTripping(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), BreakerConfig{ConsecutiveFailures: 1}, nil)
	for i := 0; i < 5; i++ {
		_, _ = guard.Get(context.Background(), "missing")
	}
	if guard.State() != "closed" {
		t.Fatalf("breaker opened on not-found lookups")
	}
}
