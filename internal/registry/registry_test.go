package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamvisor/internal/testsupport/fakeworker"
	"streamvisor/internal/worker"
)

func TestInsertRejectsDuplicate(t *testing.T) {
	r := New()
	first := fakeworker.NewHandle(1)
	if _, err := r.Insert("a", first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := r.Insert("a", fakeworker.NewHandle(2)); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	entry, ok := r.Get("a")
	if !ok || entry.Handle != first {
		t.Fatalf("duplicate insert replaced the handle")
	}
	if entry.StartedAt != first.StartedAt() {
		t.Fatalf("started_at not copied from handle")
	}
}

func TestRemove(t *testing.T) {
	r := New()
	h := fakeworker.NewHandle(1)
	_, _ = r.Insert("a", h)

	entry, err := r.Remove("a")
	if err != nil || entry.Handle != h {
		t.Fatalf("Remove = %+v, %v", entry, err)
	}
	if _, err := r.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRemoveHandleChecksIdentity(t *testing.T) {
	r := New()
	old := fakeworker.NewHandle(1)
	current := fakeworker.NewHandle(2)
	_, _ = r.Insert("a", current)

	if r.RemoveHandle("a", old) {
		t.Fatal("removed entry for a stale handle")
	}
	if !r.RemoveHandle("a", current) {
		t.Fatal("expected removal for the registered handle")
	}
}

func TestListIsSortedSnapshot(t *testing.T) {
	r := New()
	for i, id := range []string{"c", "a", "b"} {
		_, _ = r.Insert(id, fakeworker.NewHandle(i+1))
	}
	list := r.List()
	_, _ = r.Remove("a")
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestIsAlive(t *testing.T) {
	h := fakeworker.NewHandle(1)
	if alive, _ := IsAlive(h); !alive {
		t.Fatal("expected alive")
	}
	h.Exit(worker.Exit{Code: 2})
	alive, exit := IsAlive(h)
	if alive || exit.Code != 2 {
		t.Fatalf("IsAlive = %v, %+v", alive, exit)
	}
}

func TestLockSerialisesPerID(t *testing.T) {
	r := New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("a")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("lock admitted %d holders", maxInside)
	}
	if n := len(r.locks); n != 0 {
		t.Fatalf("expected lock table to drain, %d left", n)
	}
}

func TestTryLock(t *testing.T) {
	r := New()
	unlock := r.Lock("a")
	if _, ok := r.TryLock("a"); ok {
		t.Fatal("TryLock succeeded while held")
	}
	other, ok := r.TryLock("b")
	if !ok {
		t.Fatal("TryLock on another id should succeed")
	}
	other()
	unlock()
	unlock()
	again, ok := r.TryLock("a")
	if !ok {
		t.Fatal("TryLock failed after release")
	}
	again()
}

func TestLockContextCancel(t *testing.T) {
	r := New()
	unlock := r.Lock("a")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.LockContext(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
