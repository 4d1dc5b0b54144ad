package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"streamvisor/internal/observability/logging"
	"streamvisor/internal/status"
	"streamvisor/internal/testsupport/fakeworker"
	"streamvisor/internal/testsupport/manualticker"
	"streamvisor/internal/worker"
)

func TestMonitorTickRecordsAbnormalExit(t *testing.T) {
	h := newHarness(t, Config{})
	mon := NewMonitor(h.manager, time.Minute, WithMonitorLogger(logging.Discard()))
	ctx := context.Background()
	if _, err := h.manager.Start(ctx, testSpec("cam1"), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	handle := h.spawner.Last("cam1")
	handle.SetDiagnostics("Invalid data found when processing input")
	handle.Exit(worker.Exit{Code: 1})

	mon.Tick(ctx)
	first := h.record(t, "cam1")
	if first.State != status.StateFailed {
		t.Fatalf("expected failed, got %s", first.State)
	}
	if !strings.Contains(first.LastError, "exit status 1") || !strings.Contains(first.LastError, "Invalid data") {
		t.Fatalf("unexpected last_error %q", first.LastError)
	}
	if h.manager.Active() != 0 {
		t.Fatal("dead worker left in registry")
	}

	mon.Tick(ctx)
	second := h.record(t, "cam1")
	if second != first {
		t.Fatalf("second tick mutated record:\n%+v\n%+v", first, second)
	}
	expected := `
# HELP streamvisor_reconciliations_total Status corrections made by the health monitor, by outcome.
# TYPE streamvisor_reconciliations_total counter
streamvisor_reconciliations_total{outcome="reaped"} 1
`
	if err := testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "streamvisor_reconciliations_total"); err != nil {
		t.Fatalf("reconciliation metric: %v", err)
	}
}

func TestMonitorTickRecordsCleanExitAsStopped(t *testing.T) {
	h := newHarness(t, Config{})
	mon := NewMonitor(h.manager, time.Minute, WithMonitorLogger(logging.Discard()))
	ctx := context.Background()
	if _, err := h.manager.Start(ctx, testSpec("vod"), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.spawner.Last("vod").Exit(worker.Exit{Code: 0})

	mon.Tick(ctx)
	rec := h.record(t, "vod")
	if rec.State != status.StateStopped || rec.LastError != "" {
		t.Fatalf("expected clean stop, got %+v", rec)
	}
}

func TestMonitorDefersReapWhileStoreDown(t *testing.T) {
	h := newHarness(t, Config{})
	mon := NewMonitor(h.manager, time.Minute, WithMonitorLogger(logging.Discard()))
	ctx := context.Background()
	if _, err := h.manager.Start(ctx, testSpec("cam1"), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.spawner.Last("cam1").Exit(worker.Exit{Signal: "segmentation fault"})

	h.store.failPut.Store(true)
	mon.Tick(ctx)
	if h.manager.Active() != 1 {
		t.Fatal("entry dropped before its death was recorded")
	}

	h.store.failPut.Store(false)
	mon.Tick(ctx)
	rec := h.record(t, "cam1")
	if rec.State != status.StateFailed || !strings.Contains(rec.LastError, "segmentation fault") {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.manager.Active() != 0 {
		t.Fatal("entry not reaped after store recovered")
	}
}

func TestMonitorHeartbeatRefreshesLastCheck(t *testing.T) {
	h := newHarness(t, Config{})
	mon := NewMonitor(h.manager, time.Minute, WithMonitorLogger(logging.Discard()))
	ctx := context.Background()
	if _, err := h.manager.Start(ctx, testSpec("cam1"), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := h.record(t, "cam1").LastCheck

	mon.Tick(ctx)
	after := h.record(t, "cam1")
	if !after.LastCheck.After(before) || after.State != status.StateRunning {
		t.Fatalf("expected refreshed last_check, before %v after %+v", before, after)
	}
}

func TestReconcileSettlesOrphanedRecords(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	started := time.Now().Add(-time.Hour).UTC()
	seed := []status.Record{
		{ID: "running", ChannelID: "ch", State: status.StateRunning, PID: 4242, StartedAt: started},
		{ID: "starting", ChannelID: "ch", State: status.StateStarting},
		{ID: "stopping", ChannelID: "ch", State: status.StateStopping, PID: 4243, StartedAt: started},
		{ID: "done", ChannelID: "ch", State: status.StateStopped},
	}
	for _, rec := range seed {
		if err := h.store.Put(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.ID, err)
		}
	}

	if err := h.manager.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := map[string]status.State{
		"running":  status.StateFailed,
		"starting": status.StateFailed,
		"stopping": status.StateStopped,
		"done":     status.StateStopped,
	}
	snapshot := make(map[string]status.Record)
	for id, state := range want {
		rec := h.record(t, id)
		if rec.State != state {
			t.Fatalf("%s: expected %s, got %s", id, state, rec.State)
		}
		if state == status.StateFailed && rec.LastError != orphanError {
			t.Fatalf("%s: unexpected last_error %q", id, rec.LastError)
		}
		if rec.PID != 0 {
			t.Fatalf("%s: pid not cleared", id)
		}
		snapshot[id] = rec
	}

	if err := h.manager.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	for id, rec := range snapshot {
		if got := h.record(t, id); got != rec {
			t.Fatalf("%s: second reconcile mutated record", id)
		}
	}
}

func TestStatusReconcilesOrphanImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.store.Put(ctx, status.Record{ID: "cam1", ChannelID: "ch", State: status.StateRunning, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	job, err := h.manager.Status(ctx, "cam1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if job.State != status.StateFailed || job.Live {
		t.Fatalf("expected orphan reported failed, got %+v", job)
	}
}

func TestReconcileReportsStoreOutage(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.failList.Store(true)
	if err := h.manager.Reconcile(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMonitorServe(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.store.Put(ctx, status.Record{ID: "orphan", ChannelID: "ch", State: status.StateRunning, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ticker := manualticker.New()
	mon := NewMonitor(h.manager, time.Minute,
		WithMonitorLogger(logging.Discard()),
		WithTicker(func(time.Duration) Ticker { return ticker }))
	if mon.String() != "health-monitor" {
		t.Fatalf("unexpected service name %q", mon.String())
	}

	done := make(chan error, 1)
	go func() { done <- mon.Serve(ctx) }()

	// The first pass runs before any tick arrives.
	waitFor(t, time.Second, func() bool {
		rec, err := h.store.Get(context.Background(), "orphan")
		return err == nil && rec.State == status.StateFailed
	})

	if _, err := h.manager.Start(context.Background(), testSpec("cam1"), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.spawner.Last("cam1").Exit(worker.Exit{Code: 2})
	ticker.Tick()
	waitFor(t, time.Second, func() bool {
		rec, err := h.store.Get(context.Background(), "cam1")
		return err == nil && rec.State == status.StateFailed
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
	select {
	case <-ticker.Stopped():
	case <-time.After(time.Second):
		t.Fatal("ticker not stopped")
	}
}

func TestReconcileSkipsUndecodableRecords(t *testing.T) {
	dir := t.TempDir()
	files, err := status.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store := status.NewGuard(files, status.BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour}, logging.Discard())
	ctx := context.Background()
	if err := store.Put(ctx, status.Record{ID: "cam1", ChannelID: "ch", State: status.StateRunning, PID: 77, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "zz.json"), []byte(`{"id":"zz","state":`), 0o644); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}

	spawner := fakeworker.NewSpawner()
	manager := NewManager(Config{OutputRoot: t.TempDir(), GracePeriod: 50 * time.Millisecond, KillTimeout: time.Second},
		spawner, store, WithLogger(logging.Discard()))

	for i := 0; i < 3; i++ {
		if err := manager.Reconcile(ctx); err != nil {
			t.Fatalf("Reconcile %d: %v", i, err)
		}
	}
	rec, err := store.Get(ctx, "cam1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != status.StateFailed || rec.LastError != orphanError {
		t.Fatalf("orphan not settled: %+v", rec)
	}
	if store.State() != "closed" {
		t.Fatalf("corrupt entry tripped the breaker: %s", store.State())
	}

	jobs, err := manager.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "cam1" {
		t.Fatalf("expected only cam1 listed, got %+v", jobs)
	}

	// A start under the corrupt ID replaces the bad entry.
	spec := testSpec("zz")
	if _, err := manager.Start(ctx, spec, StartOptions{}); err != nil {
		t.Fatalf("Start over corrupt record: %v", err)
	}
	if rec, err := files.Get(ctx, "zz"); err != nil || rec.State != status.StateRunning {
		t.Fatalf("corrupt record not replaced: %+v %v", rec, err)
	}
}
