package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"streamvisor/internal/observability/metrics"
	"streamvisor/internal/registry"
	"streamvisor/internal/status"
	"streamvisor/internal/worker"
)

// orphanError is recorded for live records whose worker handle did not
// survive a supervisor restart.
const orphanError = "supervisor restarted; worker handle lost"

// Reconcile compares the registry against real process liveness and the
// store against the registry, correcting the store where they disagree.
// Streams whose lock is held are skipped and picked up by the next call.
// Running it twice with no new deaths changes nothing.
func (m *Manager) Reconcile(ctx context.Context) error {
	for _, entry := range m.registry.List() {
		alive, exit := registry.IsAlive(entry.Handle)
		if alive {
			continue
		}
		unlock, ok := m.registry.TryLock(entry.ID)
		if !ok {
			continue
		}
		m.reapLocked(ctx, entry.ID, entry.Handle, exit)
		unlock()
	}

	records, err := m.listRecords(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.State.Live() {
			continue
		}
		if _, ok := m.registry.Get(rec.ID); ok {
			continue
		}
		unlock, ok := m.registry.TryLock(rec.ID)
		if !ok {
			continue
		}
		m.reconcileOrphanLocked(ctx, rec)
		unlock()
	}
	return nil
}

// listRecords lists the store. Undecodable entries are logged and skipped so
// one bad record cannot hold up every other stream.
func (m *Manager) listRecords(ctx context.Context) ([]status.Record, error) {
	records, err := m.store.List(ctx)
	switch {
	case err == nil:
	case errors.Is(err, status.ErrCorrupt):
		m.metrics.StoreError("decode")
		m.logger.Warn("skipping undecodable status records", "error", err)
	default:
		m.metrics.StoreError("list")
		return nil, fmt.Errorf("%w: list records: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}

// Heartbeat refreshes last_check on the records of live workers.
func (m *Manager) Heartbeat(ctx context.Context) {
	for _, entry := range m.registry.List() {
		if alive, _ := registry.IsAlive(entry.Handle); !alive {
			continue
		}
		unlock, ok := m.registry.TryLock(entry.ID)
		if !ok {
			continue
		}
		m.heartbeatLocked(ctx, entry)
		unlock()
	}
}

func (m *Manager) heartbeatLocked(ctx context.Context, entry registry.Entry) {
	current, ok := m.registry.Get(entry.ID)
	if !ok || current.Handle != entry.Handle {
		return
	}
	rec, hasRec, err := m.loadRecord(ctx, entry.ID)
	if err != nil || !hasRec || rec.State != status.StateRunning {
		return
	}
	rec.LastCheck = m.now()
	rec.UpdatedAt = rec.LastCheck
	if err := m.store.Put(ctx, rec); err != nil {
		m.metrics.StoreError("put")
		m.streamLogger(ctx, entry.ID).Warn("could not refresh last_check", "error", err)
	}
}

// reapLocked records the exit of a dead worker and drops it from the
// registry. The entry is kept when the store write fails so the next pass
// retries; the bool reports whether the death is now durably recorded.
// Callers hold the stream lock.
func (m *Manager) reapLocked(ctx context.Context, id string, h worker.Handle, exit worker.Exit) (status.Record, bool) {
	logger := m.streamLogger(ctx, id)
	entry, ok := m.registry.Get(id)
	if !ok || entry.Handle != h {
		// Already reaped by someone else.
		rec, hasRec, err := m.loadRecord(ctx, id)
		return rec, hasRec && err == nil
	}

	ctx = context.WithoutCancel(ctx)
	rec, hasRec, err := m.loadRecord(ctx, id)
	if err != nil {
		logger.Warn("deferring reap; status store unavailable", "error", err)
		m.metrics.Reconciled("deferred")
		return status.Record{}, false
	}
	var prior *status.Record
	if hasRec {
		prior = &rec
	}
	updated := m.deathRecord(id, &entry, prior, exit)
	if err := m.store.Put(ctx, updated); err != nil {
		m.metrics.StoreError("put")
		m.metrics.Reconciled("deferred")
		logger.Warn("deferring reap; could not record exit", "error", err)
		return status.Record{}, false
	}

	m.registry.RemoveHandle(id, h)
	m.metrics.SetActiveWorkers(m.registry.Len())
	m.metrics.Reconciled("reaped")
	if updated.State == status.StateFailed {
		m.metrics.StreamEvent(metrics.EventFailed)
		logger.Warn("worker died", "pid", h.PID(), "exit", exit.String(), "last_error", updated.LastError)
	} else {
		m.metrics.StreamEvent(metrics.EventExited)
		logger.Info("worker exited", "pid", h.PID(), "exit", exit.String())
	}
	return updated, true
}

// deathRecord derives the record for a worker observed dead. Clean exits and
// exits during a stop become Stopped; anything else becomes Failed with the
// exit and the stderr tail as last_error.
func (m *Manager) deathRecord(id string, entry *registry.Entry, rec *status.Record, exit worker.Exit) status.Record {
	var out status.Record
	if rec != nil {
		out = *rec
	} else {
		out = status.Record{ID: id, StartedAt: entry.StartedAt}
	}
	from := out.State
	if from != status.StateStopping {
		from = status.StateRunning
	}
	to := status.StateFailed
	if from == status.StateStopping || exit.Clean() {
		to = status.StateStopped
	}
	out.State = from
	_ = m.advance(&out, from, to)
	out.PID = 0
	out.LastCheck = m.now()
	if to == status.StateFailed {
		out.LastError = describeExit(exit, entry.Handle.Diagnostics())
	}
	return out
}

func describeExit(exit worker.Exit, diagnostics string) string {
	diagnostics = strings.TrimSpace(diagnostics)
	if diagnostics == "" {
		return exit.String()
	}
	return exit.String() + ": " + diagnostics
}

// reconcileOrphanLocked settles a live record that has no registry entry.
// Callers hold the stream lock.
func (m *Manager) reconcileOrphanLocked(ctx context.Context, rec status.Record) (status.Record, bool) {
	if _, ok := m.registry.Get(rec.ID); ok {
		return rec, false
	}
	if !rec.State.Live() {
		return rec, false
	}
	ctx = context.WithoutCancel(ctx)
	updated := rec
	if rec.State == status.StateStopping {
		_ = m.advance(&updated, status.StateStopping, status.StateStopped)
	} else {
		_ = m.advance(&updated, rec.State, status.StateFailed)
		updated.LastError = orphanError
	}
	updated.PID = 0
	updated.LastCheck = m.now()
	if err := m.store.Put(ctx, updated); err != nil {
		m.metrics.StoreError("put")
		m.streamLogger(ctx, rec.ID).Warn("could not reconcile orphaned record", "error", err)
		return rec, false
	}
	m.metrics.Reconciled("orphaned")
	m.streamLogger(ctx, rec.ID).Warn("reconciled record without worker", "from", rec.State, "to", updated.State)
	return updated, true
}
