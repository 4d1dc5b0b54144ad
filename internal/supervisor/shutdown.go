package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamvisor/internal/registry"
)

const shutdownRetryPause = 100 * time.Millisecond

// Shutdown refuses further starts and stops every registered worker through
// the terminate-then-kill path, all in parallel, within the configured budget
// (or ctx's deadline when that is sooner). Workers still registered when the
// budget runs out are killed without waiting and reported in the error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.gate.Lock()
	m.shutting.Store(true)
	m.gate.Unlock()

	deadline := time.Now().Add(m.cfg.ShutdownBudget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stopCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	m.logger.Info("shutting down", "workers", m.registry.Len(), "budget", time.Until(deadline).Round(time.Millisecond))

	var (
		mu   sync.Mutex
		errs []error
	)
	for m.registry.Len() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		grace := m.cfg.GracePeriod
		if limit := remaining - m.cfg.KillTimeout; limit < grace {
			grace = max(limit, 0)
		}

		var g errgroup.Group
		for _, entry := range m.registry.List() {
			id := entry.ID
			g.Go(func() error {
				err := m.stop(stopCtx, id, grace)
				if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.DeadlineExceeded) {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if len(errs) > 0 {
			break
		}

		// A worker that has exited but whose reap could not be written keeps
		// its entry; there is nothing left to stop.
		m.dropExited(ctx)
		if m.registry.Len() == 0 {
			break
		}
		pause := time.NewTimer(min(shutdownRetryPause, max(time.Until(deadline), 0)))
		select {
		case <-pause.C:
		case <-stopCtx.Done():
			pause.Stop()
		}
	}

	m.dropExited(ctx)
	for _, entry := range m.registry.List() {
		err := fmt.Errorf("stream %s: worker %d survived shutdown budget", entry.ID, entry.Handle.PID())
		m.streamLogger(ctx, entry.ID).Error("killing worker left after shutdown budget", "pid", entry.Handle.PID())
		_ = entry.Handle.Kill()
		errs = append(errs, err)
	}
	m.metrics.SetActiveWorkers(m.registry.Len())
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("shutdown incomplete", "error", err)
		return err
	}
	m.logger.Info("shutdown complete")
	return nil
}

// ShuttingDown reports whether Shutdown has begun.
func (m *Manager) ShuttingDown() bool { return m.shutting.Load() }

// dropExited removes registry entries whose worker is already gone. Their
// records keep the last persisted state; the next start reconciles them.
func (m *Manager) dropExited(ctx context.Context) {
	for _, entry := range m.registry.List() {
		alive, exit := registry.IsAlive(entry.Handle)
		if alive {
			continue
		}
		if m.registry.RemoveHandle(entry.ID, entry.Handle) {
			m.streamLogger(ctx, entry.ID).Warn("exit not recorded", "pid", entry.Handle.PID(), "exit", exit.String())
		}
	}
}
