// Package supervisor starts, stops, queries and reconciles stream workers,
// keeping the in-memory process registry and the durable status store
// consistent with each other.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"streamvisor/internal/command"
	"streamvisor/internal/observability/logging"
	"streamvisor/internal/observability/metrics"
	"streamvisor/internal/registry"
	"streamvisor/internal/status"
	"streamvisor/internal/worker"
)

// BuildFunc produces worker arguments; command.Build unless overridden.
type BuildFunc func(input, output string, p command.Profile, opts command.Options) []string

type Manager struct {
	cfg      Config
	spawner  worker.Spawner
	store    status.Store
	registry *registry.Registry
	build    BuildFunc
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	// gate is held shared by every Start and exclusively by Shutdown while
	// it flips shutting, so no start can slip past a shutdown.
	gate     sync.RWMutex
	shutting atomic.Bool

	slotsMu  sync.Mutex
	reserved int
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = rec }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(reg *registry.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

func WithCommandBuilder(build BuildFunc) Option {
	return func(m *Manager) {
		if build != nil {
			m.build = build
		}
	}
}

func NewManager(cfg Config, spawner worker.Spawner, store status.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		spawner:  spawner,
		store:    store,
		registry: registry.New(),
		build:    command.Build,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithComponent(m.logger, "supervisor")
	return m
}

// Registry exposes the process registry owned by the manager.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Active returns the number of registered workers.
func (m *Manager) Active() int { return m.registry.Len() }

func (m *Manager) streamLogger(ctx context.Context, id string) *slog.Logger {
	return logging.WithContext(logging.ContextWithStreamID(ctx, id), m.logger)
}

// Start launches a worker for spec. The Starting record is written before the
// spawn so a worker never runs untracked; a spawn failure rolls the record
// back so the job is left as it was.
func (m *Manager) Start(ctx context.Context, spec JobSpec, opts StartOptions) (StartResult, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.shutting.Load() {
		return StartResult{}, ErrShuttingDown
	}

	spec, err := m.normalize(spec)
	if err != nil {
		return StartResult{}, err
	}
	id := spec.ID
	logger := m.streamLogger(ctx, id)

	unlock, err := m.registry.LockContext(ctx, id)
	if err != nil {
		return StartResult{}, err
	}
	defer unlock()

	if entry, ok := m.registry.Get(id); ok {
		alive, exit := registry.IsAlive(entry.Handle)
		if alive {
			return StartResult{}, fmt.Errorf("%w: %s (pid %d)", ErrConflict, id, entry.Handle.PID())
		}
		// Dead but not yet reaped; settle its record before replacing it.
		if _, reaped := m.reapLocked(ctx, id, entry.Handle, exit); !reaped {
			return StartResult{}, fmt.Errorf("%w: could not record exit of previous worker", ErrStoreUnavailable)
		}
	}

	if !m.reserveSlot() {
		return StartResult{}, fmt.Errorf("%w: %d live workers", ErrCapacity, m.cfg.MaxStreams)
	}
	defer m.releaseSlot()

	prior, hasPrior, err := m.loadRecord(ctx, id)
	if err != nil {
		return StartResult{}, err
	}

	p, err := m.buildPlan(id, spec)
	if err != nil {
		return StartResult{}, err
	}

	rec := status.Record{
		ID:        id,
		ChannelID: spec.ChannelID,
		Output:    p.location,
		UpdatedAt: m.now(),
	}
	from := status.State("")
	if hasPrior {
		rec.RestartCount = prior.RestartCount
		rec.LastError = prior.LastError
		from = prior.State
		if from.Live() {
			// Live record with no handle: its worker was lost, treat as failed.
			from = status.StateFailed
		}
	}
	if opts.Restart {
		rec.RestartCount++
	}
	if err := m.advance(&rec, from, status.StateStarting); err != nil {
		return StartResult{}, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		m.metrics.StoreError("put")
		return StartResult{}, fmt.Errorf("%w: record start of %s: %v", ErrStoreUnavailable, id, err)
	}

	handle, spawnErr := m.spawner.Spawn(ctx, worker.Spec{
		ID:     id,
		Binary: m.cfg.Binary,
		Args:   p.args,
		Env:    m.cfg.Env,
	})
	// The worker must not die with the caller's request from here on.
	bg := context.WithoutCancel(ctx)
	if spawnErr != nil {
		m.metrics.StreamEvent(metrics.EventSpawnFailed)
		m.rollbackStart(bg, logger, id, prior, hasPrior, spawnErr)
		return StartResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, spawnErr)
	}

	if _, err := m.registry.Insert(id, handle); err != nil {
		m.killAndWait(logger, handle)
		m.rollbackStart(bg, logger, id, prior, hasPrior, err)
		return StartResult{}, fmt.Errorf("%w: %s", ErrConflict, id)
	}

	rec.PID = handle.PID()
	rec.StartedAt = handle.StartedAt()
	rec.LastCheck = m.now()
	rec.LastError = ""
	if err := m.advance(&rec, status.StateStarting, status.StateRunning); err != nil {
		return StartResult{}, err
	}
	if err := m.store.Put(bg, rec); err != nil {
		// Fail closed: a worker the store does not know about must not survive.
		m.metrics.StoreError("put")
		logger.Error("status store rejected running record; killing worker", "pid", handle.PID(), "error", err)
		m.killAndWait(logger, handle)
		m.registry.RemoveHandle(id, handle)
		m.rollbackStart(bg, logger, id, prior, hasPrior, err)
		return StartResult{}, fmt.Errorf("%w: record running state of %s: %v", ErrStoreUnavailable, id, err)
	}

	if opts.Restart {
		m.metrics.StreamEvent(metrics.EventRestarted)
	} else {
		m.metrics.StreamEvent(metrics.EventStarted)
	}
	m.metrics.SetActiveWorkers(m.registry.Len())
	logger.Info("stream started", "pid", handle.PID(), "output", p.location, "restart", opts.Restart, "restart_count", rec.RestartCount)
	return StartResult{ID: id, OutputLocation: p.location}, nil
}

func (m *Manager) normalize(spec JobSpec) (JobSpec, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.ChannelID = strings.TrimSpace(spec.ChannelID)
	spec.InputSource = strings.TrimSpace(spec.InputSource)
	if spec.ChannelID == "" {
		return spec, fmt.Errorf("%w: channel_id is required", ErrInvalidSpec)
	}
	if spec.InputSource == "" {
		return spec, fmt.Errorf("%w: input_source is required", ErrInvalidSpec)
	}
	if spec.ID == "" {
		spec.ID = generateID(spec.ChannelID, m.now())
	}
	if !status.ValidID(spec.ID) {
		return spec, fmt.Errorf("%w: id %q must match [A-Za-z0-9][A-Za-z0-9_.:-]*", ErrInvalidSpec, spec.ID)
	}
	return spec, nil
}

func (m *Manager) reserveSlot() bool {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	if m.cfg.MaxStreams > 0 && m.registry.Len()+m.reserved >= m.cfg.MaxStreams {
		return false
	}
	m.reserved++
	return true
}

func (m *Manager) releaseSlot() {
	m.slotsMu.Lock()
	m.reserved--
	m.slotsMu.Unlock()
}

func (m *Manager) loadRecord(ctx context.Context, id string) (status.Record, bool, error) {
	rec, err := m.store.Get(ctx, id)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, status.ErrNotFound):
		return status.Record{}, false, nil
	case errors.Is(err, status.ErrCorrupt):
		// Treated as absent; the next write for this stream replaces it.
		m.metrics.StoreError("decode")
		m.logger.Warn("ignoring undecodable status record", "stream_id", id, "error", err)
		return status.Record{}, false, nil
	default:
		m.metrics.StoreError("get")
		return status.Record{}, false, fmt.Errorf("%w: load %s: %v", ErrStoreUnavailable, id, err)
	}
}

// advance moves rec to `to`, refusing edges outside the job state machine.
func (m *Manager) advance(rec *status.Record, from, to status.State) error {
	if !status.CanTransition(from, to) {
		return fmt.Errorf("stream %s: illegal transition %q -> %q", rec.ID, from, to)
	}
	rec.State = to
	rec.UpdatedAt = m.now()
	return nil
}

// rollbackStart restores the store to what it held before Start began.
func (m *Manager) rollbackStart(ctx context.Context, logger *slog.Logger, id string, prior status.Record, hasPrior bool, cause error) {
	var err error
	if hasPrior {
		prior.LastError = cause.Error()
		prior.UpdatedAt = m.now()
		err = m.store.Put(ctx, prior)
	} else {
		err = m.store.Delete(ctx, id)
	}
	if err != nil {
		m.metrics.StoreError("rollback")
		logger.Warn("could not roll back status record", "error", err)
	}
	logger.Warn("stream start failed", "error", cause)
}

func (m *Manager) killAndWait(logger *slog.Logger, h worker.Handle) bool {
	if err := h.Kill(); err != nil {
		logger.Warn("kill worker", "pid", h.PID(), "error", err)
	}
	select {
	case <-h.Done():
		return true
	case <-time.After(m.cfg.KillTimeout):
		logger.Error("worker did not exit after kill", "pid", h.PID(), "timeout", m.cfg.KillTimeout)
		return false
	}
}

// Stop terminates the stream's worker group, escalating to KILL after the
// grace period, and returns once the OS has confirmed the exit.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.stop(ctx, id, m.cfg.GracePeriod)
}

func (m *Manager) stop(ctx context.Context, id string, grace time.Duration) error {
	id = strings.TrimSpace(id)
	logger := m.streamLogger(ctx, id)
	unlock, err := m.registry.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	entry, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s has no live worker", ErrNotFound, id)
	}
	h := entry.Handle
	if alive, exit := registry.IsAlive(h); !alive {
		m.reapLocked(ctx, id, h, exit)
		return fmt.Errorf("%w: %s worker already exited (%s)", ErrNotFound, id, exit)
	}

	// Completion is defined by process death, not by the caller staying around.
	bg := context.WithoutCancel(ctx)
	rec, hasRec, err := m.loadRecord(bg, id)
	if err != nil {
		logger.Warn("stopping without status record", "error", err)
	}
	if !hasRec {
		rec = status.Record{ID: id, State: status.StateRunning, PID: h.PID(), StartedAt: entry.StartedAt}
	}
	if rec.State != status.StateStopping {
		// The registry holds a live handle, so the worker is running whatever
		// the record last said.
		rec.State = status.StateRunning
		if err := m.advance(&rec, status.StateRunning, status.StateStopping); err != nil {
			return err
		}
		if err := m.store.Put(bg, rec); err != nil {
			m.metrics.StoreError("put")
			logger.Warn("could not record stopping state", "error", err)
		}
	}

	logger.Info("stopping stream", "pid", h.PID(), "grace", grace)
	if err := h.Terminate(); err != nil {
		logger.Warn("terminate worker", "pid", h.PID(), "error", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	forced := false
	select {
	case <-h.Done():
	case <-timer.C:
		forced = true
		logger.Warn("worker ignored terminate; killing", "pid", h.PID(), "grace", grace)
		if !m.killAndWait(logger, h) {
			return fmt.Errorf("stream %s: worker %d did not exit after kill", id, h.PID())
		}
	}

	exit, _ := h.Poll()
	m.registry.RemoveHandle(id, h)
	if err := m.advance(&rec, status.StateStopping, status.StateStopped); err != nil {
		return err
	}
	rec.PID = 0
	rec.LastCheck = m.now()
	if err := m.store.Put(bg, rec); err != nil {
		m.metrics.StoreError("put")
		logger.Warn("could not record stopped state", "error", err)
	}
	if forced {
		m.metrics.StreamEvent(metrics.EventKilled)
	}
	m.metrics.StreamEvent(metrics.EventStopped)
	m.metrics.SetActiveWorkers(m.registry.Len())
	logger.Info("stream stopped", "exit", exit.String(), "forced", forced)
	return nil
}

// Status merges registry liveness with the persisted record. A handle found
// dead is reconciled before answering.
func (m *Manager) Status(ctx context.Context, id string) (Job, error) {
	id = strings.TrimSpace(id)
	entry, hasEntry := m.registry.Get(id)
	rec, hasRec, err := m.loadRecord(ctx, id)
	if err != nil {
		if !hasEntry {
			return Job{}, err
		}
		m.streamLogger(ctx, id).Warn("answering status from registry only", "error", err)
	}
	var ep *registry.Entry
	if hasEntry {
		ep = &entry
	}
	var rp *status.Record
	if hasRec {
		rp = &rec
	}
	return m.resolve(ctx, id, ep, rp)
}

// List returns every stream known to the registry or the store, ordered by ID.
func (m *Manager) List(ctx context.Context) ([]Job, error) {
	entries := m.registry.List()
	records, err := m.listRecords(ctx)
	if err != nil {
		m.logger.Warn("listing from registry only", "error", err)
		records = nil
	}
	byID := make(map[string]*status.Record, len(records))
	ids := make([]string, 0, len(records)+len(entries))
	for i := range records {
		byID[records[i].ID] = &records[i]
		ids = append(ids, records[i].ID)
	}
	live := make(map[string]*registry.Entry, len(entries))
	for i := range entries {
		live[entries[i].ID] = &entries[i]
		if _, ok := byID[entries[i].ID]; !ok {
			ids = append(ids, entries[i].ID)
		}
	}
	sort.Strings(ids)

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := m.resolve(ctx, id, live[id], byID[id])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (m *Manager) resolve(ctx context.Context, id string, entry *registry.Entry, rec *status.Record) (Job, error) {
	if entry != nil {
		alive, exit := registry.IsAlive(entry.Handle)
		if alive {
			return m.liveView(entry, rec), nil
		}
		if unlock, ok := m.registry.TryLock(id); ok {
			updated, reaped := m.reapLocked(ctx, id, entry.Handle, exit)
			unlock()
			if reaped {
				return viewFromRecord(updated), nil
			}
		}
		// Someone else holds the stream; report the death without writing.
		return viewFromRecord(m.deathRecord(id, entry, rec, exit)), nil
	}
	if rec == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.State.Live() {
		if unlock, ok := m.registry.TryLock(id); ok {
			updated, changed := m.reconcileOrphanLocked(ctx, *rec)
			unlock()
			if changed {
				return viewFromRecord(updated), nil
			}
		}
	}
	return viewFromRecord(*rec), nil
}

func (m *Manager) liveView(entry *registry.Entry, rec *status.Record) Job {
	var job Job
	if rec != nil {
		job = viewFromRecord(*rec)
	} else {
		job = Job{ID: entry.ID}
	}
	job.Live = true
	job.PID = entry.Handle.PID()
	started := entry.StartedAt
	job.StartedAt = &started
	if job.State != status.StateStopping {
		job.State = status.StateRunning
		job.UptimeSeconds = m.now().Sub(started).Seconds()
	}
	return job
}
