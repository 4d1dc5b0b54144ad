package restarter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"streamvisor/internal/observability/logging"
	"streamvisor/internal/observability/metrics"
	"streamvisor/internal/status"
	"streamvisor/internal/supervisor"
)

// Restart outcomes, also used as metric labels.
const (
	OutcomeHealthy     = "healthy"
	OutcomeStarted     = "started"
	OutcomeConflict    = "conflict"
	OutcomeFailed      = "failed"
	OutcomeBackoff     = "backoff"
	OutcomeExhausted   = "exhausted"
	OutcomeStatusError = "status_error"
)

type Config struct {
	// Interval between passes over the expected jobs.
	Interval time.Duration
	// ErrorDelay replaces Interval after the job list could not be loaded.
	ErrorDelay time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// MaxRestarts applies to jobs that do not set their own; zero means
	// unlimited.
	MaxRestarts int
}

const (
	DefaultInterval       = 30 * time.Second
	DefaultErrorDelay     = 60 * time.Second
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultMultiplier     = 2.0
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = DefaultErrorDelay
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// jobState is the per-stream restart policy state.
type jobState struct {
	backoff     *backoff.ExponentialBackOff
	attempts    int
	nextAttempt time.Time
	// runningTicks counts consecutive passes that saw the job running.
	runningTicks int
	exhausted    bool
}

// Loop is the auto-restart supervisor.
type Loop struct {
	controller Controller
	source     Source
	sink       EventSink
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	flight singleflight.Group

	mu   sync.Mutex
	jobs map[string]*jobState
}

type Option func(*Loop)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(l *Loop) { l.metrics = rec }
}

// WithEventSink replaces the default log sink.
func WithEventSink(sink EventSink) Option {
	return func(l *Loop) {
		if sink != nil {
			l.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func New(controller Controller, source Source, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		controller: controller,
		source:     source,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
		jobs:       make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.WithComponent(l.logger, "restarter")
	if l.sink == nil {
		l.sink = LogSink{Logger: l.logger}
	}
	return l
}

// Tick makes one pass over the expected jobs. Per-job failures are logged
// and counted, never returned; the error is only for a job list that could
// not be loaded.
func (l *Loop) Tick(ctx context.Context) error {
	jobs, err := l.source.Expected(ctx)
	if err != nil {
		return fmt.Errorf("list expected jobs: %w", err)
	}
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		if !status.ValidID(job.Spec.ID) {
			l.logger.Warn("skipping expected job with invalid id", "stream_id", job.Spec.ID)
			continue
		}
		seen[job.Spec.ID] = struct{}{}
		l.Check(ctx, job)
	}
	l.forget(seen)
	return nil
}

// Check examines one job and restarts it if it is down. Overlapping checks
// of the same stream share a single status query and start call.
func (l *Loop) Check(ctx context.Context, job ExpectedJob) string {
	v, _, _ := l.flight.Do(job.Spec.ID, func() (any, error) {
		outcome := l.check(ctx, job)
		l.metrics.RestartAttempt(outcome)
		return outcome, nil
	})
	return v.(string)
}

func (l *Loop) check(ctx context.Context, job ExpectedJob) string {
	id := job.Spec.ID
	logger := l.logger.With("stream_id", id)

	// Re-read liveness right before deciding; a start issued by another
	// caller since the last pass shows up here.
	current, err := l.controller.Status(ctx, id)
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
	case err != nil:
		logger.Warn("status check failed", "error", err)
		return OutcomeStatusError
	case current.Live || current.State == status.StateRunning || current.State == status.StateStarting || current.State == status.StateStopping:
		l.markRunning(id)
		return OutcomeHealthy
	}

	state := l.state(id)
	now := l.now()
	l.mu.Lock()
	state.runningTicks = 0
	limit := l.limit(job)
	if limit > 0 && state.attempts >= limit {
		first := !state.exhausted
		state.exhausted = true
		l.mu.Unlock()
		if first {
			logger.Error("giving up on stream", "attempts", state.attempts, "max_restarts", limit)
			l.record(ctx, Event{
				Type:     EventExhausted,
				StreamID: id,
				Name:     job.Name,
				Attempt:  state.attempts,
				Message:  fmt.Sprintf("Gave up restarting stream %s after %d attempts", job.label(), state.attempts),
				Time:     now,
			})
		}
		return OutcomeExhausted
	}
	if now.Before(state.nextAttempt) {
		l.mu.Unlock()
		return OutcomeBackoff
	}
	state.attempts++
	attempt := state.attempts
	state.nextAttempt = now.Add(state.backoff.NextBackOff())
	l.mu.Unlock()

	logger.Warn("stream is down, restarting", "state", current.State, "attempt", attempt)
	_, err = l.controller.Start(ctx, job.Spec, supervisor.StartOptions{Restart: true})
	switch {
	case errors.Is(err, supervisor.ErrConflict):
		// Someone else started it between the status check and ours.
		l.mu.Lock()
		state.attempts--
		l.mu.Unlock()
		return OutcomeConflict
	case err != nil:
		logger.Error("restart failed", "attempt", attempt, "error", err)
		return OutcomeFailed
	}

	l.record(ctx, Event{
		Type:     EventRestart,
		StreamID: id,
		Name:     job.Name,
		Attempt:  attempt,
		Message:  fmt.Sprintf("Auto-restarted stream %s", job.label()),
		Time:     now,
	})
	return OutcomeStarted
}

func (l *Loop) limit(job ExpectedJob) int {
	switch {
	case job.MaxRestarts < 0:
		return 0
	case job.MaxRestarts > 0:
		return job.MaxRestarts
	default:
		return l.cfg.MaxRestarts
	}
}

func (l *Loop) state(id string) *jobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.jobs[id]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = l.cfg.InitialBackoff
		b.MaxInterval = l.cfg.MaxBackoff
		b.Multiplier = l.cfg.Multiplier
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		st = &jobState{backoff: b}
		l.jobs[id] = st
	}
	return st
}

// markRunning resets the restart policy once the job has been seen running on
// two consecutive passes, i.e. it survived a full interval.
func (l *Loop) markRunning(id string) {
	state := l.state(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	state.runningTicks++
	if state.runningTicks >= 2 && (state.attempts > 0 || state.exhausted) {
		state.attempts = 0
		state.exhausted = false
		state.nextAttempt = time.Time{}
		state.backoff.Reset()
	}
}

// forget drops policy state for jobs no longer expected.
func (l *Loop) forget(seen map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.jobs {
		if _, ok := seen[id]; !ok {
			delete(l.jobs, id)
		}
	}
}

func (l *Loop) record(ctx context.Context, event Event) {
	if err := l.sink.Record(ctx, event); err != nil {
		l.logger.Warn("record restart event", "stream_id", event.StreamID, "error", err)
	}
}

// Attempts reports automatic restarts of id since it was last healthy.
func (l *Loop) Attempts(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.jobs[id]; ok {
		return st.attempts
	}
	return 0
}

// Serve runs passes until ctx is done, waiting Interval between passes or
// ErrorDelay after a pass whose job list failed to load.
func (l *Loop) Serve(ctx context.Context) error {
	l.logger.Info("auto-restart loop started", "interval", l.cfg.Interval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("auto-restart loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
		delay := l.cfg.Interval
		if err := l.Tick(ctx); err != nil {
			l.logger.Error("auto-restart pass failed", "error", err, "retry_in", l.cfg.ErrorDelay)
			delay = l.cfg.ErrorDelay
		}
		timer.Reset(delay)
	}
}

func (l *Loop) String() string { return "auto-restarter" }
