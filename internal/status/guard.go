package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker placed in front of a backend.
type BreakerConfig struct {
	// ConsecutiveFailures opens the circuit once reached.
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	OpenTimeout         time.Duration `koanf:"open_timeout"`
	HalfOpenRequests    uint32        `koanf:"half_open_requests"`
}

// Guard wraps a Store so that backend failures surface as ErrUnavailable and
// a backend that keeps failing is short-circuited instead of hammered.
type Guard struct {
	store Store
	cb    *gobreaker.CircuitBreaker[any]
}

// GuardOption customises a Guard.
type GuardOption func(*gobreaker.Settings)

// OnBreakerChange registers fn to observe breaker state transitions.
func OnBreakerChange(fn func(from, to string)) GuardOption {
	return func(s *gobreaker.Settings) {
		prev := s.OnStateChange
		s.OnStateChange = func(name string, from, to gobreaker.State) {
			if prev != nil {
				prev(name, from, to)
			}
			fn(from.String(), to.String())
		}
	}
}

func NewGuard(store Store, cfg BreakerConfig, logger *slog.Logger, opts ...GuardOption) *Guard {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "status-store",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrInvalid) ||
				errors.Is(err, ErrCorrupt) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("status store breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}
	return &Guard{store: store, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State reports the breaker state ("closed", "half-open" or "open").
func (g *Guard) State() string {
	return g.cb.State().String()
}

func (g *Guard) do(fn func() (any, error)) (any, error) {
	v, err := g.cb.Execute(fn)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrCorrupt) || errors.Is(err, context.Canceled) {
		return v, err
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (g *Guard) Get(ctx context.Context, id string) (Record, error) {
	v, err := g.do(func() (any, error) { return g.store.Get(ctx, id) })
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (g *Guard) Put(ctx context.Context, rec Record) error {
	_, err := g.do(func() (any, error) { return nil, g.store.Put(ctx, rec) })
	return err
}

func (g *Guard) List(ctx context.Context) ([]Record, error) {
	v, err := g.do(func() (any, error) { return g.store.List(ctx) })
	records, _ := v.([]Record)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return nil, err
	}
	return records, err
}

func (g *Guard) Delete(ctx context.Context, id string) error {
	_, err := g.do(func() (any, error) { return nil, g.store.Delete(ctx, id) })
	return err
}

func (g *Guard) Close() error {
	return g.store.Close()
}
