package supervisor

import (
	"context"
	"log/slog"
	"time"

	"streamvisor/internal/observability/logging"
)

// Ticker is the subset of time.Ticker loops depend on, so tests can drive
// ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }

func (t timeTicker) Stop() { t.ticker.Stop() }

// NewTimeTicker is the TickerFactory backed by time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

const DefaultMonitorInterval = 30 * time.Second

// Monitor periodically reconciles the manager's registry against process
// liveness and refreshes last_check for live workers. It only records
// deaths; restarting is left to the restarter.
type Monitor struct {
	manager   *Manager
	interval  time.Duration
	newTicker TickerFactory
	logger    *slog.Logger
}

type MonitorOption func(*Monitor)

func WithTicker(factory TickerFactory) MonitorOption {
	return func(m *Monitor) {
		if factory != nil {
			m.newTicker = factory
		}
	}
}

func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewMonitor(manager *Manager, interval time.Duration, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	mon := &Monitor{
		manager:   manager,
		interval:  interval,
		newTicker: NewTimeTicker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(mon)
	}
	mon.logger = logging.WithComponent(mon.logger, "monitor")
	return mon
}

// Tick runs one reconciliation pass. Failures are logged, never returned, so
// one bad stream or a store outage never stops the loop.
func (m *Monitor) Tick(ctx context.Context) {
	if err := m.manager.Reconcile(ctx); err != nil {
		m.logger.Warn("reconcile", "error", err)
	}
	m.manager.Heartbeat(ctx)
}

// Serve ticks once immediately, so records orphaned by a restart are settled
// at startup, then on every interval until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := m.newTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.interval)
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return ctx.Err()
		case <-ticker.C():
			m.Tick(ctx)
		}
	}
}

func (m *Monitor) String() string { return "health-monitor" }
