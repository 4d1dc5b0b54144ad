// Package metrics exposes supervisor instrumentation as Prometheus collectors.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamvisor"

// Stream lifecycle events.
const (
	EventStarted     = "started"
	EventRestarted   = "restarted"
	EventSpawnFailed = "spawn_failed"
	EventStopped     = "stopped"
	EventKilled      = "killed"
	EventExited      = "exited"
	EventFailed      = "failed"
)

// Recorder owns a private registry so tests and multiple daemons in one
// process never collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	streamEvents    *prometheus.CounterVec
	activeWorkers   prometheus.Gauge
	reconciliations *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	restartAttempts *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events by kind.",
		}, []string{"event"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently held in the process registry.",
		}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Status corrections made by the health monitor, by outcome.",
		}, []string{"outcome"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_store_errors_total",
			Help:      "Failed status store operations.",
		}, []string{"op"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_store_breaker_state",
			Help:      "1 for the current circuit breaker state of the status store.",
		}, []string{"state"}),
		restartAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restart_attempts_total",
			Help:      "Auto-restart decisions by outcome.",
		}, []string{"outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) StreamEvent(event string) {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues(event).Inc()
}

func (r *Recorder) SetActiveWorkers(n int) {
	if r == nil {
		return
	}
	r.activeWorkers.Set(float64(n))
}

func (r *Recorder) Reconciled(outcome string) {
	if r == nil {
		return
	}
	r.reconciliations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) StoreError(op string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(op).Inc()
}

// BreakerChanged tracks the status store breaker; use with status.OnBreakerChange.
func (r *Recorder) BreakerChanged(from, to string) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(from).Set(0)
	r.breakerState.WithLabelValues(to).Set(1)
}

func (r *Recorder) RestartAttempt(outcome string) {
	if r == nil {
		return
	}
	r.restartAttempts.WithLabelValues(outcome).Inc()
}
