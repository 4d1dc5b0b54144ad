package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"streamvisor/internal/observability/logging"
	"streamvisor/internal/observability/metrics"
)

type RouterConfig struct {
	Handler *Handler
	// Token guards /v1; empty disables authentication.
	Token   string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Security overrides individual response headers; zero fields keep the
	// defaults.
	Security SecurityHeaders
}

// NewRouter assembles the control API routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := cfg.Handler

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(cfg.Security))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logging.WithComponent(logger, "http"),
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cfg.Metrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/v1/streams", func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Post("/", h.CreateStream)
		r.Get("/", h.ListStreams)
		r.Get("/{id}", h.GetStream)
		r.Delete("/{id}", h.StopStream)
		r.Post("/{id}/stop", h.StopStream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Message: routeNotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteRequestError(w, RequestError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"})
	})
	return r
}
