package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamvisor/internal/observability/logging"
	"streamvisor/internal/supervisor"
)

// Supervisor is the control surface the handlers front; *supervisor.Manager
// implements it.
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.JobSpec, opts supervisor.StartOptions) (supervisor.StartResult, error)
	Stop(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (supervisor.Job, error)
	List(ctx context.Context) ([]supervisor.Job, error)
	Active() int
	ShuttingDown() bool
}

type Handler struct {
	Supervisor Supervisor
	Logger     *slog.Logger
}

func NewHandler(sup Supervisor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Supervisor: sup, Logger: logging.WithComponent(logger, "api")}
}

type healthResponse struct {
	Status        string `json:"status"`
	ActiveStreams int    `json:"active_streams"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ActiveStreams: h.Supervisor.Active()}
	code := http.StatusOK
	if h.Supervisor.ShuttingDown() {
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var spec supervisor.JobSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		WriteRequestError(w, ValidationError("invalid job spec: "+err.Error()))
		return
	}
	restart, err := boolQuery(r, "restart")
	if err != nil {
		WriteRequestError(w, ValidationError(err.Error()))
		return
	}
	result, err := h.Supervisor.Start(r.Context(), spec, supervisor.StartOptions{Restart: restart})
	if err != nil {
		h.fail(w, r, "start stream", err)
		return
	}
	w.Header().Set("Location", "/v1/streams/"+result.ID)
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Supervisor.List(r.Context())
	if err != nil {
		h.fail(w, r, "list streams", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	job, err := h.Supervisor.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "stream status", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StopStream answers with the stream's view once its worker is confirmed dead.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Supervisor.Stop(r.Context(), id); err != nil {
		h.fail(w, r, "stop stream", err)
		return
	}
	job, err := h.Supervisor.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, "stream status", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	logger := logging.WithContext(r.Context(), h.Logger)
	if code >= http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err, "status", code)
	} else {
		logger.Debug(op+" rejected", "error", err, "status", code)
	}
	writeError(w, code, err)
}

func boolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, RequestError{Status: http.StatusBadRequest, Message: key + " must be a boolean"}
	}
	return v, nil
}
