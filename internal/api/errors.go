package api

import (
	"errors"
	"net/http"
	"strings"

	"streamvisor/internal/supervisor"
)

// RequestError is an API failure carrying its HTTP status.
type RequestError struct {
	Status  int
	Message string
	// kind is the supervisor sentinel the status maps to, if any.
	kind error
}

func (e RequestError) Error() string { return e.Message }

func (e RequestError) Unwrap() error { return e.kind }

// ValidationError reports a malformed request.
func ValidationError(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, Message: message, kind: supervisor.ErrInvalidSpec}
}

// WriteRequestError writes err with its own status.
func WriteRequestError(w http.ResponseWriter, err RequestError) {
	writeError(w, err.Status, err)
}

// routeNotFound is the router's answer for paths it does not serve, kept
// apart from a missing stream.
const routeNotFound = "route not found"

var statusBySentinel = []struct {
	err    error
	status int
}{
	{supervisor.ErrConflict, http.StatusConflict},
	{supervisor.ErrNotFound, http.StatusNotFound},
	{supervisor.ErrInvalidSpec, http.StatusBadRequest},
	{supervisor.ErrSpawnFailed, http.StatusBadGateway},
	{supervisor.ErrStoreUnavailable, http.StatusServiceUnavailable},
	{supervisor.ErrShuttingDown, http.StatusServiceUnavailable},
	{supervisor.ErrCapacity, http.StatusTooManyRequests},
}

// statusFor maps a supervisor error onto an HTTP status.
func statusFor(err error) int {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// errorFromResponse rebuilds the sentinel for a failed response. 503 is
// shared by two sentinels, so the message decides between them.
func errorFromResponse(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	reqErr := RequestError{Status: status, Message: message}
	if status == http.StatusNotFound && message == routeNotFound {
		return reqErr
	}
	for _, m := range statusBySentinel {
		if m.status != status {
			continue
		}
		if m.err == supervisor.ErrShuttingDown || m.err == supervisor.ErrStoreUnavailable {
			reqErr.kind = supervisor.ErrStoreUnavailable
			if strings.Contains(message, supervisor.ErrShuttingDown.Error()) {
				reqErr.kind = supervisor.ErrShuttingDown
			}
			break
		}
		reqErr.kind = m.err
		break
	}
	return reqErr
}
