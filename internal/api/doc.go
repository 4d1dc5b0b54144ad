// Package api exposes the supervisor control API over HTTP and provides the
// matching Go client.
//
// Handlers translate supervisor sentinel errors into status codes and the
// client translates them back, so code on either side of the wire can use
// errors.Is against supervisor.ErrConflict, supervisor.ErrNotFound and the
// rest. Routes under /v1 require the configured bearer token; /healthz and
// /metrics do not.
package api
