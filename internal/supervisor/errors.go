package supervisor

import "errors"

var (
	// ErrConflict: the stream already has a live worker. Poll Status instead.
	ErrConflict = errors.New("stream already has a live worker")
	// ErrNotFound: no live worker (Stop) or no record at all (Status).
	ErrNotFound = errors.New("stream not found")
	// ErrSpawnFailed: the OS refused to launch the worker. The job is left absent.
	ErrSpawnFailed = errors.New("worker spawn failed")
	// ErrStoreUnavailable: the status store could not be reached and the
	// operation needs durability.
	ErrStoreUnavailable = errors.New("status store unavailable")
	ErrShuttingDown     = errors.New("supervisor is shutting down")
	ErrInvalidSpec      = errors.New("invalid job spec")
	ErrCapacity         = errors.New("stream capacity reached")
)
