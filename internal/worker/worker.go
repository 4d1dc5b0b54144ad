// Package worker launches and signals external transcoder processes.
package worker

import (
	"context"
	"fmt"
	"time"
)

// Exit describes how a worker process ended.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Clean reports a zero exit status with no signal or wait error.
func (e Exit) Clean() bool {
	return e.Code == 0 && e.Signal == "" && e.Err == nil
}

func (e Exit) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("killed by signal %s", e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("wait failed: %v", e.Err)
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

// Handle is the only reference able to signal a running worker.
type Handle interface {
	PID() int
	StartedAt() time.Time
	// Poll reports the exit without blocking; the bool is false while the
	// process is still running.
	Poll() (Exit, bool)
	Done() <-chan struct{}
	// Terminate asks the whole process group to stop.
	Terminate() error
	// Kill forcibly ends the whole process group.
	Kill() error
	// Diagnostics returns the bounded tail of the worker's stderr.
	Diagnostics() string
}

// Spec is a fully built invocation.
type Spec struct {
	ID     string
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}
