// Package restarter converts "stream is down" into "stream is restarted" for
// jobs that are expected to be running. It polls the supervisor's control API
// and never touches workers or the status store directly.
package restarter

import (
	"context"

	"streamvisor/internal/supervisor"
)

// Controller is the slice of the supervisor control API the loop drives. Both
// *supervisor.Manager and the HTTP api.Client satisfy it.
type Controller interface {
	Start(ctx context.Context, spec supervisor.JobSpec, opts supervisor.StartOptions) (supervisor.StartResult, error)
	Status(ctx context.Context, id string) (supervisor.Job, error)
}

// ExpectedJob is a stream that should be running.
type ExpectedJob struct {
	Spec supervisor.JobSpec
	// Name labels restart events; the stream ID is used when empty.
	Name string
	// MaxRestarts caps automatic restarts since the job was last healthy.
	// Zero falls back to the loop default; negative means unlimited.
	MaxRestarts int
}

func (j ExpectedJob) label() string {
	if j.Name != "" {
		return j.Name
	}
	return j.Spec.ID
}

// Source enumerates the jobs that should be running.
type Source interface {
	Expected(ctx context.Context) ([]ExpectedJob, error)
}
