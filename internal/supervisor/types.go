package supervisor

import (
	"time"

	"streamvisor/internal/command"
	"streamvisor/internal/status"
)

// JobSpec is what a caller supplies to start a stream.
type JobSpec struct {
	// ID is optional; when empty one is derived from the channel and clock.
	ID          string `json:"id,omitempty" koanf:"id"`
	ChannelID   string `json:"channel_id" koanf:"channel_id"`
	InputSource string `json:"input_source" koanf:"input_source"`
	// OutputTarget is optional; when empty an HLS playlist under the output
	// root is derived.
	OutputTarget string          `json:"output_target,omitempty" koanf:"output_target"`
	ProfileName  string          `json:"profile_name,omitempty" koanf:"profile_name"`
	Profile      command.Profile `json:"profile" koanf:"profile"`
	PreInput     []string        `json:"pre_input,omitempty" koanf:"pre_input"`
	PostOutput   []string        `json:"post_output,omitempty" koanf:"post_output"`
}

// StartOptions qualifies a start request.
type StartOptions struct {
	// Restart marks a start issued by the auto-restart path; only such starts
	// increment the job's restart count.
	Restart bool
}

type StartResult struct {
	ID             string `json:"id"`
	OutputLocation string `json:"output_location"`
}

// Job is the merged registry and status store view of one stream.
type Job struct {
	ID            string       `json:"id"`
	ChannelID     string       `json:"channel_id,omitempty"`
	State         status.State `json:"state"`
	Live          bool         `json:"live"`
	PID           int          `json:"pid,omitempty"`
	Output        string       `json:"output,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	UptimeSeconds float64      `json:"uptime_seconds,omitempty"`
	LastCheck     *time.Time   `json:"last_check,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	RestartCount  int          `json:"restart_count"`
}

// Config holds the manager's tunables.
type Config struct {
	Binary        string
	OutputRoot    string
	PublicBaseURL string
	// GracePeriod bounds the wait between TERM and KILL on stop.
	GracePeriod time.Duration
	// KillTimeout bounds the wait for the OS to confirm death after KILL.
	KillTimeout time.Duration
	// ShutdownBudget bounds the whole of Shutdown.
	ShutdownBudget time.Duration
	// MaxStreams caps live workers; zero means no cap.
	MaxStreams int
	// Env is appended to the worker environment.
	Env []string
}

const (
	defaultGracePeriod    = 10 * time.Second
	defaultKillTimeout    = 5 * time.Second
	defaultShutdownBudget = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = defaultKillTimeout
	}
	if c.ShutdownBudget <= 0 {
		c.ShutdownBudget = defaultShutdownBudget
	}
	return c
}

func viewFromRecord(rec status.Record) Job {
	job := Job{
		ID:           rec.ID,
		ChannelID:    rec.ChannelID,
		State:        rec.State,
		PID:          rec.PID,
		Output:       rec.Output,
		LastError:    rec.LastError,
		RestartCount: rec.RestartCount,
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		job.StartedAt = &t
	}
	if !rec.LastCheck.IsZero() {
		t := rec.LastCheck
		job.LastCheck = &t
	}
	return job
}
