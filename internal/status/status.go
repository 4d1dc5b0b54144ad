// Package status persists the last observed state of every stream so it
// survives supervisor restarts.
package status

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound    = errors.New("status: record not found")
	ErrUnavailable = errors.New("status: store unavailable")
	ErrInvalid     = errors.New("status: invalid record")
	// ErrCorrupt marks an entry that exists but does not decode into a valid
	// Record. List skips such entries and reports them with this error next
	// to the records it could read.
	ErrCorrupt = errors.New("status: corrupt record")
)

func corrupt(id string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
}

// decoded rejects records whose state a backend cannot have written.
func decoded(id string, rec Record) (Record, error) {
	if !rec.State.Valid() {
		return Record{}, corrupt(id, fmt.Errorf("unknown state %q", rec.State))
	}
	return rec, nil
}

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

func (s State) Valid() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateStopped, StateFailed:
		return true
	}
	return false
}

// Live reports whether a worker is expected to exist in this state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

var transitions = map[State][]State{
	"":            {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateStopped, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// CanTransition reports whether from → to is an edge of the job state machine.
// The empty state stands for a job with no record yet.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the persisted view of one stream.
type Record struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Output       string    `json:"output,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	RestartCount int       `json:"restart_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidID reports whether id is usable as a key in every backend.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate rejects records that no backend should persist.
func (r Record) Validate() error {
	if !ValidID(r.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalid, r.ID)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: state %q", ErrInvalid, r.State)
	}
	if r.State == StateRunning && r.StartedAt.IsZero() {
		return fmt.Errorf("%w: running without started_at", ErrInvalid)
	}
	if r.RestartCount < 0 {
		return fmt.Errorf("%w: negative restart_count", ErrInvalid)
	}
	return nil
}

// Store is a durable map of stream ID to Record. List returns records ordered
// by ID; entries that fail to decode are left out and reported through an
// error wrapping ErrCorrupt, returned together with the good records. Delete
// of a missing ID is not an error.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
