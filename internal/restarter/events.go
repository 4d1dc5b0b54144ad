package restarter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	EventRestart   = "stream_restart"
	EventExhausted = "stream_restart_exhausted"
)

// Event records one remediation decision.
type Event struct {
	Type     string
	StreamID string
	Name     string
	// Attempt counts automatic restarts since the job was last healthy.
	Attempt int
	Message string
	Time    time.Time
}

type EventSink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(_ context.Context, event Event) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info(event.Message,
		"event", event.Type,
		"stream_id", event.StreamID,
		"attempt", event.Attempt,
	)
	return nil
}

const DefaultEventStream = "streamvisor:events"

// RedisSink appends events to a Redis stream, trimmed to roughly MaxLen
// entries.
type RedisSink struct {
	Client redis.UniversalClient
	Stream string
	MaxLen int64
}

func (s RedisSink) Record(ctx context.Context, event Event) error {
	stream := s.Stream
	if stream == "" {
		stream = DefaultEventStream
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"type":      event.Type,
			"stream_id": event.StreamID,
			"name":      event.Name,
			"attempt":   strconv.Itoa(event.Attempt),
			"message":   event.Message,
			"time":      event.Time.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.MaxLen > 0 {
		args.MaxLen = s.MaxLen
		args.Approx = true
	}
	if err := s.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// PostgresSink inserts events into the catalog's logs table.
type PostgresSink struct {
	Pool *pgxpool.Pool
}

func (s PostgresSink) Record(ctx context.Context, event Event) error {
	_, err := s.Pool.Exec(ctx,
		"INSERT INTO logs (type, message, created_at) VALUES ($1, $2, $3)",
		event.Type, event.Message, event.Time.UTC())
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// MultiSink fans an event out to every sink; one failing sink does not stop
// the others.
type MultiSink []EventSink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
