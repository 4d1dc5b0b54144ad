package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stream_status (
	id            TEXT PRIMARY KEY,
	channel_id    TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	pid           INTEGER NOT NULL DEFAULT 0,
	output        TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ,
	last_check    TIMESTAMPTZ,
	last_error    TEXT NOT NULL DEFAULT '',
	restart_count INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const postgresColumns = `id, channel_id, state, pid, output, started_at, last_check, last_error, restart_count, updated_at`

// PostgresStore keeps records in the stream_status table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore takes ownership of pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the stream_status table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create stream_status: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM stream_status WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("select %s: %w", id, err)
	}
	return rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO stream_status (`+postgresColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	channel_id = EXCLUDED.channel_id,
	state = EXCLUDED.state,
	pid = EXCLUDED.pid,
	output = EXCLUDED.output,
	started_at = EXCLUDED.started_at,
	last_check = EXCLUDED.last_check,
	last_error = EXCLUDED.last_error,
	restart_count = EXCLUDED.restart_count,
	updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.ChannelID, string(rec.State), rec.PID, rec.Output,
		nullTime(rec.StartedAt), nullTime(rec.LastCheck), rec.LastError, rec.RestartCount,
		updatedAt(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+postgresColumns+` FROM stream_status ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list stream_status: %w", err)
	}
	defer rows.Close()
	out := []Record{}
	var bad []error
	for rows.Next() {
		rec, err := scanRecord(rows)
		if errors.Is(err, ErrCorrupt) {
			bad = append(bad, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan stream_status: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stream_status: %w", err)
	}
	return out, errors.Join(bad...)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM stream_status WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		state     string
		startedAt *time.Time
		lastCheck *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.ChannelID, &state, &rec.PID, &rec.Output,
		&startedAt, &lastCheck, &rec.LastError, &rec.RestartCount, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	if startedAt != nil {
		rec.StartedAt = startedAt.UTC()
	}
	if lastCheck != nil {
		rec.LastCheck = lastCheck.UTC()
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return decoded(rec.ID, rec)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
