package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each record in a hash at <prefix><id> and the set of known
// IDs in <prefix>_index. Valid IDs never start with '_' so the two cannot clash.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. The store takes ownership and closes it.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "stream:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) indexKey() string { return r.prefix + "_index" }

func (r *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("hgetall %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromHash(id, fields)
}

func (r *RedisStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(rec.ID), recordToHash(rec))
		pipe.SAdd(ctx, r.indexKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Record, 0, len(ids))
	var bad []error
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Index entry without a hash: deleted between the two reads.
			continue
		}
		rec, err := recordFromHash(ids[i], fields)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, errors.Join(bad...)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func recordToHash(rec Record) map[string]any {
	return map[string]any{
		"channel_id":    rec.ChannelID,
		"state":         string(rec.State),
		"pid":           rec.PID,
		"output":        rec.Output,
		"started_at":    formatTime(rec.StartedAt),
		"last_check":    formatTime(rec.LastCheck),
		"last_error":    rec.LastError,
		"restart_count": rec.RestartCount,
		"updated_at":    formatTime(rec.UpdatedAt),
	}
}

func recordFromHash(id string, fields map[string]string) (Record, error) {
	rec := Record{
		ID:        id,
		ChannelID: fields["channel_id"],
		State:     State(fields["state"]),
		Output:    fields["output"],
		LastError: fields["last_error"],
	}
	var err error
	if rec.PID, err = parseInt(fields["pid"]); err != nil {
		return Record{}, corrupt(id, fmt.Errorf("pid: %w", err))
	}
	if rec.RestartCount, err = parseInt(fields["restart_count"]); err != nil {
		return Record{}, corrupt(id, fmt.Errorf("restart_count: %w", err))
	}
	for name, dst := range map[string]*time.Time{
		"started_at": &rec.StartedAt,
		"last_check": &rec.LastCheck,
		"updated_at": &rec.UpdatedAt,
	} {
		if *dst, err = parseTime(fields[name]); err != nil {
			return Record{}, corrupt(id, fmt.Errorf("%s: %w", name, err))
		}
	}
	return decoded(id, rec)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
