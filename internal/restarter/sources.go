package restarter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"streamvisor/internal/command"
	"streamvisor/internal/status"
	"streamvisor/internal/supervisor"
)

// StaticSource is a fixed job list.
type StaticSource []ExpectedJob

func (s StaticSource) Expected(context.Context) ([]ExpectedJob, error) {
	out := make([]ExpectedJob, len(s))
	copy(out, s)
	return out, nil
}

// FileSource reads a YAML job list on every call, so edits apply on the next
// tick without a restart:
//
//	jobs:
//	  - id: lobby
//	    channel_id: "7"
//	    input_source: rtmp://ingest/live/lobby
//	    profile_name: high
//	    max_restarts: 5
type FileSource struct {
	Path string
}

type fileJob struct {
	supervisor.JobSpec `koanf:",squash"`
	Name               string `koanf:"name"`
	MaxRestarts        int    `koanf:"max_restarts"`
}

func (f FileSource) Expected(context.Context) ([]ExpectedJob, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(f.Path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load jobs file %s: %w", f.Path, err)
	}
	var entries []fileJob
	if err := k.UnmarshalWithConf("jobs", &entries, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode jobs file %s: %w", f.Path, err)
	}
	jobs := make([]ExpectedJob, 0, len(entries))
	for i, entry := range entries {
		if !status.ValidID(entry.ID) {
			return nil, fmt.Errorf("jobs file %s: entry %d: invalid id %q", f.Path, i, entry.ID)
		}
		jobs = append(jobs, ExpectedJob{Spec: entry.JobSpec, Name: entry.Name, MaxRestarts: entry.MaxRestarts})
	}
	return jobs, nil
}

// Channel defaults applied to auto-restarted database channels.
const (
	DefaultChannelResolution = "720p"
	DefaultChannelBitrate    = "2000k"
)

// PostgresSource lists enabled auto-restart channels from the catalog
// database. The stream ID is the channel ID, and output is derived by the
// supervisor.
type PostgresSource struct {
	Pool        *pgxpool.Pool
	Logger      *slog.Logger
	MaxRestarts int
}

const expectedChannelsQuery = `SELECT id::text, COALESCE(name, ''), COALESCE(stream_url, ''), COALESCE(quality, '')
FROM channels
WHERE status = 1 AND auto_restart = 1
ORDER BY id`

func (p PostgresSource) Expected(ctx context.Context) ([]ExpectedJob, error) {
	rows, err := p.Pool.Query(ctx, expectedChannelsQuery)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var jobs []ExpectedJob
	for rows.Next() {
		var id, name, streamURL, quality string
		if err := rows.Scan(&id, &name, &streamURL, &quality); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if !status.ValidID(id) || streamURL == "" {
			if p.Logger != nil {
				p.Logger.Warn("skipping channel without usable id or stream url", "channel_id", id)
			}
			continue
		}
		jobs = append(jobs, channelJob(id, name, streamURL, quality, p.MaxRestarts))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return jobs, nil
}

func channelJob(id, name, streamURL, quality string, maxRestarts int) ExpectedJob {
	if quality == "" {
		quality = DefaultChannelResolution
	}
	return ExpectedJob{
		Spec: supervisor.JobSpec{
			ID:          id,
			ChannelID:   id,
			InputSource: streamURL,
			ProfileName: command.DefaultProfileName,
			Profile: command.Profile{
				Resolution:   quality,
				VideoBitrate: DefaultChannelBitrate,
			},
		},
		Name:        name,
		MaxRestarts: maxRestarts,
	}
}
