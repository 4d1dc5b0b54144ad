package restarter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamvisor/internal/command"
	"streamvisor/internal/storage"
)

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	content := `jobs:
  - id: lobby
    name: Lobby cam
    channel_id: "7"
    input_source: rtmp://ingest/live/lobby
    profile_name: high
    profile:
      resolution: 480p
    post_output: ["-g", "60"]
    max_restarts: 5
  - id: "12"
    channel_id: "12"
    input_source: udp://239.0.0.1:1234
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}

	jobs, err := FileSource{Path: path}.Expected(context.Background())
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	lobby := jobs[0]
	if lobby.Spec.ID != "lobby" || lobby.Name != "Lobby cam" || lobby.MaxRestarts != 5 {
		t.Fatalf("unexpected job %+v", lobby)
	}
	if lobby.Spec.ProfileName != "high" || lobby.Spec.Profile.Resolution != "480p" {
		t.Fatalf("profile not decoded: %+v", lobby.Spec)
	}
	if strings.Join(lobby.Spec.PostOutput, " ") != "-g 60" {
		t.Fatalf("post_output not decoded: %v", lobby.Spec.PostOutput)
	}
	if jobs[1].Spec.InputSource != "udp://239.0.0.1:1234" {
		t.Fatalf("unexpected second job %+v", jobs[1])
	}
}

func TestFileSourceErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (FileSource{Path: filepath.Join(dir, "missing.yaml")}).Expected(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("jobs:\n  - id: ../x\n    channel_id: c\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (FileSource{Path: bad}).Expected(context.Background()); err == nil {
		t.Fatal("expected error for invalid id")
	}
}

func TestStaticSourceReturnsCopy(t *testing.T) {
	src := expected("a")
	jobs, _ := src.Expected(context.Background())
	jobs[0].Spec.ID = "mutated"
	if src[0].Spec.ID != "a" {
		t.Fatal("caller mutation leaked into the source")
	}
}

func TestChannelJobDefaults(t *testing.T) {
	job := channelJob("9", "News", "rtmp://origin/news", "", 0)
	if job.Spec.ID != "9" || job.Spec.ChannelID != "9" || job.Name != "News" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Spec.OutputTarget != "" {
		t.Fatal("channel jobs should use the derived output")
	}
	profile, err := command.Resolve(job.Spec.ProfileName, job.Spec.Profile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if profile.Resolution != DefaultChannelResolution || profile.VideoBitrate != DefaultChannelBitrate || profile.VideoCodec == "" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if got := channelJob("9", "", "rtmp://x", "1080p", 0).Spec.Profile.Resolution; got != "1080p" {
		t.Fatalf("quality not honoured: %s", got)
	}
}

func TestPostgresSourceAndSink(t *testing.T) {
	dsn := os.Getenv("STREAMVISOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMVISOR_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	// One connection so the temporary tables stay visible.
	pool, err := storage.OpenPostgres(ctx, storage.PostgresConfig{DSN: dsn, MaxConnections: 1})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer pool.Close()

	setup := []string{
		`CREATE TEMP TABLE channels (id serial PRIMARY KEY, name text, stream_url text, quality text, status int, auto_restart int)`,
		`CREATE TEMP TABLE logs (type text, message text, created_at timestamptz)`,
		`INSERT INTO channels (name, stream_url, quality, status, auto_restart) VALUES
			('News', 'rtmp://origin/news', NULL, 1, 1),
			('Sports', 'rtmp://origin/sports', '1080p', 1, 1),
			('Offline', 'rtmp://origin/off', NULL, 0, 1),
			('Manual', 'rtmp://origin/manual', NULL, 1, 0)`,
	}
	for _, stmt := range setup {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	jobs, err := PostgresSource{Pool: pool}.Expected(ctx)
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Name != "News" || jobs[1].Spec.Profile.Resolution != "1080p" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	if err := (PostgresSink{Pool: pool}).Record(ctx, Event{Type: EventRestart, Message: "Auto-restarted stream News"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM logs WHERE type = 'stream_restart'`).Scan(&count); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one log row, got %d", count)
	}
}
