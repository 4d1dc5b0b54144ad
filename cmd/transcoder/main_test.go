package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"streamvisor/internal/api"
	"streamvisor/internal/config"
	"streamvisor/internal/observability/logging"
	"streamvisor/internal/status"
	"streamvisor/internal/supervisor"
	"streamvisor/internal/testsupport/fakeworker"
	"streamvisor/internal/worker"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = time.Second
	cfg.Worker.OutputRoot = filepath.Join(dir, "streams")
	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(dir, "status")
	cfg.Monitor.Interval = 50 * time.Millisecond
	cfg.Supervisor.GracePeriod = 200 * time.Millisecond
	cfg.Supervisor.KillTimeout = 200 * time.Millisecond
	cfg.Supervisor.ShutdownBudget = 2 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

type running struct {
	client *api.Client
	cancel context.CancelFunc
	done   <-chan error
}

func startDaemon(t *testing.T, cfg config.Config, spawner worker.Spawner) running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan net.Addr, 1)
	d, err := newDaemon(ctx, cfg, logging.Discard(), spawner, ready)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start listening")
	}
	client, err := api.NewClient("http://" + addr.String())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return running{client: client, cancel: cancel, done: done}
}

func (r running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("daemon returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDaemonServesStreamsAndStopsThemOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	spawner := fakeworker.NewSpawner()
	d := startDaemon(t, cfg, spawner)

	ctx := context.Background()
	res, err := d.client.Start(ctx, supervisor.JobSpec{
		ID:          "lobby",
		ChannelID:   "7",
		InputSource: "rtmp://ingest/live/lobby",
	}, supervisor.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.ID != "lobby" {
		t.Fatalf("unexpected id %q", res.ID)
	}
	job, err := d.client.Status(ctx, "lobby")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.State != status.StateRunning || !job.Live {
		t.Fatalf("expected live running job, got %+v", job)
	}

	d.stop(t)

	if h := spawner.Last("lobby"); h == nil || h.Terminations() == 0 {
		t.Fatal("expected the worker to be terminated on shutdown")
	}
	store, err := status.NewFileStore(cfg.Store.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	rec, err := store.Get(ctx, "lobby")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != status.StateStopped || rec.PID != 0 {
		t.Fatalf("expected stopped record after shutdown, got %+v", rec)
	}
}

func TestDaemonReconcilesRecordsLeftByPreviousRun(t *testing.T) {
	cfg := testConfig(t)
	store, err := status.NewFileStore(cfg.Store.Path)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	now := time.Now().UTC()
	if err := store.Put(context.Background(), status.Record{
		ID:        "stale",
		ChannelID: "3",
		State:     status.StateRunning,
		PID:       4242,
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := startDaemon(t, cfg, fakeworker.NewSpawner())
	var job supervisor.Job
	waitFor(t, 2*time.Second, func() bool {
		job, err = d.client.Status(context.Background(), "stale")
		return err == nil && job.State == status.StateFailed
	})
	if job.LastError == "" || job.PID != 0 {
		t.Fatalf("expected orphan to be marked failed, got %+v", job)
	}
	d.stop(t)
}

func TestDaemonAutoRestartsJobsFromFile(t *testing.T) {
	cfg := testConfig(t)
	jobsFile := filepath.Join(t.TempDir(), "jobs.yaml")
	content := `jobs:
  - id: lobby
    channel_id: "7"
    input_source: rtmp://ingest/live/lobby
`
	if err := os.WriteFile(jobsFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}
	cfg.Restart.JobsFile = jobsFile
	cfg.Restart.Interval = 50 * time.Millisecond
	cfg.Restart.InitialBackoff = 50 * time.Millisecond

	spawner := fakeworker.NewSpawner()
	d := startDaemon(t, cfg, spawner)
	waitFor(t, 2*time.Second, func() bool { return spawner.Last("lobby") != nil })

	job, err := d.client.Status(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.RestartCount != 1 {
		t.Fatalf("expected restart_count 1, got %d", job.RestartCount)
	}
	d.stop(t)
}

func TestDaemonRejectsUnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "etcd"
	_, err := newDaemon(context.Background(), cfg, logging.Discard(), fakeworker.NewSpawner(), nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDaemonRunsFFmpegWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires ffmpeg")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}

	cfg := testConfig(t)
	cfg.Supervisor.GracePeriod = 3 * time.Second
	cfg.Supervisor.ShutdownBudget = 10 * time.Second
	d := startDaemon(t, cfg, &worker.ExecSpawner{Logger: logging.Discard()})

	ctx := context.Background()
	res, err := d.client.Start(ctx, supervisor.JobSpec{
		ID:          "testsrc",
		ChannelID:   "1",
		PreInput:    []string{"-re", "-f", "lavfi"},
		InputSource: "testsrc=size=160x120:rate=10",
		ProfileName: "low",
	}, supervisor.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 20*time.Second, func() bool {
		_, err := os.Stat(res.OutputLocation)
		return err == nil
	})
	if err := d.client.Stop(ctx, "testsrc"); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
		t.Fatalf("stop: %v", err)
	}
	job, err := d.client.Status(ctx, "testsrc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Live {
		t.Fatalf("expected worker to be gone, got %+v", job)
	}
	d.stop(t)
}
