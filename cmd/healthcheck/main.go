// Command healthcheck is the out-of-process auto-restart job. It compares the
// streams that should be running against the supervisor's view and restarts
// the ones that are down, through the supervisor's control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"streamvisor/internal/api"
	"streamvisor/internal/observability/logging"
	"streamvisor/internal/restarter"
	"streamvisor/internal/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := newJob(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialise healthcheck", "error", err)
		os.Exit(1)
	}
	defer j.close()

	if err := j.run(ctx); err != nil {
		logger.Error("healthcheck stopped with errors", "error", err)
		os.Exit(1)
	}
}

type job struct {
	cfg     jobConfig
	logger  *slog.Logger
	loop    *restarter.Loop
	closers []func()
}

func newJob(ctx context.Context, cfg jobConfig, logger *slog.Logger) (*job, error) {
	logger = logger.With("instance", uuid.NewString())
	j := &job{cfg: cfg, logger: logger}

	client, err := api.NewClient(cfg.SupervisorURL,
		api.WithToken(cfg.Token),
		api.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
	if err != nil {
		return nil, err
	}

	sinks := restarter.MultiSink{restarter.LogSink{Logger: logging.WithComponent(logger, "events")}}
	var source restarter.Source
	if cfg.JobsFile != "" {
		source = restarter.FileSource{Path: cfg.JobsFile}
	}
	if cfg.PostgresDSN != "" {
		pool, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConnections:  4,
			ApplicationName: "streamvisor-healthcheck",
		})
		if err != nil {
			j.close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		j.closers = append(j.closers, pool.Close)
		if source == nil {
			source = restarter.PostgresSource{
				Pool:        pool,
				Logger:      logging.WithComponent(logger, "source"),
				MaxRestarts: cfg.MaxRestarts,
			}
		}
		sinks = append(sinks, restarter.PostgresSink{Pool: pool})
	}
	if cfg.EventsRedisAddr != "" {
		rdb, err := storage.NewRedisClient(ctx, storage.RedisConfig{
			Addr:     cfg.EventsRedisAddr,
			Password: cfg.EventsRedisPassword,
		})
		if err != nil {
			j.close()
			return nil, fmt.Errorf("connect events redis: %w", err)
		}
		j.closers = append(j.closers, func() { _ = rdb.Close() })
		sinks = append(sinks, restarter.RedisSink{Client: rdb, Stream: cfg.EventsStream, MaxLen: cfg.EventsMaxLen})
	}

	j.loop = restarter.New(client, source, restarter.Config{
		Interval:       cfg.Interval,
		ErrorDelay:     cfg.ErrorDelay,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxRestarts:    cfg.MaxRestarts,
	},
		restarter.WithLogger(logging.WithComponent(logger, "restarter")),
		restarter.WithEventSink(sinks),
	)
	return j, nil
}

// run performs one pass when configured with Once, otherwise keeps the loop
// under a supervisor until ctx ends.
func (j *job) run(ctx context.Context) error {
	if j.cfg.Once {
		return j.loop.Tick(ctx)
	}
	tree := suture.New("streamvisor-healthcheck", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logging.WithComponent(j.logger, "services")}).MustHook(),
	})
	tree.Add(j.loop)
	j.logger.Info("healthcheck started", "supervisor", j.cfg.SupervisorURL, "interval", j.cfg.Interval)
	err := tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	j.logger.Info("healthcheck stopped")
	return nil
}

func (j *job) close() {
	for i := len(j.closers) - 1; i >= 0; i-- {
		j.closers[i]()
	}
	j.closers = nil
}
