// Command transcoder runs the stream supervisor daemon: it owns the encoder
// worker processes, persists their status and serves the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"streamvisor/internal/api"
	"streamvisor/internal/config"
	"streamvisor/internal/observability/logging"
	"streamvisor/internal/observability/metrics"
	"streamvisor/internal/restarter"
	"streamvisor/internal/serverutil"
	"streamvisor/internal/status"
	"streamvisor/internal/supervisor"
	"streamvisor/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides "+config.PathEnvVar+")")
	flag.Parse()

	if *configPath != "" {
		os.Setenv(config.PathEnvVar, *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spawner := &worker.ExecSpawner{
		Logger:    logging.WithComponent(logger, "worker"),
		TailBytes: cfg.Worker.StderrTailBytes,
		WaitDelay: cfg.Worker.WaitDelay,
	}
	d, err := newDaemon(ctx, cfg, logger, spawner, nil)
	if err != nil {
		logger.Error("initialise daemon", "error", err)
		os.Exit(1)
	}
	if err := d.run(ctx); err != nil {
		logger.Error("daemon stopped with errors", "error", err)
		os.Exit(1)
	}
}

type daemon struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	store     *status.Guard
	manager   *supervisor.Manager
	monitor   *supervisor.Monitor
	http      *serverutil.Service
	restarter *restarter.Loop
}

// newDaemon wires every component but starts nothing. ready, when set,
// receives the HTTP listener address.
func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger, spawner worker.Spawner, ready chan<- net.Addr) (*daemon, error) {
	rec := metrics.New()
	store, err := status.Open(ctx, cfg.Store, logging.WithComponent(logger, "store"),
		status.OnBreakerChange(rec.BreakerChanged))
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	manager := supervisor.NewManager(cfg.ManagerConfig(), spawner, store,
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(rec),
	)
	monitor := supervisor.NewMonitor(manager, cfg.Monitor.Interval,
		supervisor.WithMonitorLogger(logging.WithComponent(logger, "monitor")))

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(manager, logging.WithComponent(logger, "api")),
		Token:   cfg.HTTP.Token,
		Logger:  logger,
		Metrics: rec,
	})
	httpService := &serverutil.Service{
		Name: "control-api",
		Config: serverutil.Config{
			Server: &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
			},
			TLS:             serverutil.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			Ready:           ready,
			Logger:          logging.WithComponent(logger, "http"),
		},
	}

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: rec,
		store:   store,
		manager: manager,
		monitor: monitor,
		http:    httpService,
	}
	if cfg.Restart.JobsFile != "" {
		d.restarter = restarter.New(manager, restarter.FileSource{Path: cfg.Restart.JobsFile}, restarter.Config{
			Interval:       cfg.Restart.Interval,
			ErrorDelay:     cfg.Restart.ErrorDelay,
			InitialBackoff: cfg.Restart.InitialBackoff,
			MaxBackoff:     cfg.Restart.MaxBackoff,
			MaxRestarts:    cfg.Restart.MaxRestarts,
		},
			restarter.WithLogger(logging.WithComponent(logger, "restarter")),
			restarter.WithMetrics(rec),
		)
	}
	return d, nil
}

// run serves until ctx is cancelled or the tree gives up, then stops every
// worker within the shutdown budget and closes the store.
func (d *daemon) run(ctx context.Context) error {
	hook := (&sutureslog.Handler{Logger: logging.WithComponent(d.logger, "services")}).MustHook()
	tree := suture.New("streamvisor", suture.Spec{
		EventHook: hook,
		Timeout:   d.cfg.HTTP.ShutdownTimeout + time.Second,
	})
	tree.Add(d.monitor)
	tree.Add(d.http)
	if d.restarter != nil {
		tree.Add(d.restarter)
	}

	treeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := tree.ServeBackground(treeCtx)

	d.logger.Info("streamvisor started",
		"addr", d.cfg.HTTP.Addr,
		"store", d.cfg.Store.Driver,
		"auto_restart", d.restarter != nil,
	)

	var errs []error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("service tree: %w", err))
		}
		errCh = nil
	}

	d.logger.Info("shutting down", "active_streams", d.manager.Active())
	if err := d.manager.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	cancel()
	if errCh != nil {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("service tree: %w", err))
		}
	}
	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		d.logger.Warn("services did not stop in time", "count", len(unstopped))
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close status store: %w", err))
	}
	d.logger.Info("streamvisor stopped")
	return errors.Join(errs...)
}
