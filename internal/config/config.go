// Package config loads the supervisor daemon's configuration: built-in
// defaults, then an optional YAML file, then STREAMVISOR_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"streamvisor/internal/status"
	"streamvisor/internal/supervisor"
)

const (
	// PathEnvVar overrides the config file location.
	PathEnvVar = "STREAMVISOR_CONFIG"
	// EnvPrefix marks variables that override file values. Sections are
	// separated by a double underscore: STREAMVISOR_STORE__REDIS__ADDR.
	EnvPrefix = "STREAMVISOR_"
)

// DefaultPaths are searched when PathEnvVar is unset; the first that exists
// wins.
var DefaultPaths = []string{
	"streamvisor.yaml",
	"streamvisor.yml",
	"/etc/streamvisor/streamvisor.yaml",
}

type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	Worker     WorkerConfig     `koanf:"worker"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Store      status.Config    `koanf:"store"`
	Restart    RestartConfig    `koanf:"restart"`
	Log        LogConfig        `koanf:"log"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	Token           string        `koanf:"token"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	TLSCertFile     string        `koanf:"tls_cert_file"`
	TLSKeyFile      string        `koanf:"tls_key_file"`
}

type WorkerConfig struct {
	Binary          string        `koanf:"binary"`
	OutputRoot      string        `koanf:"output_root"`
	PublicBaseURL   string        `koanf:"public_base_url"`
	StderrTailBytes int           `koanf:"stderr_tail_bytes"`
	WaitDelay       time.Duration `koanf:"wait_delay"`
	MaxStreams      int           `koanf:"max_streams"`
	Env             []string      `koanf:"env"`
}

type SupervisorConfig struct {
	GracePeriod    time.Duration `koanf:"grace_period"`
	KillTimeout    time.Duration `koanf:"kill_timeout"`
	ShutdownBudget time.Duration `koanf:"shutdown_budget"`
}

type MonitorConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// RestartConfig enables the in-process auto-restart loop. It stays off unless
// a jobs file is given; the healthcheck command is the out-of-process
// alternative.
type RestartConfig struct {
	JobsFile       string        `koanf:"jobs_file"`
	Interval       time.Duration `koanf:"interval"`
	ErrorDelay     time.Duration `koanf:"error_delay"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	MaxRestarts    int           `koanf:"max_restarts"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Binary:          "ffmpeg",
			OutputRoot:      "./streams",
			StderrTailBytes: 16 << 10,
			WaitDelay:       2 * time.Second,
			MaxStreams:      100,
		},
		Supervisor: SupervisorConfig{
			GracePeriod:    10 * time.Second,
			KillTimeout:    5 * time.Second,
			ShutdownBudget: 30 * time.Second,
		},
		Monitor: MonitorConfig{Interval: 30 * time.Second},
		Store: status.Config{
			Driver: "badger",
			Path:   "./data/status",
			Prefix: "stream:",
			Breaker: status.BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
				HalfOpenRequests:    1,
			},
		},
		Restart: RestartConfig{
			Interval:       30 * time.Second,
			ErrorDelay:     60 * time.Second,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the config file and the environment, then validates.
func Load() (Config, error) {
	return load(findConfigFile())
}

func load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(envProvider(), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := splitLists(k, "worker.env", "store.redis.addrs"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envProvider maps STREAMVISOR_STORE__REDIS__ADDR to store.redis.addr.
func envProvider() *env.Env {
	return env.Provider(EnvPrefix, ".", func(key string) string {
		name := strings.TrimPrefix(key, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(name), "__", ".")
	})
}

// splitLists turns comma-separated strings from the environment into lists.
func splitLists(k *koanf.Koanf, paths ...string) error {
	for _, path := range paths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if path := strings.TrimSpace(os.Getenv(PathEnvVar)); path != "" {
		return path
	}
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		errs = append(errs, errors.New("http.tls_cert_file and http.tls_key_file must be set together"))
	}
	if strings.TrimSpace(c.Worker.Binary) == "" {
		errs = append(errs, errors.New("worker.binary is required"))
	}
	if strings.TrimSpace(c.Worker.OutputRoot) == "" {
		errs = append(errs, errors.New("worker.output_root is required"))
	}
	if c.Worker.PublicBaseURL != "" {
		if u, err := url.Parse(c.Worker.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("worker.public_base_url %q must be an absolute URL", c.Worker.PublicBaseURL))
		}
	}
	if c.Worker.MaxStreams < 0 {
		errs = append(errs, errors.New("worker.max_streams must not be negative"))
	}
	if c.Supervisor.GracePeriod <= 0 {
		errs = append(errs, errors.New("supervisor.grace_period must be positive"))
	}
	if c.Supervisor.KillTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.kill_timeout must be positive"))
	}
	if c.Supervisor.ShutdownBudget < c.Supervisor.KillTimeout {
		errs = append(errs, errors.New("supervisor.shutdown_budget must be at least supervisor.kill_timeout"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if !validDriver(c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of %s", c.Store.Driver, strings.Join(status.Drivers, ", ")))
	}
	switch c.Store.Driver {
	case "redis":
		if c.Store.Redis.Addr == "" && len(c.Store.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres driver"))
		}
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file driver"))
		}
	}
	if c.Restart.JobsFile != "" && c.Restart.Interval <= 0 {
		errs = append(errs, errors.New("restart.interval must be positive"))
	}
	return errors.Join(errs...)
}

func validDriver(driver string) bool {
	for _, d := range status.Drivers {
		if d == driver {
			return true
		}
	}
	return false
}

// ManagerConfig projects the settings the lifecycle manager consumes.
func (c Config) ManagerConfig() supervisor.Config {
	return supervisor.Config{
		Binary:         c.Worker.Binary,
		OutputRoot:     c.Worker.OutputRoot,
		PublicBaseURL:  c.Worker.PublicBaseURL,
		GracePeriod:    c.Supervisor.GracePeriod,
		KillTimeout:    c.Supervisor.KillTimeout,
		ShutdownBudget: c.Supervisor.ShutdownBudget,
		MaxStreams:     c.Worker.MaxStreams,
		Env:            c.Worker.Env,
	}
}
