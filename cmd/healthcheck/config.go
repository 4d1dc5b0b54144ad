package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// jobConfig is read from HEALTHCHECK_* environment variables only.
type jobConfig struct {
	SupervisorURL  string        `env:"SUPERVISOR_URL,notEmpty"`
	Token          string        `env:"TOKEN"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	Interval       time.Duration `env:"INTERVAL" envDefault:"30s"`
	ErrorDelay     time.Duration `env:"ERROR_DELAY" envDefault:"60s"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"5s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"5m"`
	MaxRestarts    int           `env:"MAX_RESTARTS" envDefault:"0"`
	// Once runs a single pass and exits, for cron-style scheduling.
	Once bool `env:"ONCE"`

	JobsFile    string `env:"JOBS_FILE"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	EventsRedisAddr     string `env:"EVENTS_REDIS_ADDR"`
	EventsRedisPassword string `env:"EVENTS_REDIS_PASSWORD"`
	EventsStream        string `env:"EVENTS_STREAM" envDefault:"streamvisor:events"`
	EventsMaxLen        int64  `env:"EVENTS_MAX_LEN" envDefault:"10000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

const envPrefix = "HEALTHCHECK_"

func loadConfig() (jobConfig, error) {
	return parseConfig(env.Options{Prefix: envPrefix})
}

func parseConfig(opts env.Options) (jobConfig, error) {
	var c jobConfig
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return jobConfig{}, err
	}
	if err := c.validate(); err != nil {
		return jobConfig{}, err
	}
	return c, nil
}

func (c jobConfig) validate() error {
	var errs []error
	if u, err := url.Parse(c.SupervisorURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%sSUPERVISOR_URL must be an http(s) URL", envPrefix))
	}
	if strings.TrimSpace(c.JobsFile) == "" && strings.TrimSpace(c.PostgresDSN) == "" {
		errs = append(errs, fmt.Errorf("one of %sJOBS_FILE or %sPOSTGRES_DSN is required", envPrefix, envPrefix))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%sINTERVAL must be positive", envPrefix))
	}
	if c.ErrorDelay <= 0 {
		errs = append(errs, fmt.Errorf("%sERROR_DELAY must be positive", envPrefix))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Errorf("%sMAX_BACKOFF must be at least %sINITIAL_BACKOFF", envPrefix, envPrefix))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("%sMAX_RESTARTS must not be negative", envPrefix))
	}
	return errors.Join(errs...)
}
