package status

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"streamvisor/internal/storage"
)

// Config selects and configures a backend.
type Config struct {
	Driver   string                 `koanf:"driver"`
	Path     string                 `koanf:"path"`
	Prefix   string                 `koanf:"prefix"`
	Redis    storage.RedisConfig    `koanf:"redis"`
	Postgres storage.PostgresConfig `koanf:"postgres"`
	Breaker  BreakerConfig          `koanf:"breaker"`
}

// Drivers lists the accepted Config.Driver values.
var Drivers = []string{"badger", "file", "memory", "postgres", "redis"}

// Open builds the configured backend and wraps it in a Guard.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...GuardOption) (*Guard, error) {
	store, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewGuard(store, cfg.Breaker, logger, opts...), nil
}

func openBackend(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "", "badger":
		dir := cfg.Path
		if dir != "" {
			dir = filepath.Clean(dir)
		}
		return OpenBadgerStore(dir)
	case "redis":
		client, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Prefix), nil
	case "postgres":
		pool, err := storage.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown status store driver %q", cfg.Driver)
	}
}
