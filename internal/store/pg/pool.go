package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"leadcast/internal/store/migrations"
)

type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   string
	MaxConnIdleTime   string
	HealthCheckPeriod string
}

func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	durations := []struct {
		env string
		raw string
		dst *time.Duration
	}{
		{"DB_POOL_MAX_CONN_LIFETIME", opts.MaxConnLifetime, &cfg.MaxConnLifetime},
		{"DB_POOL_MAX_CONN_IDLE_TIME", opts.MaxConnIdleTime, &cfg.MaxConnIdleTime},
		{"DB_POOL_HEALTH_CHECK_PERIOD", opts.HealthCheckPeriod, &cfg.HealthCheckPeriod},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = v
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// Open connects, optionally migrates the schema, and returns a ready store.
func Open(ctx context.Context, dsn string, opts PoolOptions, migrate bool) (*Store, error) {
	pool, err := NewPool(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}
	if migrate {
		db := stdlib.OpenDBFromPool(pool)
		n, err := migrations.Up(db, migrations.DialectPostgres)
		_ = db.Close()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("postgres migrations applied", "count", n)
	}
	return New(pool), nil
}
