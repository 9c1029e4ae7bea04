package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes the Postgres pool.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// StatementTimeout is applied per session; zero leaves the server default.
	StatementTimeout time.Duration
	// ConnectAttempts is how many pings are tried before giving up, for
	// databases that come up after the server does.
	ConnectAttempts int
}

const applicationName = "rxextract"

func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	if pc.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(pc.StatementTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	attempts := max(pc.ConnectAttempts, 1)
	for i := 1; ; i++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", attempts, err)
}
