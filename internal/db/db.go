package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns    = 4
	defaultPingTimeout = 5 * time.Second
)

// Options tunes the pool. Zero values fall back to defaults sized for a single
// batch worker, which only touches the database when recording dead letters.
type Options struct {
	MaxConns    int32
	PingTimeout time.Duration
}

// Connect opens a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...Options) (*pgxpool.Pool, error) {
	o := Options{MaxConns: defaultMaxConns, PingTimeout: defaultPingTimeout}
	if len(opts) > 0 {
		if opts[0].MaxConns > 0 {
			o.MaxConns = opts[0].MaxConns
		}
		if opts[0].PingTimeout > 0 {
			o.PingTimeout = opts[0].PingTimeout
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = o.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, o.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}
