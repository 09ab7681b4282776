package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The engine processes one order per invocation, so a handful of connections
// is plenty: lifecycle transitions run in a single transaction and only the
// reporting queries run outside one.
const (
	poolMaxConns        = 4
	poolMaxConnIdleTime = time.Minute
)

// NewPool builds a pgx connection pool from DATABASE_URL and verifies
// connectivity before handing it out.
func NewPool(ctx context.Context) (*pgxpool.Pool, error) {
	config, err := poolConfig(os.Getenv("DATABASE_URL"))
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func poolConfig(connStr string) (*pgxpool.Config, error) {
	if connStr == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}
	config.MaxConns = poolMaxConns
	config.MaxConnIdleTime = poolMaxConnIdleTime
	return config, nil
}
