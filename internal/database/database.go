// Package database opens the PostgreSQL connection pool shared by the stores.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	_ "github.com/lib/pq"

	"github.com/liamcoop/finrules/internal/logger"
)

// Options control connection retries and pool sizing.
type Options struct {
	Attempts     uint
	Delay        time.Duration
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

// DefaultOptions returns the pool settings used by the server.
func DefaultOptions() Options {
	return Options{
		Attempts:     5,
		Delay:        time.Second,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnMaxLife:  30 * time.Minute,
	}
}

// Open connects to databaseURL and pings it, retrying with backoff while the
// database comes up. Each failed attempt is logged and counted.
func Open(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLife)

	err = retry.Do(
		func() error {
			return db.PingContext(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(max(opts.Attempts, 1)),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.WarnDBConnectRetry()
			logger.Logger.Warn("database not ready, retrying", "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}
