package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type RetryOptions struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	Logger   *slog.Logger
}

// OpenWithRetry keeps calling Open with exponential backoff until the
// database answers, the attempts run out, or ctx is done.
func OpenWithRetry(ctx context.Context, databaseURL string, opts RetryOptions) (*sql.DB, error) {
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var db *sql.DB
	err := retry.Do(func() error {
		opened, err := Open(ctx, databaseURL)
		if err != nil {
			return err
		}
		db = opened
		return nil
	},
		retry.Attempts(opts.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(opts.Delay),
		retry.MaxDelay(opts.MaxDelay),
		retry.MaxJitter(opts.Delay/5),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			opts.Logger.Warn("database not ready, retrying", "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}
