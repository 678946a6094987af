package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const openAttempts = 8

// Open connects to Postgres, retrying the first ping while the database
// container is still starting.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(25)

	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	for {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if int(b.Attempt()) >= openAttempts-1 {
			break
		}
		wait := b.Duration()
		logger.Warn("database not ready", zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("ping db: %w", err)
}
