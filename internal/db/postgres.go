package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	poolMaxOpen      = 25
	poolMaxIdle      = 5
	poolConnLifetime = time.Hour
	poolConnIdleTime = 30 * time.Minute

	pingTimeout    = 5 * time.Second
	pingAttempts   = 5
	pingRetryDelay = 2 * time.Second
)

// NewPostgresDB opens a pgx/stdlib backed *sql.DB pool and verifies
// connectivity. The initial ping is retried briefly so the service tolerates
// a database that is still starting.
func NewPostgresDB(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: empty DSN")
	}

	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pool.SetMaxOpenConns(poolMaxOpen)
	pool.SetMaxIdleConns(poolMaxIdle)
	pool.SetConnMaxLifetime(poolConnLifetime)
	pool.SetConnMaxIdleTime(poolConnIdleTime)

	var lastErr error
	for attempt := 0; attempt < pingAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(pingRetryDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		lastErr = pool.PingContext(ctx)
		cancel()
		if lastErr == nil {
			return pool, nil
		}
	}

	pool.Close()
	return nil, fmt.Errorf("db: connect: %w", lastErr)
}
