// Package calibre implements the library.View capability on top of a
// Calibre library directory: the metadata.db SQLite database plus the
// per-book files laid out beside it.
package calibre

import (
	"context"
	"database/sql"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const metadataDBName = "metadata.db"

// Open opens the metadata.db inside a Calibre library directory. A
// single connection is enough for a sync run and keeps SQLite lock
// contention with a running Calibre instance low.
func Open(libraryPath string) (*bun.DB, error) {
	dbPath := filepath.Join(libraryPath, metadataDBName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, errors.Wrapf(err, "not a Calibre library: %s", libraryPath)
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dbPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.Exec("SELECT 1"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "can't read metadata.db")
	}

	return db, nil
}

const maxBusyRetries = 5

// withBusyRetry retries a query while Calibre itself holds the database
// lock, with exponential backoff and jitter, capped at 2s per wait.
func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) || attempt == maxBusyRetries {
			return err
		}

		delay := baseDelay * time.Duration(1<<attempt)
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}

// isBusyError matches SQLite busy/locked errors across the drivers
// sqliteshim may select.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
