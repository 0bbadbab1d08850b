// Package store provides the SQLite-backed vector, analytical, and graph
// brains. All three stores share the same connection discipline: single
// writer connection, WAL journaling, and a busy timeout so concurrent
// ingestion and queries do not trip SQLITE_BUSY.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// openSQLite opens (creating if needed) a SQLite database with Nancy's
// standard pragmas applied.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	return db, nil
}

// pingHealth runs a trivial query and reports availability with latency.
func pingHealth(ctx context.Context, db *sql.DB) brain.Health {
	start := time.Now()
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	h := brain.Health{OK: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Details = err.Error()
	}
	return h
}
