// Package db opens the SQLite connections backing the Backend. Writes
// go through a single connection; reads get a small WAL-backed pool.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second
	readerConns = 4
)

// OpenSQLite opens the write side: one connection so writes serialize
// in-process instead of surfacing SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := preparePath(dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(path, map[string]string{
		"_mode":         "rwc",
		"_journal_mode": "WAL",
		"_synchronous":  "NORMAL",
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens the read side: a read-only pool that WAL mode
// lets run concurrently with the writer. Journal and sync settings are
// database-level and come from the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(absPath(dbPath), map[string]string{
		"_mode": "ro",
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

// dsn builds a file: DSN with the shared pragmas plus per-side extras.
func dsn(path string, extra map[string]string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprintf("%d", int(busyTimeout/time.Millisecond)))
	q.Set("_cache", "shared")
	for k, v := range extra {
		q.Set(k, v)
	}
	return fmt.Sprintf("file:%s?%s", path, q.Encode())
}

// preparePath resolves the database path and makes sure the file exists,
// so a read-only open of a fresh deployment does not fail.
func preparePath(dbPath string) (string, error) {
	path := absPath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	return path, f.Close()
}

func absPath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}
