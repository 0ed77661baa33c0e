// Package library persists the track catalog in sqlite: tracks with their
// tags, play statistics, favorites and the quarantine of files that failed
// to play.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/aposazhennikov/music-player-service/logger"
)

var (
	ErrNotFound  = errors.New("track not found")
	ErrEmptyPath = errors.New("empty file path")
)

const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	path           TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL,
	artist         TEXT NOT NULL DEFAULT '',
	album          TEXT NOT NULL DEFAULT '',
	year           INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	play_count     INTEGER NOT NULL DEFAULT 0,
	last_played    INTEGER NOT NULL DEFAULT 0,
	added_at       INTEGER NOT NULL DEFAULT 0,
	is_favorite    INTEGER NOT NULL DEFAULT 0,
	bad_flag       INTEGER NOT NULL DEFAULT 0,
	bad_reason     TEXT,
	bad_marked_at  INTEGER NOT NULL DEFAULT 0,
	bad_fail_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist);
CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album);
CREATE INDEX IF NOT EXISTS idx_tracks_title ON tracks(title);
CREATE INDEX IF NOT EXISTS idx_tracks_play_count ON tracks(play_count DESC);
CREATE INDEX IF NOT EXISTS idx_tracks_last_played ON tracks(last_played DESC);
CREATE INDEX IF NOT EXISTS idx_tracks_bad_flag ON tracks(bad_flag);
`

// Library is the sqlite-backed track catalog. It is safe for concurrent use.
type Library struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, log *slog.Logger) (*Library, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open library %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	lib := &Library{db: db, logger: logger.WithComponent(log, "library")}
	lib.logger.Info("Library opened", slog.String("path", path))
	return lib, nil
}

// Close closes the database.
func (l *Library) Close() error {
	return l.db.Close()
}

// Ping checks that the database answers.
func (l *Library) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// withTx executes fn within a transaction.
// It handles Begin, Rollback on error, and Commit on success.
func (l *Library) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullStringValue(n sql.NullString) string {
	if !n.Valid {
		return ""
	}
	return n.String
}
