// Package sqlstore persists pipeline state, releases and assets in a single
// SQLite database so that a pipeline can be resumed from another process and
// concurrent triggers agree on one release per tag.
//
// The uniqueness guarantees live in the schema: releases.tag is UNIQUE and
// assets are keyed by (release_id, filename).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vk/relgrid/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id         TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	targets    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	pipeline_id TEXT NOT NULL,
	address     TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL DEFAULT '',
	ended_at    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (pipeline_id, address)
);
CREATE TABLE IF NOT EXISTS releases (
	id         TEXT PRIMARY KEY,
	tag        TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	commit_sha TEXT NOT NULL DEFAULT '',
	notes      TEXT NOT NULL DEFAULT '',
	draft      INTEGER NOT NULL DEFAULT 0,
	prerelease INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS assets (
	release_id   TEXT NOT NULL,
	filename     TEXT NOT NULL,
	locator      TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	digest       TEXT NOT NULL DEFAULT '',
	uploaded_at  TEXT NOT NULL,
	PRIMARY KEY (release_id, filename)
);
`

// Store is a SQLite-backed nodestore.Store, release.Store and
// publish.AssetStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies the
// schema. Use ":memory:" only in single-connection tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: in-process writers queue in database/sql instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto errs codes.
func classify(op string, err error, conflict errs.Code) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			if conflict != "" {
				return errs.Wrap(conflict, op, err)
			}
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return errs.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
