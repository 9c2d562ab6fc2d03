package store

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// schema is applied on every open; all statements are idempotent.
//
// Timestamps are unix milliseconds. attendance_id and local_record_id carry
// partial unique indexes: at most one cache entry per server attendance id,
// and at most one live entry per queued local record.
const schema = `
CREATE TABLE IF NOT EXISTS pending_scans (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ref    TEXT NOT NULL UNIQUE,
	code          TEXT NOT NULL,
	scanned_at    INTEGER NOT NULL,
	checkpoint_id TEXT,
	device_id     TEXT,
	event_id      TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_scans_drain
	ON pending_scans (status, scanned_at, id);

CREATE TABLE IF NOT EXISTS archived_scans (
	id            INTEGER PRIMARY KEY,
	client_ref    TEXT NOT NULL,
	code          TEXT NOT NULL,
	scanned_at    INTEGER NOT NULL,
	checkpoint_id TEXT,
	device_id     TEXT,
	event_id      TEXT,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	last_error    TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	archived_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attendance_cache (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        TEXT,
	code            TEXT NOT NULL,
	result          TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	reason          TEXT,
	scanned_at      INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	local_record_id INTEGER REFERENCES pending_scans(id),
	offline         INTEGER NOT NULL DEFAULT 0,
	checkpoint_id   TEXT,
	device_id       TEXT,
	attendance_id   TEXT,
	metadata        TEXT,
	updated_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cache_attendance
	ON attendance_cache (attendance_id) WHERE attendance_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_cache_local
	ON attendance_cache (local_record_id) WHERE local_record_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_cache_history
	ON attendance_cache (event_id, scanned_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS sync_cursors (
	event_id   TEXT PRIMARY KEY,
	cursor     TEXT,
	updated_at INTEGER NOT NULL
);
`

// OpenDB opens (and migrates) the agent's embedded database. A single
// connection is enough for one checkpoint device and sidesteps SQLITE_BUSY
// contention between the submission path and the synchronizer.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
