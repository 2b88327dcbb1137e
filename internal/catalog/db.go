// Package catalog implements the Catalog Store (CS): the embedded
// single-writer, multi-reader relational index of artists, albums,
// playlists, tracks and their memberships (§4.1).
package catalog

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps a *sql.DB with the read/write mutual exclusion the spec calls
// for: many concurrent readers, at most one writer, enforced here rather
// than relied upon from SQLite's own locking so that multi-statement write
// transactions (upsert + membership rebuild) stay atomic from callers'
// point of view too.
type DB struct {
	sql *sql.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// Open opens (or creates, if createIfMissing and the file is absent) the
// catalog at path, applies the schema and the download_status sync trigger
// on first creation, and enables write-ahead logging.
func Open(path string, createIfMissing bool, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=off", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3 %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(4)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite3 %s: %w", path, err)
	}

	db := &DB{sql: sqlDB, log: log}
	if err := db.applySchema(createIfMissing); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) applySchema(createIfMissing bool) error {
	var exists int
	err := d.sql.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='tracks'`).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	if !createIfMissing {
		return fmt.Errorf("catalog database not initialized and createIfMissing is false")
	}
	_, err = d.sql.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	d.log.Info().Msg("catalog schema installed")
	return nil
}

// withRead runs fn holding the read lock, for queries that issue more than
// one statement and need a consistent snapshot across them.
func (d *DB) withRead(fn func(*sql.DB) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.sql)
}

// withWriteTx runs fn inside a transaction holding the write lock, committing
// on success and rolling back on error or panic. This is the single entry
// point every multi-statement mutation in this package goes through, which
// is what makes "upsert + rebuild membership" and the missing-entity pass
// atomic per §4.1's "all multi-row mutations occur within a transaction".
func (d *DB) withWriteTx(fn func(*sql.Tx) error) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE libraries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	collection_type TEXT NOT NULL DEFAULT '',
	last_seen INTEGER NOT NULL DEFAULT 0,
	selected INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE artists (
	id TEXT PRIMARY KEY,
	blob TEXT NOT NULL
);

CREATE TABLE albums (
	id TEXT PRIMARY KEY,
	library_id TEXT NOT NULL DEFAULT '',
	blob TEXT NOT NULL
);
CREATE INDEX idx_albums_library_id ON albums(library_id);

CREATE TABLE playlists (
	id TEXT PRIMARY KEY,
	blob TEXT NOT NULL
);

CREATE TABLE tracks (
	id TEXT PRIMARY KEY,
	album_id TEXT NOT NULL DEFAULT '',
	library_id TEXT NOT NULL DEFAULT '',
	artist_items TEXT NOT NULL DEFAULT '[]',
	download_status TEXT NOT NULL DEFAULT 'NotDownloaded',
	download_size_bytes INTEGER NOT NULL DEFAULT 0,
	downloaded_at INTEGER NOT NULL DEFAULT 0,
	last_played INTEGER NOT NULL DEFAULT 0,
	disliked INTEGER NOT NULL DEFAULT 0,
	blob TEXT NOT NULL
);
CREATE INDEX idx_tracks_album_id ON tracks(album_id);
CREATE INDEX idx_tracks_library_id ON tracks(library_id);
CREATE INDEX idx_tracks_download_status ON tracks(download_status);

CREATE TABLE album_artists (
	album_id TEXT NOT NULL,
	artist_id TEXT NOT NULL,
	PRIMARY KEY (album_id, artist_id)
);

CREATE TABLE artist_memberships (
	artist_id TEXT NOT NULL,
	track_id TEXT NOT NULL,
	PRIMARY KEY (artist_id, track_id)
);

CREATE TABLE playlist_memberships (
	playlist_id TEXT NOT NULL,
	track_id TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (playlist_id, track_id)
);

CREATE TABLE lyrics (
	track_id TEXT PRIMARY KEY,
	lines TEXT NOT NULL
);

CREATE TABLE missing_counters (
	entity_type TEXT NOT NULL,
	id TEXT NOT NULL,
	missing_seen_count INTEGER NOT NULL DEFAULT 0,
	last_checked_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, id)
);

CREATE TABLE meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- I3: blob.download_status must equal the column at every observation
-- point outside a write transaction. These triggers patch the blob
-- whenever the column is written, on both insert and update.
CREATE TRIGGER trg_tracks_insert_sync_status
AFTER INSERT ON tracks
FOR EACH ROW
BEGIN
	UPDATE tracks SET blob = json_set(blob, '$.download_status', NEW.download_status)
	WHERE id = NEW.id
	  AND (json_extract(blob, '$.download_status') IS NULL
	       OR json_extract(blob, '$.download_status') != NEW.download_status);
END;

CREATE TRIGGER trg_tracks_update_sync_status
AFTER UPDATE OF download_status ON tracks
FOR EACH ROW
WHEN json_extract(NEW.blob, '$.download_status') IS NULL
  OR json_extract(NEW.blob, '$.download_status') != NEW.download_status
BEGIN
	UPDATE tracks SET blob = json_set(blob, '$.download_status', NEW.download_status)
	WHERE id = NEW.id;
END;
`
