// Package store persists zone control state and the away-mode snapshot in
// SQLite so boosts, applied setpoints and away mode survive a restart.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

const schemaZoneState = `
CREATE TABLE IF NOT EXISTS zone_state (
    zone_id TEXT PRIMARY KEY,
    boost_until TEXT,
    applied_command TEXT,
    applied_at TEXT,
    updated_at TEXT NOT NULL
);
`

const schemaAwayState = `
CREATE TABLE IF NOT EXISTS away_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    active BOOLEAN NOT NULL,
    since TEXT
);
`

const schemaAwaySetpoints = `
CREATE TABLE IF NOT EXISTS away_setpoints (
    zone_id TEXT PRIMARY KEY,
    temperature_c REAL NOT NULL
);
`

// Open opens or creates the SQLite file at path and ensures tables exist
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// SQLite handles a single writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaZoneState,
		schemaAwayState,
		schemaAwaySetpoints,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
