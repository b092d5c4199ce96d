package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// runMigrations applies all pending schema migrations, tracking the
// current version in the daemon_state key-value table.
func runMigrations(db *sql.DB) error {
	// daemon_state must exist before we can read the schema version.
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS daemon_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create daemon_state: %w", err)
	}

	var current int
	var raw string
	err = db.QueryRow(`SELECT value FROM daemon_state WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		if current, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("bad schema version %q: %w", raw, err)
		}
	}

	for v := current + 1; v <= schemaVersion; v++ {
		stmt, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration for version %d", v)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		_, err = tx.Exec(
			`INSERT INTO daemon_state (key, value, updated_at) VALUES ('schema_version', ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			strconv.Itoa(v), now,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}

	return nil
}
