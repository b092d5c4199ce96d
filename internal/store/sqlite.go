package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver.

	"github.com/arif7esat/hadi/internal/monitor"
)

// Store wraps a SQLite database recording delivered batches, their
// change records, and the auto-commits made from them.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath with WAL mode
// and a 5-second busy timeout, then runs any pending migrations.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Verify connection and WAL mode.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("check journal mode: %w", err)
	}
	if journalMode != "wal" {
		_ = db.Close()
		return nil, fmt.Errorf("expected WAL journal mode, got %q", journalMode)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertBatch records one delivered batch and all its change records in
// a single transaction, returning the batch row id.
func (s *Store) InsertBatch(b monitor.Batch) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO batches (flushed_at, record_count) VALUES (?, ?)`,
		b.FlushedAt.UTC().Format(time.RFC3339Nano), len(b.Items),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("batch id: %w", err)
	}

	for _, rec := range b.Items {
		_, err := tx.Exec(
			`INSERT INTO change_records (batch_id, path, kind, observed_at, size, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			batchID, rec.Path, rec.Kind.String(),
			rec.ObservedAt.UTC().Format(time.RFC3339Nano), rec.Size, rec.Fingerprint,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert change record %s: %w", rec.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return batchID, nil
}

// InsertCommit records one auto-commit.
func (s *Store) InsertCommit(hash, message string, fileCount int, pushed bool) error {
	pushedInt := 0
	if pushed {
		pushedInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO commits (hash, message, file_count, pushed, created_at) VALUES (?, ?, ?, ?, ?)`,
		hash, message, fileCount, pushedInt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

// MarkCommitPushed flags the commit with the given hash as pushed.
func (s *Store) MarkCommitPushed(hash string) error {
	_, err := s.db.Exec(`UPDATE commits SET pushed = 1 WHERE hash = ?`, hash)
	return err
}

// BatchesCount returns the number of batches recorded.
func (s *Store) BatchesCount() (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM batches").Scan(&count)
	return count, err
}

// RecordsCount returns the number of change records recorded.
func (s *Store) RecordsCount() (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM change_records").Scan(&count)
	return count, err
}

// CommitsCount returns the number of auto-commits recorded.
func (s *Store) CommitsCount() (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM commits").Scan(&count)
	return count, err
}

// DBSizeBytes returns the database file size, approximated as
// page_count * page_size.
func (s *Store) DBSizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// GetState reads a daemon_state value. Returns "" when the key is absent.
func (s *Store) GetState(key string) (string, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM daemon_state WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

// SetState writes a daemon_state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
