package store

// schemaVersion is the current schema version. Increment when adding migrations.
const schemaVersion = 1

// migrations maps version numbers to SQL statements that bring the schema
// from (version-1) to (version). Version 1 is the initial schema.
var migrations = map[int]string{
	1: `
-- Change batches delivered by the aggregation engine.
CREATE TABLE IF NOT EXISTS batches (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	flushed_at   TEXT    NOT NULL,
	record_count INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_flushed ON batches(flushed_at);

-- Individual settled change records, one row per batch item.
CREATE TABLE IF NOT EXISTS change_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id    INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	path        TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	observed_at TEXT    NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	fingerprint TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_records_batch ON change_records(batch_id);
CREATE INDEX IF NOT EXISTS idx_change_records_path ON change_records(path);

-- Auto-commits made on behalf of the user.
CREATE TABLE IF NOT EXISTS commits (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	hash       TEXT    NOT NULL,
	message    TEXT    NOT NULL DEFAULT '',
	file_count INTEGER NOT NULL DEFAULT 0,
	pushed     INTEGER NOT NULL DEFAULT 0,
	created_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_created ON commits(created_at);
`,
}
