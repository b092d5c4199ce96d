package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ChangeKind classifies how a file changed.
type ChangeKind int

const (
	KindCreated ChangeKind = iota
	KindModified
	KindDeleted
	KindMoved
)

// String returns a human-readable name for the change kind.
func (k ChangeKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// ChangeRecord describes one observed change to one file. It is immutable
// once constructed: Size and Fingerprint reflect the file's state at the
// moment of detection, never at flush time.
type ChangeRecord struct {
	Path        string
	Kind        ChangeKind
	ObservedAt  time.Time
	Size        int64
	Fingerprint string
}

// NewChangeRecord builds a record for path, reading the file's size and
// content hash eagerly. A file that is missing or unreadable (deleted,
// permission denied, racing writer) yields Size 0 and an empty
// Fingerprint; that is never an error.
func NewChangeRecord(path string, kind ChangeKind) ChangeRecord {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	rec := ChangeRecord{
		Path:       filepath.Clean(path),
		Kind:       kind,
		ObservedAt: time.Now(),
	}

	info, err := os.Stat(rec.Path)
	if err != nil || info.IsDir() {
		return rec
	}
	rec.Size = info.Size()
	rec.Fingerprint = fingerprintFile(rec.Path)
	return rec
}

// fingerprintFile returns the hex SHA-256 of the file's content, or ""
// if the file cannot be read.
func fingerprintFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Batch is an ordered, path-deduplicated set of settled change records
// delivered together to subscribers. Items are sorted by ObservedAt
// ascending and each path appears at most once (latest record wins).
// A Batch is never empty when delivered.
type Batch struct {
	Items     []ChangeRecord
	FlushedAt time.Time
}

// Paths returns the file paths in the batch, in item order.
func (b Batch) Paths() []string {
	paths := make([]string, len(b.Items))
	for i, rec := range b.Items {
		paths[i] = rec.Path
	}
	return paths
}
