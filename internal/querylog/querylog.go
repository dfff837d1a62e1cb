// Package querylog records every submission in an append-only SQLite table
// for offline analysis.
package querylog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"genie/internal/vecmath"
)

// Entry is one submission as the match engine saw it.
type Entry struct {
	ID                  string
	UserID              string
	SessionID           string
	Verbatim            string
	Normalized          string
	Gist                string
	VerbatimEmbedding   []float32
	NormalizedEmbedding []float32
	GistEmbedding       []float32
	MatchedTier         string // empty when nothing matched
	Confidence          float64
	SnapshotID          string
	HitVerbatim         bool
	HitNormalized       bool
	HitGist             bool
	CreatedDate         time.Time
}

// Writer appends entries. Safe for concurrent use.
type Writer struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

const schema = `
CREATE TABLE IF NOT EXISTS query_log (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	session_id           TEXT NOT NULL DEFAULT '',
	verbatim             TEXT NOT NULL,
	normalized           TEXT NOT NULL,
	gist                 TEXT NOT NULL,
	verbatim_embedding   BLOB,
	normalized_embedding BLOB,
	gist_embedding       BLOB,
	matched_tier         TEXT NOT NULL DEFAULT '',
	confidence           REAL NOT NULL DEFAULT 0,
	snapshot_id          TEXT NOT NULL DEFAULT '',
	hit_verbatim         INTEGER NOT NULL DEFAULT 0,
	hit_normalized       INTEGER NOT NULL DEFAULT 0,
	hit_gist             INTEGER NOT NULL DEFAULT 0,
	created_date         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_user_created ON query_log(user_id, created_date);
`

// Open opens or creates the log database at path.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create query log directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create query log schema: %w", err)
	}
	return &Writer{db: db, entropy: ulid.Monotonic(rand.Reader, 0)}, nil
}

func (w *Writer) newID(t time.Time) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), w.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func blob(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return vecmath.EncodeFloat32s(v)
}

// Append stores e and returns its id. ID and CreatedDate are assigned when
// empty.
func (w *Writer) Append(ctx context.Context, e Entry) (string, error) {
	if e.CreatedDate.IsZero() {
		e.CreatedDate = time.Now().UTC()
	}
	if e.ID == "" {
		id, err := w.newID(e.CreatedDate)
		if err != nil {
			return "", fmt.Errorf("failed to generate id: %w", err)
		}
		e.ID = id
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO query_log (
			id, user_id, session_id, verbatim, normalized, gist,
			verbatim_embedding, normalized_embedding, gist_embedding,
			matched_tier, confidence, snapshot_id,
			hit_verbatim, hit_normalized, hit_gist, created_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.SessionID, e.Verbatim, e.Normalized, e.Gist,
		blob(e.VerbatimEmbedding), blob(e.NormalizedEmbedding), blob(e.GistEmbedding),
		e.MatchedTier, e.Confidence, e.SnapshotID,
		e.HitVerbatim, e.HitNormalized, e.HitGist, e.CreatedDate.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append query log entry: %w", err)
	}
	return e.ID, nil
}

// Recent returns the newest entries first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, verbatim, normalized, gist,
			verbatim_embedding, normalized_embedding, gist_embedding,
			matched_tier, confidence, snapshot_id,
			hit_verbatim, hit_normalized, hit_gist, created_date
		FROM query_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                   Entry
			verbatim, norm, gst []byte
			createdMs           int64
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.SessionID, &e.Verbatim, &e.Normalized, &e.Gist,
			&verbatim, &norm, &gst,
			&e.MatchedTier, &e.Confidence, &e.SnapshotID,
			&e.HitVerbatim, &e.HitNormalized, &e.HitGist, &createdMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan query log entry: %w", err)
		}
		for _, f := range []struct {
			dst *[]float32
			src []byte
		}{{&e.VerbatimEmbedding, verbatim}, {&e.NormalizedEmbedding, norm}, {&e.GistEmbedding, gst}} {
			if len(f.src) == 0 {
				continue
			}
			v, err := vecmath.DecodeFloat32s(f.src)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.ID, err)
			}
			*f.dst = v
		}
		e.CreatedDate = time.UnixMilli(createdMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (w *Writer) Close() error {
	return w.db.Close()
}
