// Package store persists documents and their parent/child units in SQLite
// using the pure-Go modernc driver. Embeddings are stored as JSON text and
// semantic search is brute-force cosine similarity in process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the document and unit store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens (or creates) the database at path. A single connection is
// shared so concurrent writers serialize instead of hitting SQLITE_BUSY.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: slog.New(slog.DiscardHandler), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates all tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			stats TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(owner_id, content_hash)`,
		`CREATE TABLE IF NOT EXISTS parent_units (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			chapter TEXT NOT NULL,
			section TEXT NOT NULL,
			text TEXT NOT NULL,
			labels TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			tag_confidence REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parent_units_document ON parent_units(document_id, position)`,
		`CREATE TABLE IF NOT EXISTS child_units (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_child_units_document ON child_units(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_child_units_parent ON child_units(parent_id, ordinal)`,
		`CREATE TABLE IF NOT EXISTS corrections (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			document_id TEXT NOT NULL DEFAULT '',
			child_id TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			incorrect_text TEXT NOT NULL,
			correct_text TEXT NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			embedding TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_owner ON corrections(owner_id, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.log.Debug("store initialized")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// scopeClause restricts a query to document ids. An empty scope list
// matches nothing.
func scopeClause(column string, scopes []string) (string, []any) {
	if len(scopes) == 0 {
		return " AND 1 = 0", nil
	}
	return fmt.Sprintf(" AND %s IN (%s)", column, placeholders(len(scopes))), stringArgs(scopes)
}

func marshalJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
