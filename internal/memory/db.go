// Package memory implements duskpetrel's long-lived memory: an unstructured
// full-text + vector index over workspace files, and a structured store of
// facts, episodes, commitments, and entity aliases.
//
// Both families live in one SQLite database. The unstructured chunk tables
// are written only by the offline indexer; the daemon reads. The structured
// tables are written by the consolidator and the memory tools.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store wraps the memory database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the memory database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Single writer discipline per table family; WAL lets recall read while
	// the consolidator writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure memory db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			chunk_ix INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB,
			updated_ts INTEGER NOT NULL,
			UNIQUE(path, chunk_ix)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text, content='chunks', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.id, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.id, old.text);
			INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY,
			entity TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0,
			session TEXT,
			valid INTEGER NOT NULL DEFAULT 1,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity, attribute)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			session TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commitments (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			due_ts INTEGER,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entity_aliases (
			alias TEXT PRIMARY KEY,
			canonical TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0
		)`,
		`CREATE TABLE IF NOT EXISTS consolidation_state (
			session_file TEXT PRIMARY KEY,
			consolidated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consolidation_file_hashes (
			path TEXT PRIMARY KEY,
			hash TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate memory db: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ChunkCount returns the number of indexed chunks.
func (s *Store) ChunkCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Embedding codec

// encodeEmbedding packs a vector as little-endian IEEE 754 bytes.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	data := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}

// cosineSimilarity requires equal-length vectors. Unequal lengths are a hard
// error: silent truncation would produce subtly wrong scores.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding length mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// ftsQuote turns free text into an FTS5 query of quoted terms so user
// punctuation cannot change the query syntax.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
