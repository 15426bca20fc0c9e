package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store persists cost records append-only in a SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the cost database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cost db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cost_records (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			model TEXT NOT NULL,
			session TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			dollars REAL NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create cost table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cost_ts ON cost_records(ts)`)
	if err != nil {
		return fmt.Errorf("create cost index: %w", err)
	}
	return nil
}

// Append writes one cost record. Records are never updated or deleted.
func (s *Store) Append(ctx context.Context, r Record) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_records (id, ts, model, session, input_tokens, output_tokens, cache_read_tokens, dollars)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		ts.UTC().Format(time.RFC3339Nano),
		r.Model,
		r.Session,
		r.Usage.InputTokens,
		r.Usage.OutputTokens,
		r.Usage.CacheReadTokens,
		r.Dollars,
	)
	if err != nil {
		return fmt.Errorf("append cost record: %w", err)
	}
	return nil
}

// TotalsSince aggregates records newer than since.
func (s *Store) TotalsSince(ctx context.Context, since time.Time) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(dollars),0)
		FROM cost_records WHERE ts >= ?`,
		since.UTC().Format(time.RFC3339Nano),
	).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.Dollars)
	if err != nil {
		return Totals{}, fmt.Errorf("query cost totals: %w", err)
	}
	return t, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
