package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fact is one entity-attribute-value row.
type Fact struct {
	ID         int64
	Entity     string
	Attribute  string
	Value      string
	Confidence float64
	Session    string
	Valid      bool
	CreatedTS  int64
	UpdatedTS  int64
}

// Episode is one narrative memory.
type Episode struct {
	ID        string
	Title     string
	Body      string
	StartedAt int64
	Session   string
}

// Commitment statuses.
const (
	CommitmentOpen      = "open"
	CommitmentDone      = "done"
	CommitmentExpired   = "expired"
	CommitmentCancelled = "cancelled"
)

// Commitment is one open task.
type Commitment struct {
	ID          string
	Description string
	Status      string
	DueTS       int64
	UpdatedTS   int64
}

// ResolveEntity maps a name through the alias table to its canonical
// entity. Unknown names return "" with no error.
func (s *Store) ResolveEntity(ctx context.Context, name string) (string, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical FROM entity_aliases WHERE alias = ?`, name).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve entity: %w", err)
	}
	return canonical, nil
}

// LookupFacts returns valid facts for an entity, optionally filtered by
// attribute. The name is resolved through the alias table first.
func (s *Store) LookupFacts(ctx context.Context, entity, attribute string) ([]Fact, error) {
	canonical, err := s.ResolveEntity(ctx, entity)
	if err != nil {
		return nil, err
	}
	if canonical == "" {
		canonical = entity
	}

	query := `SELECT id, entity, attribute, value, confidence, COALESCE(session,''), valid, created_ts, updated_ts
		FROM facts WHERE entity = ? AND valid = 1`
	args := []any{canonical}
	if attribute != "" {
		query += ` AND attribute = ?`
		args = append(args, attribute)
	}
	query += ` ORDER BY updated_ts DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Entity, &f.Attribute, &f.Value, &f.Confidence,
			&f.Session, &f.Valid, &f.CreatedTS, &f.UpdatedTS); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// WriteFact upserts a fact: the previous valid row for the same entity and
// attribute is soft-invalidated, then the new row inserted.
func (s *Store) WriteFact(ctx context.Context, entity, attribute, value string, confidence float64, session string) error {
	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fact tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET valid = 0, updated_ts = ? WHERE entity = ? AND attribute = ? AND valid = 1`,
		now, entity, attribute); err != nil {
		return fmt.Errorf("invalidate fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO facts (entity, attribute, value, confidence, session, valid, created_ts, updated_ts)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		entity, attribute, value, confidence, session, now, now); err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return tx.Commit()
}

// ForgetFact soft-invalidates a fact by id.
func (s *Store) ForgetFact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET valid = 0, updated_ts = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("forget fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fact %d not found", id)
	}
	return nil
}

// AddAlias inserts an alias → canonical mapping, keeping an existing
// mapping for the same alias (INSERT OR IGNORE).
func (s *Store) AddAlias(ctx context.Context, alias, canonical string, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entity_aliases (alias, canonical, confidence) VALUES (?, ?, ?)`,
		alias, canonical, confidence)
	if err != nil {
		return fmt.Errorf("add alias: %w", err)
	}
	return nil
}

// AddEpisode stores one narrative memory.
func (s *Store) AddEpisode(ctx context.Context, title, body string, startedAt time.Time, session string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, title, body, started_at, session) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), title, body, startedAt.Unix(), session)
	if err != nil {
		return fmt.Errorf("add episode: %w", err)
	}
	return nil
}

// SearchEpisodes returns episodes whose title or body contains query.
func (s *Store) SearchEpisodes(ctx context.Context, query string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, started_at, COALESCE(session,'')
		FROM episodes
		WHERE title LIKE ? OR body LIKE ?
		ORDER BY started_at DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.ID, &e.Title, &e.Body, &e.StartedAt, &e.Session); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddCommitment stores one open task. A zero due time stores NULL.
func (s *Store) AddCommitment(ctx context.Context, description string, due time.Time) (string, error) {
	id := uuid.New().String()
	var dueTS any
	if !due.IsZero() {
		dueTS = due.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commitments (id, description, status, due_ts, updated_ts) VALUES (?, ?, 'open', ?, ?)`,
		id, description, dueTS, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("add commitment: %w", err)
	}
	return id, nil
}

// OpenCommitments returns commitments still in the open state, due-soonest
// first.
func (s *Store) OpenCommitments(ctx context.Context) ([]Commitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, status, COALESCE(due_ts, 0), updated_ts
		FROM commitments WHERE status = 'open'
		ORDER BY CASE WHEN due_ts IS NULL THEN 1 ELSE 0 END, due_ts`)
	if err != nil {
		return nil, fmt.Errorf("open commitments: %w", err)
	}
	defer rows.Close()

	var out []Commitment
	for rows.Next() {
		var c Commitment
		if err := rows.Scan(&c.ID, &c.Description, &c.Status, &c.DueTS, &c.UpdatedTS); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCommitment transitions a commitment's status.
func (s *Store) UpdateCommitment(ctx context.Context, id, status string) error {
	switch status {
	case CommitmentOpen, CommitmentDone, CommitmentExpired, CommitmentCancelled:
	default:
		return fmt.Errorf("invalid commitment status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE commitments SET status = ?, updated_ts = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update commitment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commitment %s not found", id)
	}
	return nil
}
