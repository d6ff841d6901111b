// Package store is the durable source of truth for the feature backlog.
//
// The database is a single SQLite file opened in WAL mode so that multiple
// worker processes (each in its own git worktree, with the file symlinked
// in) can read concurrently while one writes. SQLite still serializes
// writers on a single lock: above roughly 4 concurrent workers, mark
// operations will queue on busy_timeout. That is an accepted bottleneck of
// the shared-file design, not a correctness bug. See the coordinator
// package for the symlink layout.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/steveyegge/autoloop/internal/types"
)

// Store provides CRUD and status transitions over the feature backlog.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the feature database at path.
// Open failure is fatal to the caller; there is no degraded mode without
// the backlog.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for multi-process readers, busy_timeout so concurrent writers
	// queue instead of failing immediately with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Insert adds a feature and returns its assigned ID.
func (s *Store) Insert(ctx context.Context, f *types.Feature) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("validation failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO features (category, description, passes, verification_command, last_error)
		VALUES (?, ?, ?, ?, ?)
	`, f.Category, f.Description, boolToInt(f.Passes), nullable(f.VerificationCommand), nullable(f.LastError))
	if err != nil {
		return 0, fmt.Errorf("failed to insert feature: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted id: %w", err)
	}

	for i, step := range f.Steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_steps (feature_id, position, step) VALUES (?, ?, ?)
		`, id, i, step); err != nil {
			return 0, fmt.Errorf("failed to insert step %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	f.ID = id
	return id, nil
}

// Get returns the feature with the given description, or nil if absent.
func (s *Store) Get(ctx context.Context, description string) (*types.Feature, error) {
	features, err := s.query(ctx, "WHERE description = ?", description)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}
	return features[0], nil
}

// GetByID returns the feature with the given id, or nil if absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*types.Feature, error) {
	features, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}
	return features[0], nil
}

// ListAll returns every feature, ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]*types.Feature, error) {
	return s.query(ctx, "")
}

// ListPassing returns features whose last verification succeeded.
func (s *Store) ListPassing(ctx context.Context) ([]*types.Feature, error) {
	return s.query(ctx, "WHERE passes = 1")
}

// ListRemaining returns features not yet passing.
func (s *Store) ListRemaining(ctx context.Context) ([]*types.Feature, error) {
	return s.query(ctx, "WHERE passes = 0")
}

// Count returns (passing, remaining).
func (s *Store) Count(ctx context.Context) (passing, remaining int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN passes = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN passes = 0 THEN 1 ELSE 0 END), 0)
		FROM features
	`)
	if err := row.Scan(&passing, &remaining); err != nil {
		return 0, 0, fmt.Errorf("failed to count features: %w", err)
	}
	return passing, remaining, nil
}

// MarkPassing marks the feature passing and clears last_error.
// Returns false (no error) when no feature has that description: a normal
// signal the caller logs and continues past.
func (s *Store) MarkPassing(ctx context.Context, description string) (bool, error) {
	return s.mark(ctx, `
		UPDATE features SET passes = 1, last_error = NULL, updated_at = ?
		WHERE description = ?
	`, time.Now().UTC(), description)
}

// MarkFailing marks the feature failing without touching last_error.
func (s *Store) MarkFailing(ctx context.Context, description string) (bool, error) {
	return s.mark(ctx, `
		UPDATE features SET passes = 0, updated_at = ?
		WHERE description = ?
	`, time.Now().UTC(), description)
}

// MarkFailingWithError marks the feature failing and records the error
// context for the next fix session.
func (s *Store) MarkFailingWithError(ctx context.Context, description, errMsg string) (bool, error) {
	return s.mark(ctx, `
		UPDATE features SET passes = 0, last_error = ?, updated_at = ?
		WHERE description = ?
	`, errMsg, time.Now().UTC(), description)
}

func (s *Store) mark(ctx context.Context, stmt string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update feature: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// query runs a SELECT with the given WHERE clause and loads steps for each
// returned feature.
func (s *Store) query(ctx context.Context, where string, args ...any) ([]*types.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, description, passes,
		       COALESCE(verification_command, ''), COALESCE(last_error, '')
		FROM features `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	var features []*types.Feature
	for rows.Next() {
		var f types.Feature
		var passes int
		if err := rows.Scan(&f.ID, &f.Category, &f.Description, &passes,
			&f.VerificationCommand, &f.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		f.Passes = passes == 1
		features = append(features, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate features: %w", err)
	}

	for _, f := range features {
		steps, err := s.loadSteps(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		f.Steps = steps
	}
	return features, nil
}

func (s *Store) loadSteps(ctx context.Context, featureID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step FROM feature_steps WHERE feature_id = ? ORDER BY position
	`, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps "" to NULL so COALESCE round-trips cleanly.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
