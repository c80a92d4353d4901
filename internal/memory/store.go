// Package memory provides per-user long-term notes the assistant can
// write and recall across conversations. Notes are keyed, so telling
// the assistant a new value for something it already knows replaces the
// old note rather than accumulating contradictions.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Note is one remembered item for a user.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store manages note persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a note store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS notes (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id);
	`)
	return err
}

// Set creates or updates a note. The second return reports whether an
// existing note with the same key was replaced.
func (s *Store) Set(ctx context.Context, userID, key, value string) (*Note, bool, error) {
	now := time.Now().UTC()

	var existingID string
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM notes WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&existingID, &createdAt)

	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE notes SET value = ?, updated_at = ? WHERE id = ?`,
			value, now.Format(time.RFC3339), existingID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("update note: %w", err)
		}
		created, _ := time.Parse(time.RFC3339, createdAt)
		return &Note{ID: existingID, UserID: userID, Key: key, Value: value,
			CreatedAt: created, UpdatedAt: now}, true, nil

	case errors.Is(err, sql.ErrNoRows):
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("generate note ID: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO notes (id, user_id, key, value, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id.String(), userID, key, value,
			now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert note: %w", err)
		}
		return &Note{ID: id.String(), UserID: userID, Key: key, Value: value,
			CreatedAt: now, UpdatedAt: now}, false, nil

	default:
		return nil, false, fmt.Errorf("query note: %w", err)
	}
}

// Get retrieves a note by key, or nil if none exists.
func (s *Store) Get(ctx context.Context, userID, key string) (*Note, error) {
	var n Note
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, key, value, created_at, updated_at
		 FROM notes WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&n.ID, &n.UserID, &n.Key, &n.Value, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query note: %w", err)
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &n, nil
}

// List returns all of a user's notes, most recently updated first.
func (s *Store) List(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, key, value, created_at, updated_at
		 FROM notes WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Key, &n.Value, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Delete removes a note by key. Deleting a missing note is not an
// error.
func (s *Store) Delete(ctx context.Context, userID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE user_id = ? AND key = ?`, userID, key,
	)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}
