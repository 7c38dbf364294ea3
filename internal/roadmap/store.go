// Package roadmap persists roadmap item completion state. It is the one
// durable collaborator of the dispatch core: on a successful non-milestone
// dispatch the linked item is marked done, fire-and-forget.
package roadmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store holds roadmap items in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the roadmap database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("roadmap db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create roadmap db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `
CREATE TABLE IF NOT EXISTS roadmap_items (
  project    TEXT NOT NULL,
  item_text  TEXT NOT NULL,
  done       INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (project, item_text)
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap roadmap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Item is one roadmap entry.
type Item struct {
	Project   string    `json:"project"`
	Text      string    `json:"item_text"`
	Done      bool      `json:"done"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToggleItem flips an item's done state, creating it (as done) when it
// does not exist yet. Returns the new state.
func (s *Store) ToggleItem(ctx context.Context, project, itemText string) (bool, error) {
	if project == "" || itemText == "" {
		return false, fmt.Errorf("project and item_text are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var done int
	err = tx.QueryRowContext(ctx,
		"SELECT done FROM roadmap_items WHERE project = ? AND item_text = ?;",
		project, itemText).Scan(&done)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var newStatus bool
	switch {
	case errors.Is(err, sql.ErrNoRows):
		newStatus = true
		_, err = tx.ExecContext(ctx,
			"INSERT INTO roadmap_items(project, item_text, done, updated_at) VALUES(?, ?, 1, ?);",
			project, itemText, now)
	case err != nil:
		return false, fmt.Errorf("read roadmap item: %w", err)
	default:
		newStatus = done == 0
		_, err = tx.ExecContext(ctx,
			"UPDATE roadmap_items SET done = ?, updated_at = ? WHERE project = ? AND item_text = ?;",
			boolToInt(newStatus), now, project, itemText)
	}
	if err != nil {
		return false, fmt.Errorf("write roadmap item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return newStatus, nil
}

// MarkDone sets an item done without toggling, creating it if missing.
// Used by the auto-mark side effect, which must be idempotent.
func (s *Store) MarkDone(ctx context.Context, project, itemText string) error {
	if project == "" || itemText == "" {
		return fmt.Errorf("project and item_text are required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO roadmap_items(project, item_text, done, updated_at)
VALUES(?, ?, 1, ?)
ON CONFLICT(project, item_text) DO UPDATE SET done = 1, updated_at = excluded.updated_at;
`, project, itemText, now)
	if err != nil {
		return fmt.Errorf("mark roadmap item done: %w", err)
	}
	return nil
}

// Items lists a project's roadmap entries, oldest update first.
func (s *Store) Items(ctx context.Context, project string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT project, item_text, done, updated_at FROM roadmap_items WHERE project = ? ORDER BY updated_at ASC;",
		project)
	if err != nil {
		return nil, fmt.Errorf("list roadmap items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var done int
		var updated string
		if err := rows.Scan(&it.Project, &it.Text, &done, &updated); err != nil {
			return nil, fmt.Errorf("scan roadmap item: %w", err)
		}
		it.Done = done != 0
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			it.UpdatedAt = t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
