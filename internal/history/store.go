// Package history keeps a durable record of finished tasks in SQLite.
//
// The pipeline engine holds tasks in memory only. When history is enabled a
// Recorder copies every terminal task snapshot into a Store so results stay
// queryable after the engine prunes them or the process restarts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/agentflow/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    state TEXT NOT NULL,
    priority INTEGER NOT NULL,
    description TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER NOT NULL,
    record TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_history_state ON task_history(state);
CREATE INDEX IF NOT EXISTS idx_task_history_ended_at ON task_history(ended_at);
`

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// Store provides SQLite-backed task history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil && path != ":memory:" {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the record for t. Only terminal tasks are kept.
func (s *Store) Save(ctx context.Context, t task.Task) error {
	if t.ID == "" {
		return errors.New("history: task id is required")
	}
	if !t.State.IsTerminal() || t.State == "" {
		return fmt.Errorf("history: task %s is %s, not terminal", t.ID, t.State)
	}

	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_history (id, type, state, priority, description, created_at, ended_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at,
			record = excluded.record
	`,
		t.ID,
		string(t.Type),
		string(t.State),
		int(t.Priority),
		t.Description,
		t.CreatedAt.UnixNano(),
		t.EndedAt.UnixNano(),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the recorded task with id, or a *task.NotFoundError.
func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM task_history WHERE id = ?`, id)

	var record string
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, &task.NotFoundError{ID: id}
		}
		return task.Task{}, fmt.Errorf("loading task %s: %w", id, err)
	}
	return decode(record)
}

// ListOptions filters List.
type ListOptions struct {
	// State restricts results to one terminal state when set.
	State task.State
	// Limit caps the number of results. Defaults to DefaultListLimit.
	Limit int
}

// List returns recorded tasks, most recently ended first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]task.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT record FROM task_history`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY ended_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		t, err := decode(record)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Prune deletes records of tasks that ended before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_history WHERE ended_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}

func decode(record string) (task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(record), &t); err != nil {
		return task.Task{}, fmt.Errorf("decoding task record: %w", err)
	}
	return t, nil
}
