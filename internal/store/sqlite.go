package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries    = 3
	writeRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc applies _pragma to every pooled connection. WAL keeps readers
	// off the writer's lock.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_started ON tasks(user_id, started_at);

	CREATE TABLE IF NOT EXISTS steps (
		step_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_task_seq ON steps(task_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateTask records a newly started task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	query := `
	INSERT INTO tasks (task_id, user_id, session_id, prompt, state, started_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, "create task", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			task.ID, task.UserID, task.SessionID, task.Prompt,
			string(task.State), task.StartedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
		return nil
	})
}

// FinishTask stores the final state of a task.
func (s *SQLiteStore) FinishTask(ctx context.Context, taskID string, state domain.TaskState, endedAt time.Time) error {
	query := `UPDATE tasks SET state = ?, ended_at = ? WHERE task_id = ?`

	return shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, "finish task", func() error {
		result, err := s.db.ExecContext(ctx, query, string(state), endedAt.UnixMilli(), taskID)
		if err != nil {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `
		SELECT task_id, user_id, session_id, prompt, state, started_at, ended_at
		FROM tasks WHERE task_id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	return task, nil
}

// ListTasks returns the most recent tasks of a user, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, userID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT task_id, user_id, session_id, prompt, state, started_at, ended_at
		FROM tasks WHERE user_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close task rows", "error", closeErr)
		}
	}()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var state string
	var startedAt int64
	var endedAt sql.NullInt64

	if err := row.Scan(
		&task.ID, &task.UserID, &task.SessionID, &task.Prompt,
		&state, &startedAt, &endedAt,
	); err != nil {
		return nil, err
	}
	task.State = domain.TaskState(state)
	task.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		ts := time.UnixMilli(endedAt.Int64)
		task.EndedAt = &ts
	}
	return &task, nil
}

// UpsertStep creates or updates a step record.
func (s *SQLiteStore) UpsertStep(ctx context.Context, step *domain.Step) error {
	query := `
	INSERT INTO steps (step_id, task_id, seq, kind, reasoning, command, output, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(step_id) DO UPDATE SET
		output = excluded.output,
		status = excluded.status,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, "upsert step", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			step.ID, step.TaskID, step.Seq, string(step.Kind),
			step.Reasoning, step.Command, step.Output, string(step.Status),
			step.CreatedAt.UnixMilli(), step.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert step %s: %w", step.ID, err)
		}
		return nil
	})
}

// ListSteps returns the steps of a task in order.
func (s *SQLiteStore) ListSteps(ctx context.Context, taskID string) ([]*domain.Step, error) {
	query := `
		SELECT step_id, task_id, seq, kind, reasoning, command, output, status, created_at, updated_at
		FROM steps WHERE task_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close step rows", "error", closeErr)
		}
	}()

	var steps []*domain.Step
	for rows.Next() {
		var step domain.Step
		var kind, status string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&step.ID, &step.TaskID, &step.Seq, &kind,
			&step.Reasoning, &step.Command, &step.Output, &status,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		step.Kind = domain.StepKind(kind)
		step.Status = domain.StepStatus(status)
		step.CreatedAt = time.UnixMilli(createdAt)
		step.UpdatedAt = time.UnixMilli(updatedAt)
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// DeleteTasksBefore removes tasks started before the cutoff, with their steps.
func (s *SQLiteStore) DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, "delete tasks", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cleanup: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ms := cutoff.UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM steps WHERE task_id IN (SELECT task_id FROM tasks WHERE started_at < ?)`, ms); err != nil {
			return fmt.Errorf("delete old steps: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE started_at < ?`, ms)
		if err != nil {
			return fmt.Errorf("delete old tasks: %w", err)
		}
		if deleted, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}
