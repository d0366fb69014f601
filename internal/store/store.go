// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/termpilot/internal/domain"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists agent tasks and their steps.
type Repository interface {
	// CreateTask records a newly started task.
	CreateTask(ctx context.Context, task *domain.Task) error

	// FinishTask stores the final state of a task.
	FinishTask(ctx context.Context, taskID string, state domain.TaskState, endedAt time.Time) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTasks returns the most recent tasks of a user, newest first.
	ListTasks(ctx context.Context, userID string, limit int) ([]*domain.Task, error)

	// UpsertStep creates or updates a step record.
	UpsertStep(ctx context.Context, step *domain.Step) error

	// ListSteps returns the steps of a task in order.
	ListSteps(ctx context.Context, taskID string) ([]*domain.Step, error)

	// DeleteTasksBefore removes tasks started before the cutoff, with their
	// steps.
	DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
