// Package domain holds the records shared by the agent, the store and the
// HTTP layer.
package domain

import (
	"time"
)

// TaskState is the lifecycle state of an agent task.
type TaskState string

// Task states.
const (
	StateIdle      TaskState = "idle"
	StateRunning   TaskState = "running"
	StatePaused    TaskState = "paused"
	StateCompleted TaskState = "completed"
	StateAborted   TaskState = "aborted"
	StateErrored   TaskState = "errored"
)

// Finished reports whether s is a terminal state.
func (s TaskState) Finished() bool {
	switch s {
	case StateCompleted, StateAborted, StateErrored:
		return true
	}
	return false
}

// Task is one operator request and the loop run it started.
type Task struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id"`
	Prompt    string     `json:"prompt"`
	State     TaskState  `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
