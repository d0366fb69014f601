package domain

import (
	"time"
)

// StepKind classifies an agent step.
type StepKind string

// Step kinds.
const (
	StepCommand  StepKind = "command"
	StepSendKeys StepKind = "send_keys"
	StepComplete StepKind = "complete"
	StepAborted  StepKind = "aborted"
	StepError    StepKind = "error"
	StepMessage  StepKind = "message"
	StepQuestion StepKind = "question"
	StepRead     StepKind = "read"
	StepNote     StepKind = "note"
)

// StepStatus tracks a step from dispatch to resolution.
type StepStatus string

// Step statuses.
const (
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepTimeout StepStatus = "timeout"
)

// Step is the operator-visible record of one agent action. It is created when
// the action is dispatched and updated once when it resolves.
type Step struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Seq       int        `json:"seq"`
	Kind      StepKind   `json:"kind"`
	Reasoning string     `json:"reasoning,omitempty"`
	Command   string     `json:"command,omitempty"`
	Output    string     `json:"output,omitempty"`
	Status    StepStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
