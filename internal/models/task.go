package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums. Status is a derived field cached on the task row; the
// source of truth is the task's page set.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCancelled  = "cancelled"
)

// Task is one document-processing job, split into pages at creation. SourceKey
// is the opaque object-storage key of the uploaded document. SettledAt is the
// one-shot guard: the final ledger write and the settled event fire only on
// the transition that sets it.
type Task struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	SourceKey    string     `json:"source_key"`
	Status       string     `json:"status"`
	PageCount    int        `json:"page_count"`
	FormatTypes  []string   `json:"format_types"`
	CreditsUsed  int64      `json:"credits_used"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the task has resolved.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled
}

// TaskSettledEvent is published exactly once per task, on settlement.
// Downstream collaborators (versioning, notifications) consume it.
type TaskSettledEvent struct {
	TaskID      uuid.UUID `json:"task_id"`
	UserID      uuid.UUID `json:"user_id"`
	FinalStatus string    `json:"final_status"`
	CreditsUsed int64     `json:"credits_used"`
}
