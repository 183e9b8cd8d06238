package models

import (
	"time"

	"github.com/google/uuid"
)

// Page status enums.
const (
	PageStatusPending    = "pending"
	PageStatusProcessing = "processing"
	PageStatusCompleted  = "completed"
	PageStatusFailed     = "failed"
	PageStatusCancelled  = "cancelled"
)

// Resolution outcomes reported by workers.
const (
	PageOutcomeCompleted = "completed"
	PageOutcomeFailed    = "failed"
)

// Page is the smallest independently-schedulable unit of work. Identity is
// (task_id, page_number, format_type): a task requesting several output
// formats gets sibling rows per physical page, one per format. Pages are
// created once at task creation and removed only by cascading task deletion.
type Page struct {
	ID           uuid.UUID  `json:"id"`
	TaskID       uuid.UUID  `json:"task_id"`
	PageNumber   int        `json:"page_number"`
	FormatType   string     `json:"format_type"`
	Status       string     `json:"status"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	RetryCount   int        `json:"retry_count"`
	ResultKey    *string    `json:"result_key,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// PageCounts is the status breakdown of one task's page set, read within the
// same transaction as the status write so the aggregate is race-free.
type PageCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// Total returns the number of page rows in the set.
func (c PageCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Cancelled
}
