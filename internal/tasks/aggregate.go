package tasks

import "github.com/pagemill/backend/internal/models"

// AggregateStatus derives a task's status from the status breakdown of its
// page set. The order of the checks is a deliberate tie-break: a set with
// some completed and some failed pages, and nothing still open, resolves to
// failed. Partial success is not success.
//
// The function is pure and idempotent: the same counts always produce the
// same status, regardless of the order page resolutions arrived in.
func AggregateStatus(c models.PageCounts) string {
	total := c.Total()
	switch {
	case total > 0 && c.Completed == total:
		return models.TaskStatusCompleted
	case c.Failed > 0 && c.Pending == 0 && c.Processing == 0:
		return models.TaskStatusFailed
	case c.Processing > 0:
		return models.TaskStatusProcessing
	default:
		return models.TaskStatusPending
	}
}
