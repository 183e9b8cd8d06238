// Package execution runs page-processing jobs on the River worker pool. The
// extraction itself happens in an external engine reached over HTTP; this
// package only claims pages, hands them to the engine, and reports outcomes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/pages"
)

// ProcessPageArgs is the payload of one page-processing job. One job is
// enqueued per page row, in the same transaction that created the page.
type ProcessPageArgs struct {
	PageID     uuid.UUID `json:"page_id"`
	TaskID     uuid.UUID `json:"task_id"`
	SourceKey  string    `json:"source_key"`
	PageNumber int       `json:"page_number"`
	FormatType string    `json:"format_type"`
}

func (ProcessPageArgs) Kind() string { return "process_page" }

// PageService is the contract the worker needs to claim and resolve pages.
type PageService interface {
	Claim(ctx context.Context, pageID uuid.UUID, workerID string) (*models.Page, error)
	Resolve(ctx context.Context, pageID uuid.UUID, outcome, resultKey, errMsg string) (*models.Page, error)
}

// Extractor is the external extraction engine. It reads the source document
// from object storage by key and writes the result back, returning the result
// key. This core never touches document bytes.
type Extractor interface {
	ExtractPage(ctx context.Context, req ExtractRequest) (resultKey string, err error)
}

// ExtractRequest identifies one unit of extraction work.
type ExtractRequest struct {
	TaskID     uuid.UUID `json:"task_id"`
	SourceKey  string    `json:"source_key"`
	PageNumber int       `json:"page_number"`
	FormatType string    `json:"format_type"`
}

type ProcessPageWorker struct {
	river.WorkerDefaults[ProcessPageArgs]
	pages     PageService
	extractor Extractor
	workerID  string
	logger    *slog.Logger
}

func NewProcessPageWorker(ps PageService, extractor Extractor, logger *slog.Logger) *ProcessPageWorker {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return &ProcessPageWorker{
		pages:     ps,
		extractor: extractor,
		workerID:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger:    logger,
	}
}

// Work claims the page, runs extraction, and resolves the outcome.
//
// A claim that loses means the page is held elsewhere or already terminal;
// the job is done. An extraction failure is a genuine processing failure: it
// is resolved as failed (consuming a retry) and the error is returned so
// River schedules another attempt, which finds the page pending again unless
// the retry budget ran out.
func (w *ProcessPageWorker) Work(ctx context.Context, job *river.Job[ProcessPageArgs]) error {
	args := job.Args

	page, err := w.pages.Claim(ctx, args.PageID, w.workerID)
	if err != nil {
		if errors.Is(err, pages.ErrAlreadyClaimed) {
			return nil
		}
		return fmt.Errorf("claim page %s: %w", args.PageID, err)
	}

	resultKey, err := w.extractor.ExtractPage(ctx, ExtractRequest{
		TaskID:     args.TaskID,
		SourceKey:  args.SourceKey,
		PageNumber: args.PageNumber,
		FormatType: args.FormatType,
	})
	if err != nil {
		w.logger.Warn("page extraction failed",
			"page_id", page.ID, "task_id", args.TaskID, "page", args.PageNumber, "format", args.FormatType, "error", err)
		if _, resolveErr := w.pages.Resolve(ctx, args.PageID, models.PageOutcomeFailed, "", err.Error()); resolveErr != nil {
			if errors.Is(resolveErr, pages.ErrRetryLimitExceeded) {
				return nil
			}
			return fmt.Errorf("extraction failed (%v) and resolution failed: %w", err, resolveErr)
		}
		return fmt.Errorf("extraction failed, page returned for retry: %w", err)
	}

	if _, err := w.pages.Resolve(ctx, args.PageID, models.PageOutcomeCompleted, resultKey, ""); err != nil {
		return fmt.Errorf("mark page completed: %w", err)
	}
	return nil
}
