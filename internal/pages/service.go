// Package pages is the page tracker: it hands claims to workers, applies
// resolutions with bounded retries, and recovers stale claims. Every page
// transition re-runs the task's status aggregation inside the same
// transaction.
package pages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagemill/backend/internal/metrics"
	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/repository"
)

// ErrAlreadyClaimed re-exports the repository sentinel: the page is not
// pending, the caller should poll for another one.
var ErrAlreadyClaimed = repository.ErrAlreadyClaimed

// ErrNoPendingPages is returned by ClaimNext when nothing is claimable.
var ErrNoPendingPages = errors.New("no pending pages")

// ErrRetryLimitExceeded is returned when a failed resolution exhausts the
// page's retry budget and the page goes terminal.
var ErrRetryLimitExceeded = errors.New("retry limit exceeded")

// PageRepo is the minimal page repository interface for the tracker.
type PageRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Page, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Page, error)
	ClaimTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, workerID string) (*models.Page, error)
	NextPendingTx(ctx context.Context, tx pgx.Tx) (uuid.UUID, error)
	MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resultKey string) (bool, error)
	ReturnForRetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) (bool, error)
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) (bool, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, []uuid.UUID, error)
}

// Aggregator recomputes the parent task's status after a page transition and
// publishes the settled event once the transaction has committed.
type Aggregator interface {
	RecomputeTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.TaskSettledEvent, error)
	PublishSettled(ctx context.Context, ev *models.TaskSettledEvent)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool       TxBeginner
	pages      PageRepo
	aggregator Aggregator
	maxRetries int
	logger     *slog.Logger
}

func NewService(pool TxBeginner, pages PageRepo, aggregator Aggregator, maxRetries int, logger *slog.Logger) *Service {
	return &Service{pool: pool, pages: pages, aggregator: aggregator, maxRetries: maxRetries, logger: logger}
}

// Claim assigns the page to the worker. Exactly one of any number of
// concurrent claims for the same page succeeds; the rest get
// ErrAlreadyClaimed and should poll for different work.
func (s *Service) Claim(ctx context.Context, pageID uuid.UUID, workerID string) (*models.Page, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	page, err := s.pages.ClaimTx(ctx, tx, pageID, workerID)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			metrics.ClaimConflicts.Inc()
		}
		return nil, err
	}

	ev, err := s.aggregator.RecomputeTx(ctx, tx, page.TaskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.aggregator.PublishSettled(ctx, ev)
	return page, nil
}

// ClaimNext hands the worker the oldest claimable page, or ErrNoPendingPages.
// SKIP LOCKED keeps concurrent callers from queueing on the same row.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*models.Page, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := s.pages.NextPendingTx(ctx, tx)
	if err != nil {
		if errors.Is(err, repository.ErrPageNotFound) {
			return nil, ErrNoPendingPages
		}
		return nil, err
	}
	page, err := s.pages.ClaimTx(ctx, tx, id, workerID)
	if err != nil {
		return nil, err
	}

	ev, err := s.aggregator.RecomputeTx(ctx, tx, page.TaskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.aggregator.PublishSettled(ctx, ev)
	return page, nil
}

// Resolve applies a worker's outcome to a processing page. A failed outcome
// below the retry budget returns the page to pending; at the budget the page
// goes terminal and ErrRetryLimitExceeded is returned alongside the update.
// A resolution that finds the page no longer processing lost a race against
// the stale sweep or a cancellation and is accepted as a no-op.
func (s *Service) Resolve(ctx context.Context, pageID uuid.UUID, outcome, resultKey, errMsg string) (*models.Page, error) {
	if outcome != models.PageOutcomeCompleted && outcome != models.PageOutcomeFailed {
		return nil, fmt.Errorf("invalid outcome %q", outcome)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	page, err := s.pages.GetByIDForUpdate(ctx, tx, pageID)
	if err != nil {
		return nil, err
	}
	if page.Status != models.PageStatusProcessing {
		s.logger.Info("resolution ignored for non-processing page",
			"page_id", pageID, "status", page.Status, "outcome", outcome)
		return page, nil
	}

	var retryExhausted bool
	now := time.Now()
	switch outcome {
	case models.PageOutcomeCompleted:
		if _, err := s.pages.MarkCompletedTx(ctx, tx, pageID, resultKey); err != nil {
			return nil, err
		}
		page.Status = models.PageStatusCompleted
		page.ResultKey = &resultKey
		page.ErrorMessage = nil
		page.CompletedAt = &now
		metrics.PagesResolved.WithLabelValues("completed").Inc()

	case models.PageOutcomeFailed:
		page.RetryCount++
		page.ErrorMessage = &errMsg
		if page.RetryCount < s.maxRetries {
			if _, err := s.pages.ReturnForRetryTx(ctx, tx, pageID, errMsg); err != nil {
				return nil, err
			}
			page.Status = models.PageStatusPending
			page.WorkerID = nil
			page.StartedAt = nil
			metrics.PagesResolved.WithLabelValues("retried").Inc()
		} else {
			if _, err := s.pages.MarkFailedTx(ctx, tx, pageID, errMsg); err != nil {
				return nil, err
			}
			page.Status = models.PageStatusFailed
			page.CompletedAt = &now
			retryExhausted = true
			metrics.PagesResolved.WithLabelValues("failed").Inc()
		}
	}

	ev, err := s.aggregator.RecomputeTx(ctx, tx, page.TaskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.aggregator.PublishSettled(ctx, ev)

	if retryExhausted {
		return page, ErrRetryLimitExceeded
	}
	return page, nil
}

// ReclaimStale sweeps processing pages whose claim is older than olderThan
// back to pending, without charging a retry: an infrastructure timeout is not
// a processing failure. Safe to run concurrently with itself and with normal
// resolutions. Affected tasks are recomputed afterwards.
func (s *Service) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	count, taskIDs, err := s.pages.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	metrics.StaleReclaimed.Add(float64(count))
	s.logger.Info("stale pages reclaimed", "count", count, "tasks", len(taskIDs))

	for _, taskID := range taskIDs {
		if err := s.recompute(ctx, taskID); err != nil {
			return count, fmt.Errorf("recompute task %s after reclaim: %w", taskID, err)
		}
	}
	return count, nil
}

func (s *Service) recompute(ctx context.Context, taskID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := s.aggregator.RecomputeTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.aggregator.PublishSettled(ctx, ev)
	return nil
}

// Get returns a single page.
func (s *Service) Get(ctx context.Context, pageID uuid.UUID) (*models.Page, error) {
	return s.pages.GetByID(ctx, pageID)
}
