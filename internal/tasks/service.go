// Package tasks owns the task lifecycle: creation with its credit
// reservation, status aggregation over the page set, one-shot settlement, and
// cancellation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagemill/backend/internal/execution"
	"github.com/pagemill/backend/internal/ledger"
	"github.com/pagemill/backend/internal/metrics"
	"github.com/pagemill/backend/internal/models"
)

var (
	// ErrNotTaskOwner is returned when a caller operates on another user's task.
	ErrNotTaskOwner = errors.New("task belongs to another user")
	// ErrTaskAlreadyResolved is returned when cancelling a task that already
	// reached a terminal status.
	ErrTaskAlreadyResolved = errors.New("task already resolved")
	// ErrTaskNotResolved is returned when purging a task that is still open.
	ErrTaskNotResolved = errors.New("task not yet resolved")
)

// TaskRepo is the minimal task repository interface for the service.
type TaskRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateAggregateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	MarkSettledTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error)
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// PageRepo is the minimal page repository interface for the service.
type PageRepo interface {
	CreateBatchTx(ctx context.Context, tx pgx.Tx, pages []*models.Page) error
	CountByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (models.PageCounts, error)
	CancelOpenTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (int64, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Page, error)
}

// LedgerService is the subset of the balance guard used for reservation and
// settlement.
type LedgerService interface {
	HasSufficientBalance(ctx context.Context, userID uuid.UUID, amount int64) (bool, int64, error)
	DeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, taskID *uuid.UUID, description string, actor models.Actor) (*models.LedgerEntry, error)
	RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, taskID *uuid.UUID, reason string, actor models.Actor) (*models.LedgerEntry, error)
}

// AuditRepo records lifecycle actions in the compliance log.
type AuditRepo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, rec *models.AuditRecord) error
}

// Publisher receives the settled event, exactly once per task. Downstream
// versioning/notification collaborators sit behind this interface.
type Publisher interface {
	TaskSettled(ctx context.Context, ev models.TaskSettledEvent)
}

// LogPublisher is the default Publisher: it just logs the event.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) TaskSettled(_ context.Context, ev models.TaskSettledEvent) {
	p.Logger.Info("task settled",
		"task_id", ev.TaskID, "user_id", ev.UserID, "final_status", ev.FinalStatus, "credits_used", ev.CreditsUsed)
}

// EnqueuePageTxFunc enqueues a page-processing job within the given
// transaction. Provided by main as a closure over river.Client.InsertTx.
type EnqueuePageTxFunc func(ctx context.Context, tx pgx.Tx, args execution.ProcessPageArgs) error

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool           TxBeginner
	tasks          TaskRepo
	pages          PageRepo
	ledger         LedgerService
	audit          AuditRepo
	publisher      Publisher
	enqueuePage    EnqueuePageTxFunc
	creditsPerPage int64
	logger         *slog.Logger
}

func NewService(
	pool TxBeginner,
	tasks TaskRepo,
	pages PageRepo,
	ledger LedgerService,
	audit AuditRepo,
	publisher Publisher,
	enqueuePage EnqueuePageTxFunc,
	creditsPerPage int64,
	logger *slog.Logger,
) *Service {
	return &Service{
		pool:           pool,
		tasks:          tasks,
		pages:          pages,
		ledger:         ledger,
		audit:          audit,
		publisher:      publisher,
		enqueuePage:    enqueuePage,
		creditsPerPage: creditsPerPage,
		logger:         logger,
	}
}

// Cost returns the credit price of a task: one unit per page per output
// format.
func (s *Service) Cost(pageCount, formatCount int) int64 {
	return int64(pageCount) * int64(formatCount) * s.creditsPerPage
}

// Create reserves the task's full credit cost and creates the task, its page
// rows, and their processing jobs in one transaction. On insufficient balance
// nothing is written: no partial task ever exists.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, sourceKey string, pageCount int, formatTypes []string, actor models.Actor) (*models.Task, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("page count must be positive, got %d", pageCount)
	}
	if sourceKey == "" {
		return nil, errors.New("source key is required")
	}
	formats, err := normalizeFormats(formatTypes)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:          uuid.New(),
		UserID:      userID,
		SourceKey:   sourceKey,
		Status:      models.TaskStatusPending,
		PageCount:   pageCount,
		FormatTypes: formats,
	}
	cost := s.Cost(pageCount, len(formats))

	// Unlocked pre-check so an obviously short account never opens the
	// transaction or enqueues jobs. DeductTx re-checks under the row lock.
	ok, balance, err := s.ledger.HasSufficientBalance(ctx, userID, cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.InsufficientBalance.Inc()
		return nil, &ledger.InsufficientBalanceError{Balance: balance, Requested: cost}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.tasks.CreateTx(ctx, tx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	// Reservation: the deduction is written up front; settlement later either
	// confirms it (success) or refunds it (failure/cancellation).
	if _, err := s.ledger.DeductTx(ctx, tx, userID, cost, &task.ID,
		fmt.Sprintf("credit reservation for task %s (%d pages x %d formats)", task.ID, pageCount, len(formats)), actor); err != nil {
		return nil, err
	}

	pages := make([]*models.Page, 0, pageCount*len(formats))
	for n := 1; n <= pageCount; n++ {
		for _, f := range formats {
			pages = append(pages, &models.Page{
				ID:         uuid.New(),
				TaskID:     task.ID,
				PageNumber: n,
				FormatType: f,
				Status:     models.PageStatusPending,
			})
		}
	}
	if err := s.pages.CreateBatchTx(ctx, tx, pages); err != nil {
		return nil, fmt.Errorf("create pages: %w", err)
	}

	for _, p := range pages {
		if err := s.enqueuePage(ctx, tx, execution.ProcessPageArgs{
			PageID:     p.ID,
			TaskID:     task.ID,
			SourceKey:  sourceKey,
			PageNumber: p.PageNumber,
			FormatType: p.FormatType,
		}); err != nil {
			return nil, fmt.Errorf("enqueue page job: %w", err)
		}
	}

	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:             uuid.New(),
		UserID:         userID,
		Action:         models.AuditActionTaskCreated,
		EntityType:     "task",
		EntityID:       &task.ID,
		Description:    fmt.Sprintf("task %s created: %d pages, formats %s, %d credits reserved", task.ID, pageCount, strings.Join(formats, ","), cost),
		ActorIP:        actor.IP,
		ActorUserAgent: actor.UserAgent,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Info("task created", "task_id", task.ID, "user_id", userID, "pages", len(pages), "cost", cost)
	return task, nil
}

// RecomputeTx re-derives the task's status from its full page set, inside the
// caller's transaction. It is invoked after every page transition. The task
// row lock serializes concurrent recomputes, so each sees a consistent set.
//
// On the first transition into a terminal status the task is settled: at most
// one caller flips the settlement guard, writes the final ledger effect, and
// gets the event back to publish after commit. Recomputing an unchanged set
// is a no-op.
func (s *Service) RecomputeTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.TaskSettledEvent, error) {
	task, err := s.tasks.GetByIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCancelled {
		// Cancellation already owns the terminal state; late page
		// resolutions must not resurrect the task.
		return nil, nil
	}

	counts, err := s.pages.CountByTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	next := AggregateStatus(counts)

	changed := next != task.Status
	now := time.Now()

	if next == models.TaskStatusProcessing && task.StartedAt == nil {
		task.StartedAt = &now
		changed = true
	}

	var ev *models.TaskSettledEvent
	if next == models.TaskStatusCompleted || next == models.TaskStatusFailed {
		if task.CompletedAt == nil {
			task.CompletedAt = &now
			changed = true
		}
		settled, err := s.tasks.MarkSettledTx(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if settled {
			ev, err = s.settleTx(ctx, tx, task, next, counts)
			if err != nil {
				return nil, err
			}
			changed = true
		}
	}

	if changed {
		task.Status = next
		if err := s.tasks.UpdateAggregateTx(ctx, tx, task); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// settleTx writes the final ledger effect for the task, exactly once. The
// reservation taken at creation is the deduction; success leaves it standing
// as the charge for the pages consumed, failure refunds it in full.
func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, task *models.Task, finalStatus string, counts models.PageCounts) (*models.TaskSettledEvent, error) {
	cost := s.Cost(task.PageCount, len(task.FormatTypes))
	actor := models.Actor{}

	switch finalStatus {
	case models.TaskStatusCompleted:
		task.CreditsUsed = cost
	case models.TaskStatusFailed:
		task.CreditsUsed = 0
		msg := fmt.Sprintf("%d of %d pages failed", counts.Failed, counts.Total())
		task.ErrorMessage = &msg
		if _, err := s.ledger.RefundTx(ctx, tx, task.UserID, cost, &task.ID,
			fmt.Sprintf("refund for failed task %s", task.ID), actor); err != nil {
			return nil, err
		}
	}

	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:          uuid.New(),
		UserID:      task.UserID,
		Action:      models.AuditActionTaskSettled,
		EntityType:  "task",
		EntityID:    &task.ID,
		Description: fmt.Sprintf("task %s settled as %s, %d credits used", task.ID, finalStatus, task.CreditsUsed),
	}); err != nil {
		return nil, err
	}

	return &models.TaskSettledEvent{
		TaskID:      task.ID,
		UserID:      task.UserID,
		FinalStatus: finalStatus,
		CreditsUsed: task.CreditsUsed,
	}, nil
}

// PublishSettled fires the settled event. Callers invoke it after the
// settling transaction has committed, never inside it.
func (s *Service) PublishSettled(ctx context.Context, ev *models.TaskSettledEvent) {
	if ev == nil {
		return
	}
	metrics.TasksSettled.WithLabelValues(ev.FinalStatus).Inc()
	s.publisher.TaskSettled(ctx, *ev)
}

// Cancel terminally cancels the task's open pages and refunds the unconsumed
// reservation. Workers holding in-flight claims are not interrupted; their
// late resolutions are accepted as no-ops and never billed.
func (s *Service) Cancel(ctx context.Context, taskID, userID uuid.UUID, actor models.Actor) (*models.Task, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, ErrNotTaskOwner
	}
	if task.IsTerminal() {
		return nil, ErrTaskAlreadyResolved
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order is page rows, then the task row, then the account row.
	// Resolution takes its locks in the same order.
	if _, err := s.pages.CancelOpenTx(ctx, tx, taskID); err != nil {
		return nil, err
	}

	task, err = s.tasks.GetByIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, ErrTaskAlreadyResolved
	}

	settled, err := s.tasks.MarkSettledTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !settled {
		return nil, ErrTaskAlreadyResolved
	}

	cost := s.Cost(task.PageCount, len(task.FormatTypes))
	if _, err := s.ledger.RefundTx(ctx, tx, userID, cost, &taskID,
		fmt.Sprintf("refund for cancelled task %s", taskID), actor); err != nil {
		return nil, err
	}

	now := time.Now()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	task.CreditsUsed = 0
	if err := s.tasks.UpdateAggregateTx(ctx, tx, task); err != nil {
		return nil, err
	}

	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:             uuid.New(),
		UserID:         userID,
		Action:         models.AuditActionTaskCancelled,
		EntityType:     "task",
		EntityID:       &taskID,
		Description:    fmt.Sprintf("task %s cancelled, %d credits refunded", taskID, cost),
		ActorIP:        actor.IP,
		ActorUserAgent: actor.UserAgent,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.PublishSettled(ctx, &models.TaskSettledEvent{
		TaskID:      taskID,
		UserID:      userID,
		FinalStatus: models.TaskStatusCancelled,
	})
	return task, nil
}

// Purge removes a terminal task and its pages. Ledger entries and audit
// records are denormalized, so the billing history stays intact after the
// rows are gone. Open tasks are refused; cancel first.
func (s *Service) Purge(ctx context.Context, taskID uuid.UUID, actor models.Actor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.tasks.GetByIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !task.IsTerminal() {
		return ErrTaskNotResolved
	}

	if err := s.tasks.DeleteTx(ctx, tx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:             uuid.New(),
		UserID:         task.UserID,
		Action:         models.AuditActionTaskPurged,
		EntityType:     "task",
		EntityID:       &taskID,
		Description:    fmt.Sprintf("task %s purged (was %s, %d credits used)", taskID, task.Status, task.CreditsUsed),
		ActorIP:        actor.IP,
		ActorUserAgent: actor.UserAgent,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Info("task purged", "task_id", taskID, "user_id", task.UserID)
	return nil
}

// Get returns the task with its page set.
func (s *Service) Get(ctx context.Context, taskID, userID uuid.UUID) (*models.Task, []*models.Page, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.UserID != userID {
		return nil, nil, ErrNotTaskOwner
	}
	pages, err := s.pages.ListByTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, pages, nil
}

// ListByUser returns the user's tasks, most recent first.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.tasks.ListByUser(ctx, userID, limit, offset)
}

func normalizeFormats(formatTypes []string) ([]string, error) {
	if len(formatTypes) == 0 {
		return nil, errors.New("at least one format type is required")
	}
	seen := make(map[string]bool, len(formatTypes))
	out := make([]string, 0, len(formatTypes))
	for _, f := range formatTypes {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			return nil, errors.New("format type must not be empty")
		}
		if seen[f] {
			return nil, fmt.Errorf("duplicate format type %q", f)
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}
