package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagemill/backend/internal/models"
)

// ErrAlreadyClaimed is returned when a claim targets a page that is not
// pending. The caller should poll for a different page.
var ErrAlreadyClaimed = errors.New("page already claimed")

type PageRepo struct {
	pool *pgxpool.Pool
}

func NewPageRepo(pool *pgxpool.Pool) *PageRepo {
	return &PageRepo{pool: pool}
}

func (r *PageRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateBatchTx inserts the full page set of a task in one batch. Pages are
// created exactly once, at task creation.
func (r *PageRepo) CreateBatchTx(ctx context.Context, tx pgx.Tx, pages []*models.Page) error {
	batch := &pgx.Batch{}
	for _, p := range pages {
		batch.Queue(`
			INSERT INTO pages (id, task_id, page_number, format_type, status)
			VALUES ($1, $2, $3, $4, $5)
		`, p.ID, p.TaskID, p.PageNumber, p.FormatType, p.Status)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range pages {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
	}
	return nil
}

const pageColumns = `id, task_id, page_number, format_type, status, worker_id, retry_count,
	result_key, error_message, started_at, completed_at, created_at`

func scanPage(row pgx.Row) (*models.Page, error) {
	var p models.Page
	err := row.Scan(&p.ID, &p.TaskID, &p.PageNumber, &p.FormatType, &p.Status, &p.WorkerID, &p.RetryCount,
		&p.ResultKey, &p.ErrorMessage, &p.StartedAt, &p.CompletedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPageNotFound
		}
		return nil, fmt.Errorf("scan page: %w", err)
	}
	return &p, nil
}

func (r *PageRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Page, error) {
	return scanPage(r.pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, id))
}

// GetByIDForUpdate locks the page row for the duration of the transaction.
func (r *PageRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Page, error) {
	return scanPage(tx.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1 FOR UPDATE`, id))
}

// ClaimTx assigns the page to a worker. Only a pending page can be claimed;
// the conditional update is the whole race: of two concurrent claims exactly
// one matches the WHERE clause.
func (r *PageRepo) ClaimTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, workerID string) (*models.Page, error) {
	p, err := scanPage(tx.QueryRow(ctx, `
		UPDATE pages
		SET status = $3, worker_id = $2, started_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+pageColumns+`
	`, id, workerID, models.PageStatusProcessing, models.PageStatusPending))
	if err != nil {
		if errors.Is(err, ErrPageNotFound) {
			// Distinguish a missing page from a lost claim race.
			if _, getErr := scanPage(tx.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, id)); getErr != nil {
				return nil, getErr
			}
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}
	return p, nil
}

// NextPendingTx picks the oldest claimable page, skipping rows other workers
// are claiming right now. Returns ErrPageNotFound when none is available.
func (r *PageRepo) NextPendingTx(ctx context.Context, tx pgx.Tx) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id FROM pages
		WHERE status = $1
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, models.PageStatusPending).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrPageNotFound
		}
		return uuid.Nil, fmt.Errorf("select next pending page: %w", err)
	}
	return id, nil
}

// MarkCompletedTx resolves a processing page to completed. A zero row count
// means the resolution lost a race (reclaim or cancellation) and is a no-op.
func (r *PageRepo) MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resultKey string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE pages
		SET status = $3, result_key = $2, error_message = NULL, completed_at = now()
		WHERE id = $1 AND status = $4
	`, id, resultKey, models.PageStatusCompleted, models.PageStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark page completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReturnForRetryTx sends a failed processing page back to pending and charges
// one retry. The worker assignment is cleared so any worker may pick it up.
func (r *PageRepo) ReturnForRetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE pages
		SET status = $3, retry_count = retry_count + 1, worker_id = NULL, started_at = NULL, error_message = $2
		WHERE id = $1 AND status = $4
	`, id, errMsg, models.PageStatusPending, models.PageStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("return page for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailedTx resolves a processing page to terminal failed after its last
// allowed attempt.
func (r *PageRepo) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE pages
		SET status = $3, retry_count = retry_count + 1, error_message = $2, completed_at = now()
		WHERE id = $1 AND status = $4
	`, id, errMsg, models.PageStatusFailed, models.PageStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark page failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelOpenTx terminally cancels every page of the task that has not
// resolved yet. In-flight worker claims are not interrupted; their late
// resolutions land on non-processing rows and become no-ops.
func (r *PageRepo) CancelOpenTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE pages
		SET status = $2, worker_id = NULL, completed_at = now()
		WHERE task_id = $1 AND status IN ($3, $4)
	`, taskID, models.PageStatusCancelled, models.PageStatusPending, models.PageStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("cancel open pages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByTaskTx reads the status breakdown of the task's page set. Run inside
// the same transaction as the status write that follows it.
func (r *PageRepo) CountByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (models.PageCounts, error) {
	rows, err := tx.Query(ctx, `
		SELECT status, COUNT(*) FROM pages WHERE task_id = $1 GROUP BY status
	`, taskID)
	if err != nil {
		return models.PageCounts{}, fmt.Errorf("count pages: %w", err)
	}
	defer rows.Close()

	var c models.PageCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.PageCounts{}, fmt.Errorf("scan page count: %w", err)
		}
		switch status {
		case models.PageStatusPending:
			c.Pending = n
		case models.PageStatusProcessing:
			c.Processing = n
		case models.PageStatusCompleted:
			c.Completed = n
		case models.PageStatusFailed:
			c.Failed = n
		case models.PageStatusCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

// ReclaimStale returns processing pages claimed before the cutoff to pending
// without charging a retry: an infrastructure timeout is not a processing
// failure. Returns the number of reclaimed pages and the affected task IDs so
// their statuses can be recomputed.
func (r *PageRepo) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, []uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE pages
		SET status = $1, worker_id = NULL, started_at = NULL
		WHERE status = $2 AND started_at < $3
		RETURNING task_id
	`, models.PageStatusPending, models.PageStatusProcessing, cutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("reclaim stale pages: %w", err)
	}
	defer rows.Close()

	var count int64
	seen := make(map[uuid.UUID]bool)
	var taskIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, nil, fmt.Errorf("scan reclaimed task id: %w", err)
		}
		count++
		if !seen[id] {
			seen[id] = true
			taskIDs = append(taskIDs, id)
		}
	}
	return count, taskIDs, rows.Err()
}

func (r *PageRepo) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Page, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE task_id = $1
		ORDER BY page_number, format_type
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var list []*models.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
