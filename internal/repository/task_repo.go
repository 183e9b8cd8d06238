package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagemill/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, source_key, status, page_count, format_types, credits_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.SourceKey, t.Status, t.PageCount, t.FormatTypes, t.CreditsUsed).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

const taskColumns = `id, user_id, source_key, status, page_count, format_types, credits_used,
	error_message, settled_at, started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.UserID, &t.SourceKey, &t.Status, &t.PageCount, &t.FormatTypes, &t.CreditsUsed,
		&t.ErrorMessage, &t.SettledAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row. Concurrent page resolutions for the
// same task serialize their recompute on this lock, so each one sees a
// consistent page set.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// UpdateAggregateTx writes the derived fields after a recompute.
func (r *TaskRepo) UpdateAggregateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $2, credits_used = $3, error_message = $4, started_at = $5, completed_at = $6, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Status, t.CreditsUsed, t.ErrorMessage, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("update task aggregate: %w", err)
	}
	return nil
}

// MarkSettledTx arms the one-shot settlement guard. It reports true only for
// the single caller that actually flips the flag; redelivered recomputes get
// false and must not touch the ledger again.
func (r *TaskRepo) MarkSettledTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET settled_at = now(), updated_at = now()
		WHERE id = $1 AND settled_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark task settled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// DeleteTx removes the task; its pages go with it via the cascade. Ledger
// entries and audit records are denormalized and survive the purge.
func (r *TaskRepo) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}
