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

// ErrInvariantViolation marks an entry whose arithmetic does not hold. It is
// always a programming defect: the write is aborted, never silently corrected.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// InvariantViolationError carries the offending values for the defect report.
type InvariantViolationError struct {
	UserID        uuid.UUID
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violation for user %s: %d + %d != %d",
		e.UserID, e.BalanceBefore, e.Amount, e.BalanceAfter)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// LedgerRepo is the append-only ledger store. Entries are never updated or
// deleted; corrections are new entries.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// AppendTx writes one entry inside the caller's transaction. The arithmetic
// invariant is checked here at write time; the schema enforces it again.
func (r *LedgerRepo) AppendTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if e.Amount == 0 || e.BalanceBefore+e.Amount != e.BalanceAfter {
		return &InvariantViolationError{
			UserID:        e.UserID,
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
		}
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, entry_type, status, amount, balance_before, balance_after,
			related_task_id, related_payment_id, description, actor_ip, actor_user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, e.ID, e.UserID, e.EntryType, e.Status, e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.RelatedTaskID, e.RelatedPaymentID, e.Description, e.ActorIP, e.ActorUserAgent).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, entry_type, status, amount, balance_before, balance_after,
			related_task_id, related_payment_id, description, actor_ip, actor_user_agent, created_at
		FROM ledger_entries WHERE id = $1
	`, id).Scan(&e.ID, &e.UserID, &e.EntryType, &e.Status, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.RelatedTaskID, &e.RelatedPaymentID, &e.Description, &e.ActorIP, &e.ActorUserAgent, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry %s not found", id)
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return &e, nil
}

// History returns the user's entries, most recent first.
func (r *LedgerRepo) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entry_type, status, amount, balance_before, balance_after,
			related_task_id, related_payment_id, description, actor_ip, actor_user_agent, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Status, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&e.RelatedTaskID, &e.RelatedPaymentID, &e.Description, &e.ActorIP, &e.ActorUserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// StatsFor aggregates over the user's entries. Nothing here is denormalized:
// the numbers are recomputed from the ledger on every call.
func (r *LedgerRepo) StatsFor(ctx context.Context, userID uuid.UUID) (*models.LedgerStats, error) {
	var s models.LedgerStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type = $2), 0),
			COALESCE(-SUM(amount) FILTER (WHERE entry_type = $3), 0),
			COALESCE(SUM(amount) FILTER (WHERE entry_type = $4), 0),
			COUNT(DISTINCT related_task_id) FILTER (WHERE entry_type = $3)
		FROM ledger_entries
		WHERE user_id = $1
	`, userID, models.EntryTypePurchase, models.EntryTypeDeduction, models.EntryTypeRefund).
		Scan(&s.TotalPurchased, &s.TotalUsed, &s.TotalRefunded, &s.TotalTasks)
	if err != nil {
		return nil, fmt.Errorf("aggregate ledger stats: %w", err)
	}
	return &s, nil
}

// SumForUserTx folds one account's entries inside the caller's transaction.
// Used by the reconciliation repair pass while the account row is locked.
func (r *LedgerRepo) SumForUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	return sum, nil
}

// BalanceFold is one account's cached balance next to the fold over its
// ledger entries. The two must agree; a mismatch is drift.
type BalanceFold struct {
	UserID uuid.UUID
	Cached int64
	Folded int64
}

// FoldBalances recomputes every account's balance from its entries.
func (r *LedgerRepo) FoldBalances(ctx context.Context) ([]BalanceFold, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(l.amount), 0)
		FROM accounts a
		LEFT JOIN ledger_entries l ON l.user_id = a.id
		GROUP BY a.id, a.balance
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("fold balances: %w", err)
	}
	defer rows.Close()

	var list []BalanceFold
	for rows.Next() {
		var f BalanceFold
		if err := rows.Scan(&f.UserID, &f.Cached, &f.Folded); err != nil {
			return nil, fmt.Errorf("scan balance fold: %w", err)
		}
		list = append(list, f)
	}
	return list, rows.Err()
}
