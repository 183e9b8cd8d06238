package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagemill/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create inserts an account with a zero balance. The initial grant, if any,
// arrives as a ledger entry like every other balance change.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, balance)
		VALUES ($1, $2)
		RETURNING created_at, updated_at
	`, a.ID, a.Balance).Scan(&a.CreatedAt, &a.UpdatedAt)
}

// CreateTx is Create inside the caller's transaction. A duplicate id maps to
// ErrAccountExists.
func (r *AccountRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO accounts (id, balance)
		VALUES ($1, $2)
		RETURNING created_at, updated_at
	`, a.ID, a.Balance).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrAccountExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// GetByIDForUpdate locks the account row for the duration of the transaction.
// This is the per-account critical section: every balance mutation for one
// account is serialized behind it, while unrelated accounts never contend.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(ctx, `
		SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&a.ID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return &a, nil
}

// UpdateBalanceTx sets the cached balance. Call only after GetByIDForUpdate in
// the same transaction, alongside the ledger entry that explains the change.
func (r *AccountRepo) UpdateBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = $2, updated_at = now() WHERE id = $1
	`, id, balance)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
