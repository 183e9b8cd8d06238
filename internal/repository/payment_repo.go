package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagemill/backend/internal/models"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

// CreateTx inserts the payment record alongside its purchase ledger entry.
// The unique index on external_payment_id is the idempotency backstop; the
// caller maps its violation to a replay of the existing record.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, ledger_entry_id, external_payment_id, amount_currency, credits_purchased, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, p.ID, p.UserID, p.LedgerEntryID, p.ExternalPaymentID, p.AmountCurrency, p.CreditsPurchased, p.Status).
		Scan(&p.CreatedAt)
}

func (r *PaymentRepo) GetByExternalID(ctx context.Context, externalPaymentID string) (*models.Payment, error) {
	var p models.Payment
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, ledger_entry_id, external_payment_id, amount_currency, credits_purchased, status, created_at
		FROM payments WHERE external_payment_id = $1
	`, externalPaymentID).Scan(&p.ID, &p.UserID, &p.LedgerEntryID, &p.ExternalPaymentID, &p.AmountCurrency,
		&p.CreditsPurchased, &p.Status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}
