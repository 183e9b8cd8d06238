// Package payments applies verified gateway payments to the credit ledger.
// Verification already happened in the payment collaborator; this core only
// applies the result, exactly once per external payment id.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/repository"
)

// PaymentRepo is the minimal payment repository interface for the service.
type PaymentRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error
	GetByExternalID(ctx context.Context, externalPaymentID string) (*models.Payment, error)
}

// LedgerService is the subset of the balance guard used here.
type LedgerService interface {
	PurchaseTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int64, paymentID uuid.UUID, description string, actor models.Actor) (*models.LedgerEntry, error)
	EntryByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
}

// AuditRepo records applied payments in the compliance log.
type AuditRepo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, rec *models.AuditRecord) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool     TxBeginner
	payments PaymentRepo
	ledger   LedgerService
	audit    AuditRepo
	logger   *slog.Logger
}

func NewService(pool TxBeginner, payments PaymentRepo, ledger LedgerService, audit AuditRepo, logger *slog.Logger) *Service {
	return &Service{pool: pool, payments: payments, ledger: ledger, audit: audit, logger: logger}
}

// Result is the applied payment with the ledger entry it produced. Replayed
// tells the caller whether this call created the record or found an earlier
// application of the same external payment id.
type Result struct {
	Payment  *models.Payment     `json:"payment"`
	Entry    *models.LedgerEntry `json:"entry"`
	Replayed bool                `json:"replayed"`
}

// ApplyVerifiedPayment credits the purchased amount and records the payment,
// idempotent on externalPaymentID: re-submission returns the existing result
// instead of creating a duplicate. A concurrent duplicate loses on the unique
// index and is replayed the same way.
func (s *Service) ApplyVerifiedPayment(ctx context.Context, userID uuid.UUID, externalPaymentID string, amount decimal.Decimal, credits int64, actor models.Actor) (*Result, error) {
	if externalPaymentID == "" {
		return nil, errors.New("external payment id is required")
	}
	if credits <= 0 {
		return nil, fmt.Errorf("credits must be positive, got %d", credits)
	}

	if existing, err := s.payments.GetByExternalID(ctx, externalPaymentID); err == nil {
		return s.replay(ctx, existing)
	} else if !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, err
	}

	result, err := s.apply(ctx, userID, externalPaymentID, amount, credits, actor)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// Lost the race against a concurrent submission of the same
			// payment; the winner's record is the result.
			existing, getErr := s.payments.GetByExternalID(ctx, externalPaymentID)
			if getErr != nil {
				return nil, getErr
			}
			return s.replay(ctx, existing)
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, userID uuid.UUID, externalPaymentID string, amount decimal.Decimal, credits int64, actor models.Actor) (*Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	payment := &models.Payment{
		ID:                uuid.New(),
		UserID:            userID,
		ExternalPaymentID: externalPaymentID,
		AmountCurrency:    amount,
		CreditsPurchased:  credits,
		Status:            models.PaymentStatusCompleted,
	}

	entry, err := s.ledger.PurchaseTx(ctx, tx, userID, credits, payment.ID,
		fmt.Sprintf("purchase of %d credits (payment %s)", credits, externalPaymentID), actor)
	if err != nil {
		return nil, err
	}
	payment.LedgerEntryID = entry.ID

	if err := s.payments.CreateTx(ctx, tx, payment); err != nil {
		return nil, err
	}

	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:             uuid.New(),
		UserID:         userID,
		Action:         models.AuditActionPaymentApplied,
		EntityType:     "payment",
		EntityID:       &payment.ID,
		Description:    fmt.Sprintf("applied payment %s: %s for %d credits", externalPaymentID, amount.StringFixed(2), credits),
		ActorIP:        actor.IP,
		ActorUserAgent: actor.UserAgent,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Info("payment applied", "user_id", userID, "external_payment_id", externalPaymentID, "credits", credits)
	return &Result{Payment: payment, Entry: entry}, nil
}

func (s *Service) replay(ctx context.Context, existing *models.Payment) (*Result, error) {
	entry, err := s.ledger.EntryByID(ctx, existing.LedgerEntryID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("duplicate payment replayed", "external_payment_id", existing.ExternalPaymentID)
	return &Result{Payment: existing, Entry: entry, Replayed: true}, nil
}
