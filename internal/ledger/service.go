// Package ledger is the balance guard: every credit mutation for an account
// goes through here, serialized on the account row lock and recorded as an
// immutable ledger entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagemill/backend/internal/metrics"
	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/repository"
)

// AccountRepo is the minimal account repository interface for the guard.
type AccountRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	UpdateBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance int64) error
}

// EntryRepo is the minimal ledger store interface for the guard.
type EntryRepo interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	StatsFor(ctx context.Context, userID uuid.UUID) (*models.LedgerStats, error)
	FoldBalances(ctx context.Context) ([]repository.BalanceFold, error)
	SumForUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error)
}

// AuditRepo records grants and balance repairs in the compliance log.
type AuditRepo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, rec *models.AuditRecord) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service serializes balance mutations per account. Every mutating call locks
// the single account row, re-reads the balance under the lock, validates,
// then writes the entry and the new cached balance as one atomic unit.
// Different accounts never contend.
type Service struct {
	pool     TxBeginner
	accounts AccountRepo
	entries  EntryRepo
	audit    AuditRepo
	logger   *slog.Logger
}

func NewService(pool TxBeginner, accounts AccountRepo, entries EntryRepo, audit AuditRepo, logger *slog.Logger) *Service {
	return &Service{pool: pool, accounts: accounts, entries: entries, audit: audit, logger: logger}
}

// CreateAccount provisions a new account. A positive initialGrant is written
// as an initial_grant ledger entry in the same transaction, so a freshly
// provisioned account already has its opening balance explained by the ledger.
func (s *Service) CreateAccount(ctx context.Context, userID uuid.UUID, initialGrant int64, actor models.Actor) (*models.Account, error) {
	if initialGrant < 0 {
		return nil, fmt.Errorf("initial grant must not be negative, got %d", initialGrant)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc := &models.Account{ID: userID}
	if err := s.accounts.CreateTx(ctx, tx, acc); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	if initialGrant > 0 {
		entry, err := s.GrantTx(ctx, tx, userID, initialGrant, models.EntryTypeInitialGrant, "initial grant", actor)
		if err != nil {
			return nil, err
		}
		acc.Balance = entry.BalanceAfter
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Info("account created", "user_id", userID, "initial_grant", initialGrant)
	return acc, nil
}

// HasSufficientBalance is the unlocked pre-check used before a task is
// created, returning the cached balance it observed. The authoritative check
// happens again under the row lock in DeductTx.
func (s *Service) HasSufficientBalance(ctx context.Context, userID uuid.UUID, amount int64) (bool, int64, error) {
	acc, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return false, 0, ErrAccountNotFound
		}
		return false, 0, err
	}
	return acc.Balance >= amount, acc.Balance, nil
}

// Balance returns the cached balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	acc, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return acc.Balance, nil
}

// DeductTx debits amount credits inside the caller's transaction. Fails fast
// with InsufficientBalanceError before writing anything; no partial write
// ever happens.
func (s *Service) DeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, taskID *uuid.UUID, description string, actor models.Actor) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}
	acc, err := s.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Balance < amount {
		metrics.InsufficientBalance.Inc()
		return nil, &InsufficientBalanceError{Balance: acc.Balance, Requested: amount}
	}
	return s.append(ctx, tx, &models.LedgerEntry{
		ID:            uuid.New(),
		UserID:        userID,
		EntryType:     models.EntryTypeDeduction,
		Status:        models.EntryStatusCompleted,
		Amount:        -amount,
		BalanceBefore: acc.Balance,
		BalanceAfter:  acc.Balance - amount,
		RelatedTaskID: taskID,
		Description:   description,
		ActorIP:       actor.IP,
		ActorUserAgent: actor.UserAgent,
	})
}

// Deduct is DeductTx in its own transaction.
func (s *Service) Deduct(ctx context.Context, userID uuid.UUID, amount int64, taskID *uuid.UUID, description string, actor models.Actor) (*models.LedgerEntry, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*models.LedgerEntry, error) {
		return s.DeductTx(ctx, tx, userID, amount, taskID, description, actor)
	})
}

// RefundTx credits amount back to the account. Refunds never fail on business
// grounds, only on an unknown account.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, taskID *uuid.UUID, reason string, actor models.Actor) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	acc, err := s.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return s.append(ctx, tx, &models.LedgerEntry{
		ID:            uuid.New(),
		UserID:        userID,
		EntryType:     models.EntryTypeRefund,
		Status:        models.EntryStatusCompleted,
		Amount:        amount,
		BalanceBefore: acc.Balance,
		BalanceAfter:  acc.Balance + amount,
		RelatedTaskID: taskID,
		Description:   reason,
		ActorIP:       actor.IP,
		ActorUserAgent: actor.UserAgent,
	})
}

// Refund is RefundTx in its own transaction.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, taskID *uuid.UUID, reason string, actor models.Actor) (*models.LedgerEntry, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*models.LedgerEntry, error) {
		return s.RefundTx(ctx, tx, userID, amount, taskID, reason, actor)
	})
}

// GrantTx applies an initial grant, promotional credit, or admin adjustment.
// Amount is signed; a negative admin adjustment is validated against the
// balance like a deduction so the account can never go negative.
func (s *Service) GrantTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, entryType, reason string, actor models.Actor) (*models.LedgerEntry, error) {
	switch entryType {
	case models.EntryTypeInitialGrant, models.EntryTypePromotional, models.EntryTypeAdminAdjustment:
	default:
		return nil, fmt.Errorf("invalid grant entry type %q", entryType)
	}
	acc, err := s.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Balance+amount < 0 {
		metrics.InsufficientBalance.Inc()
		return nil, &InsufficientBalanceError{Balance: acc.Balance, Requested: -amount}
	}
	entry, err := s.append(ctx, tx, &models.LedgerEntry{
		ID:            uuid.New(),
		UserID:        userID,
		EntryType:     entryType,
		Status:        models.EntryStatusCompleted,
		Amount:        amount,
		BalanceBefore: acc.Balance,
		BalanceAfter:  acc.Balance + amount,
		Description:   reason,
		ActorIP:       actor.IP,
		ActorUserAgent: actor.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:             uuid.New(),
		UserID:         userID,
		Action:         models.AuditActionCreditsGranted,
		EntityType:     "ledger_entry",
		EntityID:       &entry.ID,
		Description:    fmt.Sprintf("%s of %d credits: %s", entryType, amount, reason),
		ActorIP:        actor.IP,
		ActorUserAgent: actor.UserAgent,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// Grant is GrantTx in its own transaction.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64, entryType, reason string, actor models.Actor) (*models.LedgerEntry, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*models.LedgerEntry, error) {
		return s.GrantTx(ctx, tx, userID, amount, entryType, reason, actor)
	})
}

// PurchaseTx credits purchased credits and links the entry to its payment
// record. Called by the payments service inside the payment transaction.
func (s *Service) PurchaseTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int64, paymentID uuid.UUID, description string, actor models.Actor) (*models.LedgerEntry, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("purchase credits must be positive, got %d", credits)
	}
	acc, err := s.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return s.append(ctx, tx, &models.LedgerEntry{
		ID:               uuid.New(),
		UserID:           userID,
		EntryType:        models.EntryTypePurchase,
		Status:           models.EntryStatusCompleted,
		Amount:           credits,
		BalanceBefore:    acc.Balance,
		BalanceAfter:     acc.Balance + credits,
		RelatedPaymentID: &paymentID,
		Description:      description,
		ActorIP:          actor.IP,
		ActorUserAgent:   actor.UserAgent,
	})
}

// EntryByID returns a single ledger entry.
func (s *Service) EntryByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return s.entries.GetByID(ctx, id)
}

// History returns the user's entries, most recent first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.entries.History(ctx, userID, limit, offset)
}

// StatsFor aggregates the user's purchase/usage/refund totals from the ledger.
func (s *Service) StatsFor(ctx context.Context, userID uuid.UUID) (*models.LedgerStats, error) {
	return s.entries.StatsFor(ctx, userID)
}

// Drift is one account whose cached balance disagrees with the fold over its
// ledger entries.
type Drift struct {
	UserID uuid.UUID `json:"user_id"`
	Cached int64     `json:"cached"`
	Folded int64     `json:"folded"`
}

// Reconcile folds every account's entries and compares the result to the
// cached balance. With repair set, drifted accounts are re-folded under the
// row lock and the cache is corrected. The fold is authoritative; the cache
// is not.
func (s *Service) Reconcile(ctx context.Context, repair bool) ([]Drift, error) {
	folds, err := s.entries.FoldBalances(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, f := range folds {
		if f.Cached == f.Folded {
			continue
		}
		metrics.BalanceDrift.Inc()
		drifts = append(drifts, Drift{UserID: f.UserID, Cached: f.Cached, Folded: f.Folded})
		s.logger.Warn("balance drift detected", "user_id", f.UserID, "cached", f.Cached, "folded", f.Folded)

		if !repair {
			continue
		}
		if err := s.repair(ctx, f.UserID); err != nil {
			return drifts, fmt.Errorf("repair balance for %s: %w", f.UserID, err)
		}
	}
	return drifts, nil
}

func (s *Service) repair(ctx context.Context, userID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lock(ctx, tx, userID); err != nil {
		return err
	}
	// Re-fold under the lock: the snapshot taken outside may be stale by now.
	folded, err := s.entries.SumForUserTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdateBalanceTx(ctx, tx, userID, folded); err != nil {
		return err
	}
	if err := s.audit.InsertTx(ctx, tx, &models.AuditRecord{
		ID:          uuid.New(),
		UserID:      userID,
		Action:      models.AuditActionBalanceRepair,
		EntityType:  "account",
		EntityID:    &userID,
		Description: fmt.Sprintf("cached balance corrected to %d from ledger fold", folded),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info("balance repaired", "user_id", userID, "balance", folded)
	return nil
}

func (s *Service) lock(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error) {
	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

func (s *Service) append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (*models.LedgerEntry, error) {
	if err := s.entries.AppendTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateBalanceTx(ctx, tx, e.UserID, e.BalanceAfter); err != nil {
		return nil, err
	}
	metrics.LedgerEntries.WithLabelValues(e.EntryType).Inc()
	return e, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) (*models.LedgerEntry, error)) (*models.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return entry, nil
}
