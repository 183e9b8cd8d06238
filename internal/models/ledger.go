package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type enums.
const (
	EntryTypeInitialGrant    = "initial_grant"
	EntryTypePurchase        = "purchase"
	EntryTypeDeduction       = "deduction"
	EntryTypeRefund          = "refund"
	EntryTypeAdminAdjustment = "admin_adjustment"
	EntryTypePromotional     = "promotional"
)

// Ledger entry status enums. Status is fixed at write time; entries are never
// updated afterwards, corrections are new entries.
const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
	EntryStatusRefunded  = "refunded"
	EntryStatusCancelled = "cancelled"
)

// LedgerEntry is one immutable balance change. Amount is signed: positive
// credits the account, negative debits it. BalanceBefore + Amount must equal
// BalanceAfter; the repository rejects the write otherwise.
type LedgerEntry struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	EntryType        string     `json:"entry_type"`
	Status           string     `json:"status"`
	Amount           int64      `json:"amount"`
	BalanceBefore    int64      `json:"balance_before"`
	BalanceAfter     int64      `json:"balance_after"`
	RelatedTaskID    *uuid.UUID `json:"related_task_id,omitempty"`
	RelatedPaymentID *uuid.UUID `json:"related_payment_id,omitempty"`
	Description      string     `json:"description"`
	ActorIP          string     `json:"-"`
	ActorUserAgent   string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

// LedgerStats is aggregated from ledger entries on demand, never kept as a
// mutable counter.
type LedgerStats struct {
	TotalPurchased int64 `json:"total_purchased"`
	TotalUsed      int64 `json:"total_used"`
	TotalRefunded  int64 `json:"total_refunded"`
	TotalTasks     int64 `json:"total_tasks"`
}
