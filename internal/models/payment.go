package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment status enums.
const (
	PaymentStatusCompleted = "completed"
	PaymentStatusRefunded  = "refunded"
)

// Payment records a gateway payment already verified by the payment
// collaborator. One-to-one with the purchase ledger entry it produced.
// ExternalPaymentID is the idempotency key: re-applying the same ID returns
// the existing record instead of creating a duplicate.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	LedgerEntryID     uuid.UUID       `json:"ledger_entry_id"`
	ExternalPaymentID string          `json:"external_payment_id"`
	AmountCurrency    decimal.Decimal `json:"amount_currency"`
	CreditsPurchased  int64           `json:"credits_purchased"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}
