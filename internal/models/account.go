package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds the cached credit balance for one user. The account ID is the
// user ID supplied by the auth collaborator. The balance is mutated only
// alongside a ledger entry write, never directly; the authoritative value is
// the fold over the account's ledger entries.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Actor identifies who performed a mutation, for ledger and audit rows.
type Actor struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}
