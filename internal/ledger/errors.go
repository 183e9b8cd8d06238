package ledger

import (
	"errors"
	"fmt"
)

// ErrAccountNotFound is returned when a ledger operation targets an unknown
// account.
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountExists is returned when provisioning an account that already has
// a row.
var ErrAccountExists = errors.New("account already exists")

// ErrInsufficientBalance is the business precondition failure for Deduct. It
// is user-facing and not retryable without topping up: a failed deduct must
// not be retried with the same amount.
var ErrInsufficientBalance = errors.New("insufficient balance")

// InsufficientBalanceError carries the shortfall so the caller can tell the
// user exactly how many credits are missing.
type InsufficientBalanceError struct {
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d (short %d)", e.Balance, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is the number of credits missing for the requested deduction.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Balance }
