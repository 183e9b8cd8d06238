package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pagemill/backend/internal/ledger"
	"github.com/pagemill/backend/internal/middleware"
	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/payments"
)

// LedgerService covers the read and admin surface of the credit ledger.
type LedgerService interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	StatsFor(ctx context.Context, userID uuid.UUID) (*models.LedgerStats, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int64, entryType, reason string, actor models.Actor) (*models.LedgerEntry, error)
	CreateAccount(ctx context.Context, userID uuid.UUID, initialGrant int64, actor models.Actor) (*models.Account, error)
	Reconcile(ctx context.Context, repair bool) ([]ledger.Drift, error)
}

// PaymentService applies externally verified payments.
type PaymentService interface {
	ApplyVerifiedPayment(ctx context.Context, userID uuid.UUID, externalPaymentID string, amount decimal.Decimal, credits int64, actor models.Actor) (*payments.Result, error)
}

// AuditReader lists audit records for a user.
type AuditReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.AuditRecord, error)
}

// BillingHandler serves balance, ledger, payment and admin endpoints.
type BillingHandler struct {
	Ledger   LedgerService
	Payments PaymentService
	Audit    AuditReader
	Logger   *slog.Logger
}

// GetBalance handles GET /v1/balance.
func (h *BillingHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// GetLedger handles GET /v1/ledger.
func (h *BillingHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	entries, err := h.Ledger.History(r.Context(), id.UserID, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		h.Logger.Error("ledger history", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLedgerStats handles GET /v1/ledger/stats.
func (h *BillingHandler) GetLedgerStats(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	stats, err := h.Ledger.StatsFor(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Error("ledger stats", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type applyPaymentRequest struct {
	ExternalPaymentID string          `json:"external_payment_id"`
	Amount            decimal.Decimal `json:"amount"`
	Credits           int64           `json:"credits"`
}

// ApplyPayment handles POST /v1/payments. The payment has already been
// verified upstream; this call only records it and credits the account.
// Replays of the same external_payment_id return the original result.
func (h *BillingHandler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req applyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ExternalPaymentID == "" {
		http.Error(w, `{"error":"external_payment_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.Credits <= 0 {
		http.Error(w, `{"error":"credits must be > 0"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Payments.ApplyVerifiedPayment(r.Context(), id.UserID, req.ExternalPaymentID, req.Amount, req.Credits, actorFrom(r))
	if err != nil {
		h.Logger.Error("apply payment", "external_payment_id", req.ExternalPaymentID, "error", err)
		http.Error(w, `{"error":"failed to apply payment"}`, http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type createAccountRequest struct {
	UserID       uuid.UUID `json:"user_id"`
	InitialGrant int64     `json:"initial_grant"`
}

// CreateAccount handles POST /v1/admin/accounts. Called by the auth
// collaborator when a user signs up; the optional initial grant lands as the
// account's first ledger entry.
func (h *BillingHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.InitialGrant < 0 {
		http.Error(w, `{"error":"initial_grant must not be negative"}`, http.StatusBadRequest)
		return
	}

	acc, err := h.Ledger.CreateAccount(r.Context(), req.UserID, req.InitialGrant, actorFrom(r))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "account already exists"})
			return
		}
		h.Logger.Error("create account", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, acc)
}

type grantRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	EntryType string    `json:"entry_type"`
	Reason    string    `json:"reason"`
}

// Grant handles POST /v1/admin/grants. Amount may be negative for
// corrections; the service rejects any adjustment that would drive the
// balance below zero.
func (h *BillingHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		http.Error(w, `{"error":"amount must be non-zero"}`, http.StatusBadRequest)
		return
	}
	if req.EntryType == "" {
		req.EntryType = models.EntryTypeAdminAdjustment
	}

	entry, err := h.Ledger.Grant(r.Context(), req.UserID, req.Amount, req.EntryType, req.Reason, actorFrom(r))
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":     "adjustment would drive balance negative",
				"shortfall": insufficient.Shortfall(),
			})
		case errors.Is(err, ledger.ErrAccountNotFound):
			http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
		default:
			h.Logger.Error("grant", "user_id", req.UserID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// Reconcile handles POST /v1/admin/reconcile. With repair=true each
// drifted balance is recomputed from the ledger under the account lock.
func (h *BillingHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	repair := r.URL.Query().Get("repair") == "true"

	drifts, err := h.Ledger.Reconcile(r.Context(), repair)
	if err != nil {
		h.Logger.Error("reconcile", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"drift_count": len(drifts),
		"drifts":      drifts,
		"repaired":    repair,
	})
}

// GetAuditLog handles GET /v1/audit for the calling user.
func (h *BillingHandler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit := queryInt(r, "limit")
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	records, err := h.Audit.ListByUser(r.Context(), id.UserID, limit, queryInt(r, "offset"))
	if err != nil {
		h.Logger.Error("audit log", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
