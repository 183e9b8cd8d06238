package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/pages"
	"github.com/pagemill/backend/internal/repository"
)

// PageService is the claim/resolve surface used by external worker pools.
type PageService interface {
	Claim(ctx context.Context, pageID uuid.UUID, workerID string) (*models.Page, error)
	ClaimNext(ctx context.Context, workerID string) (*models.Page, error)
	Resolve(ctx context.Context, pageID uuid.UUID, outcome, resultKey, errMsg string) (*models.Page, error)
	Get(ctx context.Context, pageID uuid.UUID) (*models.Page, error)
}

// WorkerHandler serves the /v1/worker endpoints used by processing nodes.
// Callers authenticate as the service role through the gateway.
type WorkerHandler struct {
	Pages  PageService
	Logger *slog.Logger
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimNext handles POST /v1/worker/claim-next. Returns 204 when no page
// is pending so pollers can back off without parsing an error body.
func (h *WorkerHandler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, `{"error":"worker_id is required"}`, http.StatusBadRequest)
		return
	}

	page, err := h.Pages.ClaimNext(r.Context(), req.WorkerID)
	if err != nil {
		if errors.Is(err, pages.ErrNoPendingPages) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.Logger.Error("claim next", "worker_id", req.WorkerID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// ClaimPage handles POST /v1/worker/pages/{id}/claim.
func (h *WorkerHandler) ClaimPage(w http.ResponseWriter, r *http.Request) {
	pageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid page id"}`, http.StatusBadRequest)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, `{"error":"worker_id is required"}`, http.StatusBadRequest)
		return
	}

	page, err := h.Pages.Claim(r.Context(), pageID, req.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPageNotFound):
			http.Error(w, `{"error":"page not found"}`, http.StatusNotFound)
		case errors.Is(err, pages.ErrAlreadyClaimed):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "page already claimed"})
		default:
			h.Logger.Error("claim page", "page_id", pageID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, page)
}

type resolveRequest struct {
	Outcome      string `json:"outcome"`
	ResultKey    string `json:"result_key,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ResolvePage handles POST /v1/worker/pages/{id}/result. Reporting a result
// for a page no longer in processing is accepted and ignored so delayed
// workers do not disturb settled tasks.
func (h *WorkerHandler) ResolvePage(w http.ResponseWriter, r *http.Request) {
	pageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid page id"}`, http.StatusBadRequest)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Outcome != models.PageOutcomeCompleted && req.Outcome != models.PageOutcomeFailed {
		http.Error(w, `{"error":"outcome must be completed or failed"}`, http.StatusBadRequest)
		return
	}
	if req.Outcome == models.PageOutcomeCompleted && req.ResultKey == "" {
		http.Error(w, `{"error":"result_key is required for completed pages"}`, http.StatusBadRequest)
		return
	}

	page, err := h.Pages.Resolve(r.Context(), pageID, req.Outcome, req.ResultKey, req.ErrorMessage)
	if err != nil && !errors.Is(err, pages.ErrRetryLimitExceeded) {
		if errors.Is(err, repository.ErrPageNotFound) {
			http.Error(w, `{"error":"page not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("resolve page", "page_id", pageID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// GetPage handles GET /v1/worker/pages/{id}.
func (h *WorkerHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	pageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid page id"}`, http.StatusBadRequest)
		return
	}

	page, err := h.Pages.Get(r.Context(), pageID)
	if err != nil {
		if errors.Is(err, repository.ErrPageNotFound) {
			http.Error(w, `{"error":"page not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get page", "page_id", pageID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
