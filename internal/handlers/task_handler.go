// Package handlers serves the thin JSON surface over the billing core.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pagemill/backend/internal/ledger"
	"github.com/pagemill/backend/internal/middleware"
	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/repository"
	"github.com/pagemill/backend/internal/tasks"
)

// TaskService is the task lifecycle interface used by the handler.
type TaskService interface {
	Create(ctx context.Context, userID uuid.UUID, sourceKey string, pageCount int, formatTypes []string, actor models.Actor) (*models.Task, error)
	Cancel(ctx context.Context, taskID, userID uuid.UUID, actor models.Actor) (*models.Task, error)
	Get(ctx context.Context, taskID, userID uuid.UUID) (*models.Task, []*models.Page, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error)
	Purge(ctx context.Context, taskID uuid.UUID, actor models.Actor) error
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Tasks  TaskService
	Logger *slog.Logger
}

type createTaskRequest struct {
	SourceKey   string   `json:"source_key"`
	PageCount   int      `json:"page_count"`
	FormatTypes []string `json:"format_types"`
}

// CreateTask handles POST /v1/tasks. The balance check happens before any
// page row exists; on insufficient balance the shortfall is reported and
// nothing is created.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.SourceKey == "" {
		http.Error(w, `{"error":"source_key is required"}`, http.StatusBadRequest)
		return
	}
	if req.PageCount <= 0 {
		http.Error(w, `{"error":"page_count must be > 0"}`, http.StatusBadRequest)
		return
	}
	if len(req.FormatTypes) == 0 {
		http.Error(w, `{"error":"format_types is required"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.Create(r.Context(), id.UserID, req.SourceKey, req.PageCount, req.FormatTypes, actorFrom(r))
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient balance",
				"shortfall": insufficient.Shortfall(),
			})
			return
		}
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("create task", "error", err)
		http.Error(w, `{"error":"failed to create task"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, task)
}

// GetTask handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	task, pages, err := h.Tasks.Get(r.Context(), taskID, id.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) || errors.Is(err, tasks.ErrNotTaskOwner) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get task", "task_id", taskID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task, "pages": pages})
}

// ListTasks handles GET /v1/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	list, err := h.Tasks.ListByUser(r.Context(), id.UserID, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		h.Logger.Error("list tasks", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelTask handles POST /v1/tasks/{id}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.Cancel(r.Context(), taskID, id.UserID, actorFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTaskNotFound), errors.Is(err, tasks.ErrNotTaskOwner):
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		case errors.Is(err, tasks.ErrTaskAlreadyResolved):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "task already resolved"})
		default:
			h.Logger.Error("cancel task", "task_id", taskID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// PurgeTask handles DELETE /v1/admin/tasks/{id}. Only terminal tasks can be
// purged; the billing history survives in the ledger and audit log.
func (h *TaskHandler) PurgeTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	if err := h.Tasks.Purge(r.Context(), taskID, actorFrom(r)); err != nil {
		switch {
		case errors.Is(err, repository.ErrTaskNotFound):
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		case errors.Is(err, tasks.ErrTaskNotResolved):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "task not yet resolved"})
		default:
			h.Logger.Error("purge task", "task_id", taskID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func actorFrom(r *http.Request) models.Actor {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.RemoteAddr
	}
	return models.Actor{IP: ip, UserAgent: r.UserAgent()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
