package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagemill/backend/internal/handlers"
	"github.com/pagemill/backend/internal/middleware"
)

// RegisterRoutes adds the /v1/ endpoints to the given mux.
// Middleware chain: WithIdentity -> (RequireRole where needed) -> handler.
func RegisterRoutes(
	mux *http.ServeMux,
	th *handlers.TaskHandler,
	bh *handlers.BillingHandler,
	wh *handlers.WorkerHandler,
) {
	user := func(h http.HandlerFunc) http.Handler {
		return middleware.WithIdentity(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.WithIdentity(middleware.RequireRole(middleware.RoleAdmin, h))
	}
	service := func(h http.HandlerFunc) http.Handler {
		return middleware.WithIdentity(middleware.RequireRole(middleware.RoleService, h))
	}

	// Task lifecycle
	mux.Handle("POST /v1/tasks", user(th.CreateTask))
	mux.Handle("GET /v1/tasks", user(th.ListTasks))
	mux.Handle("GET /v1/tasks/{id}", user(th.GetTask))
	mux.Handle("POST /v1/tasks/{id}/cancel", user(th.CancelTask))

	// Billing
	mux.Handle("GET /v1/balance", user(bh.GetBalance))
	mux.Handle("GET /v1/ledger", user(bh.GetLedger))
	mux.Handle("GET /v1/ledger/stats", user(bh.GetLedgerStats))
	mux.Handle("POST /v1/payments", user(bh.ApplyPayment))
	mux.Handle("GET /v1/audit", user(bh.GetAuditLog))

	// Admin
	mux.Handle("POST /v1/admin/accounts", admin(bh.CreateAccount))
	mux.Handle("POST /v1/admin/grants", admin(bh.Grant))
	mux.Handle("POST /v1/admin/reconcile", admin(bh.Reconcile))
	mux.Handle("DELETE /v1/admin/tasks/{id}", admin(th.PurgeTask))

	// External worker pools
	mux.Handle("POST /v1/worker/claim-next", service(wh.ClaimNext))
	mux.Handle("POST /v1/worker/pages/{id}/claim", service(wh.ClaimPage))
	mux.Handle("POST /v1/worker/pages/{id}/result", service(wh.ResolvePage))
	mux.Handle("GET /v1/worker/pages/{id}", service(wh.GetPage))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
