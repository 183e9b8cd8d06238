package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/pagemill/backend/internal/config"
	"github.com/pagemill/backend/internal/execution"
	"github.com/pagemill/backend/internal/handlers"
	"github.com/pagemill/backend/internal/ledger"
	"github.com/pagemill/backend/internal/pages"
	"github.com/pagemill/backend/internal/payments"
	"github.com/pagemill/backend/internal/repository"
	"github.com/pagemill/backend/internal/tasks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Parse()
	if err != nil {
		slog.Error("Failed to parse configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := repository.NewPool(ctx, cfg.DatabaseURI)
	if err != nil {
		slog.Error("Unable to connect to PostgreSQL. Ensure Postgres is running and DATABASE_URI is set", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL, schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	accountRepo := repository.NewAccountRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	pageRepo := repository.NewPageRepo(pool)
	paymentRepo := repository.NewPaymentRepo(pool)
	auditRepo := repository.NewAuditRepo(pool)

	ledgerSvc := ledger.NewService(pool, accountRepo, ledgerRepo, auditRepo, logger)
	paymentSvc := payments.NewService(pool, paymentRepo, ledgerSvc, auditRepo, logger)

	// Jobs: insert func is set after the River client is created (breaks the
	// init cycle between the task service and the client's worker set).
	var insertMu sync.Mutex
	var insertFn tasks.EnqueuePageTxFunc
	enqueuePage := func(ctx context.Context, tx pgx.Tx, args execution.ProcessPageArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	taskSvc := tasks.NewService(pool, taskRepo, pageRepo, ledgerSvc, auditRepo,
		&tasks.LogPublisher{Logger: logger}, enqueuePage, cfg.CreditsPerPage, logger)
	pageSvc := pages.NewService(pool, pageRepo, taskSvc, cfg.MaxPageRetries, logger)

	extractor := execution.NewHTTPExtractor(cfg.ExtractorAddress)
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewProcessPageWorker(pageSvc, extractor, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.WorkerCount},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.ProcessPageArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Background sweeps: reclaim stale page claims every minute, reconcile
	// cached balances against the ledger nightly.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() {
		if _, err := pageSvc.ReclaimStale(ctx, cfg.StaleClaimAfter); err != nil {
			slog.Error("Stale claim sweep failed", "error", err)
		}
	}); err != nil {
		slog.Error("Failed to schedule stale claim sweep", "error", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc("@daily", func() {
		drifts, err := ledgerSvc.Reconcile(ctx, false)
		if err != nil {
			slog.Error("Balance reconciliation failed", "error", err)
			return
		}
		slog.Info("Balance reconciliation complete", "drift_count", len(drifts))
	}); err != nil {
		slog.Error("Failed to schedule reconciliation", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	RegisterRoutes(mux, &handlers.TaskHandler{Tasks: taskSvc, Logger: logger},
		&handlers.BillingHandler{Ledger: ledgerSvc, Payments: paymentSvc, Audit: auditRepo, Logger: logger},
		&handlers.WorkerHandler{Pages: pageSvc, Logger: logger})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes page jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", cfg.RunAddress)
	if err := http.ListenAndServe(cfg.RunAddress, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
