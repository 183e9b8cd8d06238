// Package metrics exposes the billing core's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerEntries counts appended ledger entries by entry_type.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_ledger_entries_total",
		Help: "Total number of ledger entries appended",
	}, []string{"entry_type"})

	// InsufficientBalance counts deductions rejected on the balance precondition.
	InsufficientBalance = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_insufficient_balance_total",
		Help: "Total number of deductions rejected for insufficient balance",
	})

	// PagesResolved counts page resolutions by outcome (completed, failed, retried).
	PagesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_pages_resolved_total",
		Help: "Total number of page resolutions",
	}, []string{"outcome"})

	// ClaimConflicts counts claims lost to another worker.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_page_claim_conflicts_total",
		Help: "Total number of page claims that lost the race",
	})

	// StaleReclaimed counts processing pages returned to pending by the sweep.
	StaleReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_stale_pages_reclaimed_total",
		Help: "Total number of stale page claims returned to pending",
	})

	// TasksSettled counts task settlements by final status.
	TasksSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_tasks_settled_total",
		Help: "Total number of tasks settled",
	}, []string{"status"})

	// BalanceDrift counts accounts found with a cached balance that disagrees
	// with the fold over their ledger entries.
	BalanceDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_balance_drift_total",
		Help: "Total number of accounts found with balance drift during reconciliation",
	})
)
