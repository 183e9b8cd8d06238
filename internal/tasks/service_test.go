package tasks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemill/backend/internal/execution"
	"github.com/pagemill/backend/internal/ledger"
	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory mocks. The ledger mock keeps a real balance so settlement
// scenarios can be checked end to end against it.
// ---------------------------------------------------------------------------

type fakePool struct{}

func (fakePool) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type mockTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
	calls *[]string
}

func newMockTaskRepo(ts ...*models.Task) *mockTaskRepo {
	m := &mockTaskRepo{tasks: make(map[uuid.UUID]*models.Task)}
	for _, t := range ts {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return m
}

func (m *mockTaskRepo) CreateTx(_ context.Context, _ pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskRepo) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	if m.calls != nil {
		*m.calls = append(*m.calls, "lock task")
	}
	return m.GetByID(ctx, id)
}

func (m *mockTaskRepo) DeleteTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return repository.ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *mockTaskRepo) UpdateAggregateTx(_ context.Context, _ pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[t.ID]
	if !ok {
		return repository.ErrTaskNotFound
	}
	// Mirror the production UPDATE: only the aggregate columns change, so
	// fields like SettledAt set by MarkSettledTx survive a recompute.
	stored.Status = t.Status
	stored.CreditsUsed = t.CreditsUsed
	stored.ErrorMessage = t.ErrorMessage
	stored.StartedAt = t.StartedAt
	stored.CompletedAt = t.CompletedAt
	return nil
}

func (m *mockTaskRepo) MarkSettledTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, repository.ErrTaskNotFound
	}
	if t.SettledAt != nil {
		return false, nil
	}
	now := time.Now()
	t.SettledAt = &now
	return true, nil
}

func (m *mockTaskRepo) ListByUser(_ context.Context, userID uuid.UUID, _, _ int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTaskRepo) get(id uuid.UUID) *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.tasks[id]
	return &cp
}

type mockPageRepo struct {
	mu     sync.Mutex
	pages  []*models.Page
	counts models.PageCounts
	calls  *[]string
}

func (m *mockPageRepo) CreateBatchTx(_ context.Context, _ pgx.Tx, pages []*models.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pages {
		cp := *p
		m.pages = append(m.pages, &cp)
	}
	return nil
}

func (m *mockPageRepo) CountByTaskTx(context.Context, pgx.Tx, uuid.UUID) (models.PageCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts, nil
}

func (m *mockPageRepo) CancelOpenTx(_ context.Context, _ pgx.Tx, _ uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls != nil {
		*m.calls = append(*m.calls, "lock pages")
	}
	cancelled := int64(m.counts.Pending + m.counts.Processing)
	m.counts.Cancelled += m.counts.Pending + m.counts.Processing
	m.counts.Pending, m.counts.Processing = 0, 0
	return cancelled, nil
}

func (m *mockPageRepo) ListByTask(_ context.Context, taskID uuid.UUID) ([]*models.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Page
	for _, p := range m.pages {
		if p.TaskID == taskID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPageRepo) setCounts(c models.PageCounts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = c
}

// mockLedger keeps a live balance per user so reservation and refund flows
// can be asserted against real arithmetic.
type mockLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  []*models.LedgerEntry
}

func newMockLedger(userID uuid.UUID, balance int64) *mockLedger {
	return &mockLedger{balances: map[uuid.UUID]int64{userID: balance}}
}

func (m *mockLedger) HasSufficientBalance(_ context.Context, userID uuid.UUID, amount int64) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[userID]
	if !ok {
		return false, 0, ledger.ErrAccountNotFound
	}
	return bal >= amount, bal, nil
}

func (m *mockLedger) DeductTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64, taskID *uuid.UUID, description string, _ models.Actor) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balances[userID]
	if bal < amount {
		return nil, &ledger.InsufficientBalanceError{Balance: bal, Requested: amount}
	}
	m.balances[userID] = bal - amount
	e := &models.LedgerEntry{
		ID: uuid.New(), UserID: userID, EntryType: models.EntryTypeDeduction,
		Amount: -amount, BalanceBefore: bal, BalanceAfter: bal - amount,
		RelatedTaskID: taskID, Description: description,
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *mockLedger) RefundTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64, taskID *uuid.UUID, reason string, _ models.Actor) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balances[userID]
	m.balances[userID] = bal + amount
	e := &models.LedgerEntry{
		ID: uuid.New(), UserID: userID, EntryType: models.EntryTypeRefund,
		Amount: amount, BalanceBefore: bal, BalanceAfter: bal + amount,
		RelatedTaskID: taskID, Description: reason,
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *mockLedger) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *mockLedger) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type mockAudit struct {
	mu      sync.Mutex
	records []*models.AuditRecord
}

func (m *mockAudit) InsertTx(_ context.Context, _ pgx.Tx, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []models.TaskSettledEvent
}

func (m *mockPublisher) TaskSettled(_ context.Context, ev models.TaskSettledEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type enqueueRecorder struct {
	mu   sync.Mutex
	args []execution.ProcessPageArgs
}

func (r *enqueueRecorder) enqueue(_ context.Context, _ pgx.Tx, args execution.ProcessPageArgs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = append(r.args, args)
	return nil
}

type fixture struct {
	svc       *Service
	tasks     *mockTaskRepo
	pages     *mockPageRepo
	ledger    *mockLedger
	audit     *mockAudit
	publisher *mockPublisher
	enqueued  *enqueueRecorder
}

func newFixture(taskRepo *mockTaskRepo, led *mockLedger) *fixture {
	f := &fixture{
		tasks:     taskRepo,
		pages:     &mockPageRepo{},
		ledger:    led,
		audit:     &mockAudit{},
		publisher: &mockPublisher{},
		enqueued:  &enqueueRecorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(fakePool{}, f.tasks, f.pages, f.ledger, f.audit, f.publisher, f.enqueued.enqueue, 1, logger)
	return f
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate(t *testing.T) {
	user := uuid.New()
	f := newFixture(newMockTaskRepo(), newMockLedger(user, 100))

	task, err := f.svc.Create(context.Background(), user, "docs/report.pdf", 3, []string{"Text", "markdown"}, models.Actor{})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 3, task.PageCount)
	assert.Equal(t, []string{"text", "markdown"}, task.FormatTypes)

	// 3 pages x 2 formats = 6 credits reserved, 6 sibling page rows, 6 jobs.
	assert.Equal(t, int64(94), f.ledger.balance(user))
	assert.Len(t, f.pages.pages, 6)
	assert.Len(t, f.enqueued.args, 6)

	seen := make(map[string]bool)
	for _, p := range f.pages.pages {
		assert.Equal(t, task.ID, p.TaskID)
		assert.Equal(t, models.PageStatusPending, p.Status)
		seen[fmt.Sprintf("%d/%s", p.PageNumber, p.FormatType)] = true
	}
	assert.Len(t, seen, 6, "every (page_number, format_type) pair must be distinct")

	require.Len(t, f.audit.records, 1)
	assert.Equal(t, models.AuditActionTaskCreated, f.audit.records[0].Action)
}

func TestCreate_InsufficientBalance(t *testing.T) {
	user := uuid.New()
	f := newFixture(newMockTaskRepo(), newMockLedger(user, 5))

	_, err := f.svc.Create(context.Background(), user, "docs/big.pdf", 10, []string{"text"}, models.Actor{})
	require.Error(t, err)

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(5), ib.Shortfall())

	// Nothing downstream of the failed reservation happened.
	assert.Equal(t, int64(5), f.ledger.balance(user))
	assert.Empty(t, f.pages.pages)
	assert.Empty(t, f.enqueued.args)
	assert.Empty(t, f.audit.records)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	user := uuid.New()
	f := newFixture(newMockTaskRepo(), newMockLedger(user, 100))
	ctx := context.Background()

	_, err := f.svc.Create(ctx, user, "", 1, []string{"text"}, models.Actor{})
	assert.Error(t, err, "empty source key")

	_, err = f.svc.Create(ctx, user, "a.pdf", 0, []string{"text"}, models.Actor{})
	assert.Error(t, err, "zero pages")

	_, err = f.svc.Create(ctx, user, "a.pdf", 1, nil, models.Actor{})
	assert.Error(t, err, "no formats")

	_, err = f.svc.Create(ctx, user, "a.pdf", 1, []string{"text", "TEXT"}, models.Actor{})
	assert.Error(t, err, "duplicate formats after normalization")
}

// ---------------------------------------------------------------------------
// RecomputeTx / settlement
// ---------------------------------------------------------------------------

func terminalTask(user uuid.UUID, pageCount int, formats []string) *models.Task {
	return &models.Task{
		ID:          uuid.New(),
		UserID:      user,
		Status:      models.TaskStatusProcessing,
		PageCount:   pageCount,
		FormatTypes: formats,
	}
}

func TestRecomputeTx_CompletedSettlesOnce(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 2, []string{"text"})
	// Balance after the 2-credit reservation was taken.
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 8))
	f.pages.setCounts(models.PageCounts{Completed: 2})

	ev, err := f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.TaskStatusCompleted, ev.FinalStatus)
	assert.Equal(t, int64(2), ev.CreditsUsed)

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, int64(2), got.CreditsUsed)
	assert.NotNil(t, got.CompletedAt)

	// Success confirms the reservation: no refund, balance untouched.
	assert.Equal(t, int64(8), f.ledger.balance(user))
	assert.Equal(t, 0, f.ledger.entryCount())

	// A second recompute of the same page set settles nothing.
	ev, err = f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 0, f.ledger.entryCount())
}

func TestRecomputeTx_FailureRefundsInFull(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 3, []string{"text"})
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 7))
	f.pages.setCounts(models.PageCounts{Completed: 2, Failed: 1})

	ev, err := f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.TaskStatusFailed, ev.FinalStatus)
	assert.Equal(t, int64(0), ev.CreditsUsed)

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, int64(0), got.CreditsUsed)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "1 of 3 pages failed", *got.ErrorMessage)

	// Partial success is failure: the whole reservation comes back.
	assert.Equal(t, int64(10), f.ledger.balance(user))
	assert.Equal(t, 1, f.ledger.entryCount())

	// Late recomputes add no second refund.
	_, err = f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.ledger.balance(user))
	assert.Equal(t, 1, f.ledger.entryCount())
}

func TestRecomputeTx_SetsStartedAt(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 2, []string{"text"})
	task.Status = models.TaskStatusPending
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 10))
	f.pages.setCounts(models.PageCounts{Pending: 1, Processing: 1})

	ev, err := f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	assert.Nil(t, ev)

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestRecomputeTx_CancelledTaskStaysCancelled(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 1, []string{"text"})
	task.Status = models.TaskStatusCancelled
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 10))
	f.pages.setCounts(models.PageCounts{Completed: 1})

	ev, err := f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, models.TaskStatusCancelled, f.tasks.get(task.ID).Status)
	assert.Equal(t, 0, f.ledger.entryCount())
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 4, []string{"text"})
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 6))
	f.pages.setCounts(models.PageCounts{Pending: 2, Processing: 1, Completed: 1})

	got, err := f.svc.Cancel(context.Background(), task.ID, user, models.Actor{})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCancelled, got.Status)
	assert.Equal(t, int64(0), got.CreditsUsed)

	// Full reservation refunded, open pages cancelled, event fired once.
	assert.Equal(t, int64(10), f.ledger.balance(user))
	assert.Equal(t, models.PageCounts{Completed: 1, Cancelled: 3}, f.pages.counts)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, models.TaskStatusCancelled, f.publisher.events[0].FinalStatus)
}

func TestCancel_NotOwner(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 1, []string{"text"})
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 10))

	_, err := f.svc.Cancel(context.Background(), task.ID, uuid.New(), models.Actor{})
	assert.ErrorIs(t, err, ErrNotTaskOwner)
	assert.Equal(t, int64(10), f.ledger.balance(user))
}

func TestCancel_AlreadyResolved(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 1, []string{"text"})
	task.Status = models.TaskStatusCompleted
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 10))

	_, err := f.svc.Cancel(context.Background(), task.ID, user, models.Actor{})
	assert.ErrorIs(t, err, ErrTaskAlreadyResolved)
}

// Cancellation must lock the page rows before the task row. Page resolution
// takes its locks in that order, so the reverse order can deadlock against a
// concurrent resolution that holds a page and is waiting on the task row.
func TestCancel_LocksPagesBeforeTask(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 1, []string{"text"})
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 10))

	var calls []string
	f.tasks.calls = &calls
	f.pages.calls = &calls

	_, err := f.svc.Cancel(context.Background(), task.ID, user, models.Actor{})
	require.NoError(t, err)
	assert.Equal(t, []string{"lock pages", "lock task"}, calls)
}

// ---------------------------------------------------------------------------
// Purge
// ---------------------------------------------------------------------------

func TestPurge(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 2, []string{"text"})
	task.Status = models.TaskStatusCompleted
	task.CreditsUsed = 2
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 8))

	err := f.svc.Purge(context.Background(), task.ID, models.Actor{})
	require.NoError(t, err)

	_, err = f.tasks.GetByID(context.Background(), task.ID)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)

	// The compliance trail survives the purge.
	require.Len(t, f.audit.records, 1)
	assert.Equal(t, models.AuditActionTaskPurged, f.audit.records[0].Action)
	assert.Equal(t, user, f.audit.records[0].UserID)
}

func TestPurge_OpenTaskRefused(t *testing.T) {
	user := uuid.New()
	task := terminalTask(user, 1, []string{"text"})
	f := newFixture(newMockTaskRepo(task), newMockLedger(user, 10))

	err := f.svc.Purge(context.Background(), task.ID, models.Actor{})
	assert.ErrorIs(t, err, ErrTaskNotResolved)

	got, getErr := f.tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TaskStatusProcessing, got.Status)
	assert.Empty(t, f.audit.records)
}

// ---------------------------------------------------------------------------
// End-to-end balance round trip: reserve on creation, refund on failure,
// the account ends where it started and the ledger shows both entries.
// ---------------------------------------------------------------------------

func TestFailedTaskBalanceRoundTrip(t *testing.T) {
	user := uuid.New()
	taskRepo := newMockTaskRepo()
	led := newMockLedger(user, 10)
	f := newFixture(taskRepo, led)

	task, err := f.svc.Create(context.Background(), user, "docs/a.pdf", 10, []string{"text"}, models.Actor{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), led.balance(user))

	// Every page fails terminally.
	f.pages.setCounts(models.PageCounts{Failed: 10})
	ev, err := f.svc.RecomputeTx(context.Background(), nil, task.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, int64(10), led.balance(user))
	require.Equal(t, 2, led.entryCount())
	assert.Equal(t, models.EntryTypeDeduction, led.entries[0].EntryType)
	assert.Equal(t, models.EntryTypeRefund, led.entries[1].EntryType)
	assert.Equal(t, -led.entries[0].Amount, led.entries[1].Amount)
}

