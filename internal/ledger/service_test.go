package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagemill/backend/internal/models"
	"github.com/pagemill/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory mocks for AccountRepo and EntryRepo, plus a fake transaction
// whose lifetime emulates the account row lock: Begin acquires, Commit or
// Rollback releases. This lets the concurrency tests exercise the real
// Service logic without a database.
// ---------------------------------------------------------------------------

type fakePool struct {
	mu sync.Mutex
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	return &fakeTx{pool: p}, nil
}

type fakeTx struct {
	pgx.Tx
	pool *fakePool
	done bool
}

func (t *fakeTx) Commit(context.Context) error   { t.finish(); return nil }
func (t *fakeTx) Rollback(context.Context) error { t.finish(); return nil }

func (t *fakeTx) finish() {
	if !t.done {
		t.done = true
		t.pool.mu.Unlock()
	}
}

type mockAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
}

func newMockAccounts(accs ...*models.Account) *mockAccounts {
	m := &mockAccounts{accounts: make(map[uuid.UUID]*models.Account)}
	for _, a := range accs {
		cp := *a
		m.accounts[a.ID] = &cp
	}
	return m
}

func (m *mockAccounts) CreateTx(_ context.Context, _ pgx.Tx, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return repository.ErrAccountExists
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *mockAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return m.GetByID(ctx, id)
}

func (m *mockAccounts) UpdateBalanceTx(_ context.Context, _ pgx.Tx, id uuid.UUID, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.Balance = balance
	return nil
}

func (m *mockAccounts) balance(id uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Balance
}

type mockEntries struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
	folds   []repository.BalanceFold
}

func (m *mockEntries) AppendTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	if e.Amount == 0 || e.BalanceBefore+e.Amount != e.BalanceAfter {
		return &repository.InvariantViolationError{
			UserID:        e.UserID,
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockEntries) GetByID(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, errors.New("ledger entry not found")
}

func (m *mockEntries) History(_ context.Context, userID uuid.UUID, _, _ int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockEntries) StatsFor(context.Context, uuid.UUID) (*models.LedgerStats, error) {
	return &models.LedgerStats{}, nil
}

func (m *mockEntries) FoldBalances(context.Context) ([]repository.BalanceFold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folds, nil
}

func (m *mockEntries) SumForUserTx(_ context.Context, _ pgx.Tx, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *mockEntries) byType(entryType string) []*models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.EntryType == entryType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockEntries) count() int {
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

func (m *mockAudit) byAction(action string) []*models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditRecord
	for _, r := range m.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func newTestService(accs *mockAccounts, entries *mockEntries) (*Service, *mockAudit) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := &mockAudit{}
	return NewService(&fakePool{}, accs, entries, audit, logger), audit
}

func acct(id uuid.UUID, balance int64) *models.Account {
	return &models.Account{ID: id, Balance: balance}
}

// ---------------------------------------------------------------------------
// Deduct
// ---------------------------------------------------------------------------

func TestDeduct(t *testing.T) {
	user := uuid.New()
	task := uuid.New()

	accounts := newMockAccounts(acct(user, 100))
	entries := &mockEntries{}
	svc, _ := newTestService(accounts, entries)

	ctx := context.Background()
	entry, err := svc.Deduct(ctx, user, 30, &task, "reservation", models.Actor{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	if got := accounts.balance(user); got != 70 {
		t.Errorf("balance after deduct: got %d, want 70", got)
	}
	if entry.Amount != -30 {
		t.Errorf("entry amount: got %d, want -30", entry.Amount)
	}
	if entry.BalanceBefore != 100 || entry.BalanceAfter != 70 {
		t.Errorf("entry balances: got %d -> %d, want 100 -> 70", entry.BalanceBefore, entry.BalanceAfter)
	}
	if entry.RelatedTaskID == nil || *entry.RelatedTaskID != task {
		t.Error("entry should reference the task")
	}
	if deds := entries.byType(models.EntryTypeDeduction); len(deds) != 1 {
		t.Errorf("deduction entries: got %d, want 1", len(deds))
	}
}

func TestDeduct_InsufficientBalance(t *testing.T) {
	user := uuid.New()

	accounts := newMockAccounts(acct(user, 5))
	entries := &mockEntries{}
	svc, _ := newTestService(accounts, entries)

	_, err := svc.Deduct(context.Background(), user, 12, nil, "too big", models.Actor{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}

	var ib *InsufficientBalanceError
	if !errors.As(err, &ib) {
		t.Fatalf("expected *InsufficientBalanceError, got: %T", err)
	}
	if ib.Shortfall() != 7 {
		t.Errorf("shortfall: got %d, want 7", ib.Shortfall())
	}

	// Nothing was written.
	if got := accounts.balance(user); got != 5 {
		t.Errorf("balance changed on failed deduct: got %d, want 5", got)
	}
	if entries.count() != 0 {
		t.Errorf("entries written on failed deduct: got %d, want 0", entries.count())
	}
}

func TestDeduct_UnknownAccount(t *testing.T) {
	svc, _ := newTestService(newMockAccounts(), &mockEntries{})
	_, err := svc.Deduct(context.Background(), uuid.New(), 1, nil, "", models.Actor{})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got: %v", err)
	}
}

// Concurrent deducts against one account must never overdraw it: with 100
// credits and twenty 10-credit deducts, exactly ten succeed and the final
// balance is zero.
func TestDeduct_ConcurrentNeverNegative(t *testing.T) {
	user := uuid.New()

	accounts := newMockAccounts(acct(user, 100))
	entries := &mockEntries{}
	svc, _ := newTestService(accounts, entries)

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deduct(context.Background(), user, 10, nil, "concurrent", models.Actor{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if ok != 10 || insufficient != 10 {
		t.Errorf("outcomes: got %d ok / %d insufficient, want 10/10", ok, insufficient)
	}
	if got := accounts.balance(user); got != 0 {
		t.Errorf("final balance: got %d, want 0", got)
	}
	if got := entries.count(); got != 10 {
		t.Errorf("ledger entries: got %d, want 10", got)
	}
}

// ---------------------------------------------------------------------------
// Refund / Grant
// ---------------------------------------------------------------------------

func TestRefund(t *testing.T) {
	user := uuid.New()
	task := uuid.New()

	accounts := newMockAccounts(acct(user, 0))
	entries := &mockEntries{}
	svc, _ := newTestService(accounts, entries)

	entry, err := svc.Refund(context.Background(), user, 40, &task, "task failed", models.Actor{})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := accounts.balance(user); got != 40 {
		t.Errorf("balance after refund: got %d, want 40", got)
	}
	if entry.EntryType != models.EntryTypeRefund || entry.Amount != 40 {
		t.Errorf("refund entry: got type %s amount %d", entry.EntryType, entry.Amount)
	}
}

func TestGrant_NegativeAdjustmentGuard(t *testing.T) {
	user := uuid.New()

	accounts := newMockAccounts(acct(user, 5))
	entries := &mockEntries{}
	svc, _ := newTestService(accounts, entries)

	// A correction larger than the balance must be rejected whole.
	_, err := svc.Grant(context.Background(), user, -10, models.EntryTypeAdminAdjustment, "correction", models.Actor{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}
	if got := accounts.balance(user); got != 5 {
		t.Errorf("balance changed on rejected adjustment: got %d, want 5", got)
	}

	// A correction within the balance goes through.
	entry, err := svc.Grant(context.Background(), user, -3, models.EntryTypeAdminAdjustment, "correction", models.Actor{})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if entry.BalanceAfter != 2 {
		t.Errorf("balance after adjustment: got %d, want 2", entry.BalanceAfter)
	}
}

func TestGrant_WritesAuditRecord(t *testing.T) {
	user := uuid.New()

	accounts := newMockAccounts(acct(user, 0))
	svc, audit := newTestService(accounts, &mockEntries{})

	entry, err := svc.Grant(context.Background(), user, 25, models.EntryTypePromotional, "welcome bonus", models.Actor{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	recs := audit.byAction(models.AuditActionCreditsGranted)
	if len(recs) != 1 {
		t.Fatalf("credits.granted records: got %d, want 1", len(recs))
	}
	if recs[0].UserID != user || recs[0].EntityID == nil || *recs[0].EntityID != entry.ID {
		t.Errorf("audit record not linked to the grant entry: %+v", recs[0])
	}
	if recs[0].ActorIP != "10.0.0.1" {
		t.Errorf("actor ip: got %q", recs[0].ActorIP)
	}
}

func TestGrant_RejectsInvalidEntryType(t *testing.T) {
	user := uuid.New()
	svc, _ := newTestService(newMockAccounts(acct(user, 0)), &mockEntries{})

	if _, err := svc.Grant(context.Background(), user, 10, models.EntryTypeDeduction, "", models.Actor{}); err == nil {
		t.Error("expected error for non-grant entry type")
	}
}

// ---------------------------------------------------------------------------
// CreateAccount
// ---------------------------------------------------------------------------

func TestCreateAccount_WithInitialGrant(t *testing.T) {
	user := uuid.New()

	accounts := newMockAccounts()
	entries := &mockEntries{}
	svc, audit := newTestService(accounts, entries)

	acc, err := svc.CreateAccount(context.Background(), user, 50, models.Actor{})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.Balance != 50 {
		t.Errorf("initial balance: got %d, want 50", acc.Balance)
	}

	grants := entries.byType(models.EntryTypeInitialGrant)
	if len(grants) != 1 {
		t.Fatalf("initial_grant entries: got %d, want 1", len(grants))
	}
	if grants[0].BalanceBefore != 0 || grants[0].BalanceAfter != 50 {
		t.Errorf("grant balances: got %d -> %d, want 0 -> 50", grants[0].BalanceBefore, grants[0].BalanceAfter)
	}
	if recs := audit.byAction(models.AuditActionCreditsGranted); len(recs) != 1 {
		t.Errorf("initial grant audit records: got %d, want 1", len(recs))
	}

	if _, err := svc.CreateAccount(context.Background(), user, 0, models.Actor{}); !errors.Is(err, ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func TestReconcile_DetectsAndRepairsDrift(t *testing.T) {
	user := uuid.New()

	accounts := newMockAccounts(acct(user, 90))
	entries := &mockEntries{
		folds: []repository.BalanceFold{{UserID: user, Cached: 90, Folded: 100}},
	}
	// The fold over actual entries is the repair target.
	entries.entries = []*models.LedgerEntry{
		{ID: uuid.New(), UserID: user, EntryType: models.EntryTypePurchase, Amount: 100, BalanceAfter: 100},
	}
	svc, audit := newTestService(accounts, entries)

	drifts, err := svc.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(drifts) != 1 || drifts[0].Cached != 90 || drifts[0].Folded != 100 {
		t.Fatalf("drifts: got %+v", drifts)
	}
	if got := accounts.balance(user); got != 90 {
		t.Errorf("detect-only run changed the balance: got %d", got)
	}

	if _, err := svc.Reconcile(context.Background(), true); err != nil {
		t.Fatalf("Reconcile repair: %v", err)
	}
	if got := accounts.balance(user); got != 100 {
		t.Errorf("balance after repair: got %d, want 100", got)
	}
	if recs := audit.byAction(models.AuditActionBalanceRepair); len(recs) != 1 {
		t.Errorf("balance.repaired audit records: got %d, want 1", len(recs))
	}
}

// ---------------------------------------------------------------------------
// HasSufficientBalance
// ---------------------------------------------------------------------------

func TestHasSufficientBalance(t *testing.T) {
	user := uuid.New()
	svc, _ := newTestService(newMockAccounts(acct(user, 30)), &mockEntries{})

	ok, bal, err := svc.HasSufficientBalance(context.Background(), user, 30)
	if err != nil || !ok || bal != 30 {
		t.Errorf("exact balance: got ok=%v bal=%d err=%v", ok, bal, err)
	}

	ok, bal, err = svc.HasSufficientBalance(context.Background(), user, 31)
	if err != nil || ok || bal != 30 {
		t.Errorf("one over: got ok=%v bal=%d err=%v", ok, bal, err)
	}

	if _, _, err := svc.HasSufficientBalance(context.Background(), uuid.New(), 1); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("unknown account: got %v", err)
	}
}
