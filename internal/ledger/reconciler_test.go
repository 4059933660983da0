package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portfolio-core/internal/calendar"
	"portfolio-core/internal/model"
	"portfolio-core/internal/store/memory"
)

type fakeSource struct {
	mu    sync.Mutex
	rows  []model.LedgerRow
	err   error
	calls int
	from  time.Time
	to    time.Time
	gate  chan struct{} // when set, fetches block until it is closed
}

func (f *fakeSource) FetchLedgerRows(ctx context.Context, _ string, from, to time.Time) ([]model.LedgerRow, error) {
	f.mu.Lock()
	f.calls++
	f.from, f.to = from, to
	rows, err, gate := f.rows, f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return rows, err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestReconciler(src *fakeSource, kv model.KVStore, now time.Time) *Reconciler {
	r := New(src, kv, Config{}, nil)
	r.now = func() time.Time { return now }
	return r
}

var sampleRows = []model.LedgerRow{
	{VoucherType: "OP", Opening: 1000},
	{Date: "02-04-2024", Credit: 500, VoucherType: "BR", Exchange: "NSE_CASH"},
	{Date: "01-04-2024", Debit: 200, VoucherType: "BP", Exchange: "NSE_CASH"},
}

func TestGetLedger_CachesPerClientAndYear(t *testing.T) {
	src := &fakeSource{rows: sampleRows}
	kv := memory.New()
	r := newTestReconciler(src, kv, time.Date(2024, 6, 1, 0, 0, 0, 0, calendar.IST))
	ctx := context.Background()

	first, err := r.GetLedger(ctx, "C1", "2024-25")
	if err != nil {
		t.Fatalf("GetLedger: %v", err)
	}
	second, err := r.GetLedger(ctx, "C1", "2024-2025")
	if err != nil {
		t.Fatalf("GetLedger (cached): %v", err)
	}
	if src.calls != 1 {
		t.Errorf("expected one source call, got %d", src.calls)
	}
	if len(second) != len(first) || second[2].Balance.String() != "1300.00" {
		t.Errorf("cached ledger differs: %v vs %v", balances(second), balances(first))
	}
	if second[1].CostCenter != "NSE-EQ" || second[1].TransType != "Bank Payment" {
		t.Errorf("unexpected decoded entry %+v", second[1])
	}
	if ttl, ok := kv.TTL("ledger:C1:2024-25"); !ok || ttl <= 59*time.Minute {
		t.Errorf("expected ~1h TTL, got %v (present=%v)", ttl, ok)
	}
}

func TestGetLedger_DefaultsToCurrentYear(t *testing.T) {
	src := &fakeSource{}
	r := newTestReconciler(src, memory.New(), time.Date(2025, 2, 10, 12, 0, 0, 0, calendar.IST))

	if _, err := r.GetLedger(context.Background(), "C1", ""); err != nil {
		t.Fatalf("GetLedger: %v", err)
	}
	wantFrom, wantTo := calendar.FinancialYear{StartYear: 2024}.Range()
	if !src.from.Equal(wantFrom) || !src.to.Equal(wantTo) {
		t.Errorf("queried %v..%v, want %v..%v", src.from, src.to, wantFrom, wantTo)
	}
}

func TestGetLedger_FailurePropagatesWithoutCaching(t *testing.T) {
	src := &fakeSource{err: model.ErrUpstream}
	kv := memory.New()
	r := newTestReconciler(src, kv, time.Date(2024, 6, 1, 0, 0, 0, 0, calendar.IST))

	_, err := r.GetLedger(context.Background(), "C1", "2024-25")
	if !errors.Is(err, model.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if ok, _ := kv.Exists(context.Background(), "ledger:C1:2024-25"); ok {
		t.Error("failed fetch must not be cached")
	}
}

func TestGetLedger_InvalidYear(t *testing.T) {
	r := newTestReconciler(&fakeSource{}, memory.New(), time.Now())
	if _, err := r.GetLedger(context.Background(), "C1", "24-25"); err == nil {
		t.Error("expected error for malformed financial year")
	}
}

func TestCashSummary_LastBalance(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, calendar.IST)
	r := newTestReconciler(&fakeSource{rows: sampleRows}, memory.New(), now)

	cash, err := r.CashSummary(context.Background(), "C1")
	if err != nil {
		t.Fatalf("CashSummary: %v", err)
	}
	if cash.LedgerBalance != 1300 || !cash.AsOf.Equal(now) {
		t.Errorf("unexpected cash %+v", cash)
	}
}

func TestInvalidate_DropsAllYears(t *testing.T) {
	src := &fakeSource{rows: sampleRows}
	kv := memory.New()
	r := newTestReconciler(src, kv, time.Date(2024, 6, 1, 0, 0, 0, 0, calendar.IST))
	ctx := context.Background()

	r.GetLedger(ctx, "C1", "2023-24")
	r.GetLedger(ctx, "C1", "2024-25")
	r.GetLedger(ctx, "C2", "2024-25")
	if err := r.Invalidate(ctx, "C1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	keys, _ := kv.Keys(ctx, "ledger:*")
	if len(keys) != 1 || keys[0] != "ledger:C2:2024-25" {
		t.Errorf("unexpected keys after invalidate: %v", keys)
	}
}

func TestGetLedger_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	src := &fakeSource{rows: sampleRows, gate: make(chan struct{})}
	kv := memory.New()
	r := newTestReconciler(src, kv, time.Date(2024, 6, 1, 0, 0, 0, 0, calendar.IST))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.GetLedger(ctxA, "C1", "2024-25")
		errA <- err
	}()
	waitFor(t, func() bool { return src.callCount() == 1 })

	type result struct {
		entries []model.LedgerEntry
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		entries, err := r.GetLedger(context.Background(), "C1", "2024-25")
		resB <- result{entries, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: expected context.Canceled, got %v", err)
	}
	close(src.gate)

	b := <-resB
	if b.err != nil {
		t.Fatalf("second caller: %v", b.err)
	}
	if n := len(b.entries); n != 3 || b.entries[n-1].Balance.String() != "1300.00" {
		t.Errorf("unexpected ledger %v", balances(b.entries))
	}
	if n := src.callCount(); n != 1 {
		t.Errorf("expected one shared fetch, got %d", n)
	}
	if ok, _ := kv.Exists(context.Background(), "ledger:C1:2024-25"); !ok {
		t.Error("shared fetch result must be cached")
	}
}

func TestGetLedger_FetchTimeoutBoundsSharedFetch(t *testing.T) {
	src := &fakeSource{rows: sampleRows, gate: make(chan struct{})}
	r := New(src, memory.New(), Config{FetchTimeout: 30 * time.Millisecond}, nil)

	_, err := r.GetLedger(context.Background(), "C1", "2024-25")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
