package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portfolio-core/internal/model"
	"portfolio-core/internal/store/memory"
)

// fakeSearch serves canned results per exchange and records every call.
type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]model.ScripMatch // exchange -> results
	calls   []string                      // "EX:query"
	fail    map[string]bool               // exchange -> return error
	delay   time.Duration
}

func (f *fakeSearch) SearchScrip(ctx context.Context, exchange, query string) ([]model.ScripMatch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, exchange+":"+query)
	res, fail := f.results[exchange], f.fail[exchange]
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("%w: search down", model.ErrUpstream)
	}
	return res, nil
}

func (f *fakeSearch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSearch) exchangesCalled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestCleanSymbol(t *testing.T) {
	tests := map[string]string{
		"sbin-eq":     "SBIN",
		" INFY ":      "INFY",
		"RELIANCE.NS": "RELIANCE",
		"TATAMOTORS":  "TATAMOTORS",
		"-EQ":         "-EQ",
		"530421":      "530421",
	}
	for in, want := range tests {
		if got := CleanSymbol(in); got != want {
			t.Errorf("CleanSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolve_CachesPermanently(t *testing.T) {
	search := &fakeSearch{results: map[string][]model.ScripMatch{
		"NSE": {{Exchange: "NSE", TradingSymbol: "SBIN-EQ", Token: "3045"}},
	}}
	r := New(memory.New(), search, Config{}, nil)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "SBIN", "NSE")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	b, err := r.Resolve(ctx, "sbin-eq", "NSE")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if a.Token != "3045" || b.Token != a.Token {
		t.Errorf("expected identical token 3045, got %q and %q", a.Token, b.Token)
	}
	if n := search.callCount(); n != 1 {
		t.Errorf("expected at most one upstream search, got %d", n)
	}
}

func TestResolve_ConcurrentCallersShareOneSearch(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]model.ScripMatch{"NSE": {{Exchange: "NSE", TradingSymbol: "INFY-EQ", Token: "1594"}}},
		delay:   50 * time.Millisecond,
	}
	r := New(memory.New(), search, Config{}, nil)

	var wg sync.WaitGroup
	var bad atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := r.Resolve(context.Background(), "INFY", "NSE")
			if err != nil || ref.Token != "1594" {
				bad.Add(1)
			}
		}()
	}
	wg.Wait()

	if bad.Load() != 0 {
		t.Errorf("%d callers got a wrong result", bad.Load())
	}
	if n := search.callCount(); n != 1 {
		t.Errorf("expected 1 upstream search, got %d", n)
	}
}

func TestResolve_CancelledCallerDoesNotFailSharedSearch(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]model.ScripMatch{
			"NSE": {{Exchange: "NSE", TradingSymbol: "SBIN-EQ", Token: "3045"}},
			"BSE": {{Exchange: "BSE", TradingSymbol: "SBIN", Token: "500112"}},
		},
		delay: 200 * time.Millisecond,
	}
	r := New(memory.New(), search, Config{}, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, "SBIN", "NSE")
		errA <- err
	}()
	waitFor(t, func() bool { return search.callCount() == 1 })

	type result struct {
		ref *model.InstrumentRef
		err error
	}
	resB := make(chan result, 1)
	go func() {
		ref, err := r.Resolve(context.Background(), "SBIN", "NSE")
		resB <- result{ref, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: expected context.Canceled, got %v", err)
	}
	b := <-resB
	if b.err != nil {
		t.Fatalf("second caller: %v", b.err)
	}
	if b.ref.Exchange != "NSE" || b.ref.Token != "3045" {
		t.Errorf("second caller resolved %+v, want NSE 3045", b.ref)
	}
	if calls := search.exchangesCalled(); len(calls) != 1 || calls[0] != "NSE:SBIN" {
		t.Errorf("expected a single NSE search, got %v", calls)
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

func TestResolve_NumericIsBSEOnly(t *testing.T) {
	search := &fakeSearch{results: map[string][]model.ScripMatch{
		"NSE": {{Exchange: "NSE", TradingSymbol: "530421", Token: "NSE-WRONG"}},
		"BSE": {{Exchange: "BSE", TradingSymbol: "SOMECO", Token: "530421"}},
	}}
	r := New(memory.New(), search, Config{}, nil)

	ref, err := r.Resolve(context.Background(), "530421", "NSE")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Exchange != "BSE" || ref.Token != "530421" {
		t.Errorf("expected BSE token 530421, got %+v", ref)
	}
	for _, c := range search.exchangesCalled() {
		if c[:3] != "BSE" {
			t.Errorf("numeric symbol looked up on %s", c)
		}
	}
}

func TestResolve_NumericMissDoesNotFallBack(t *testing.T) {
	search := &fakeSearch{results: map[string][]model.ScripMatch{
		"NSE": {{Exchange: "NSE", TradingSymbol: "999999", Token: "1"}},
	}}
	r := New(memory.New(), search, Config{}, nil)

	_, err := r.Resolve(context.Background(), "999999", "NSE")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls := search.exchangesCalled(); len(calls) != 1 || calls[0] != "BSE:999999" {
		t.Errorf("expected a single BSE lookup, got %v", calls)
	}
}

func TestResolve_FallsBackToOtherExchange(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]model.ScripMatch{
			"BSE": {{Exchange: "BSE", TradingSymbol: "TINYCO", Token: "543210"}},
		},
	}
	r := New(memory.New(), search, Config{}, nil)

	ref, err := r.Resolve(context.Background(), "TINYCO", "NSE")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Exchange != "BSE" || ref.Token != "543210" {
		t.Errorf("expected BSE fallback, got %+v", ref)
	}
	if calls := search.exchangesCalled(); len(calls) != 2 || calls[0] != "NSE:TINYCO" {
		t.Errorf("expected NSE then BSE, got %v", calls)
	}
}

func TestResolve_UpstreamErrorTreatedAsMiss(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]model.ScripMatch{"BSE": {{Exchange: "BSE", TradingSymbol: "ABC", Token: "500001"}}},
		fail:    map[string]bool{"NSE": true},
	}
	r := New(memory.New(), search, Config{}, nil)

	ref, err := r.Resolve(context.Background(), "ABC", "NSE")
	if err != nil || ref.Token != "500001" {
		t.Fatalf("expected BSE result after NSE failure, got %+v %v", ref, err)
	}
}

func TestMatch_VariantPriority(t *testing.T) {
	results := []model.ScripMatch{
		{Exchange: "NSE", TradingSymbol: "TATAPOWER-EQ", Token: "1"},
		{Exchange: "BSE", TradingSymbol: "TATA", Token: "2"},
		{Exchange: "NSE", TradingSymbol: "TATA-EQ", Token: "3"},
		{Exchange: "NSE", TradingSymbol: "TATA", Token: "4"},
	}
	if tok, _ := match(results, "NSE", "TATA"); tok != "4" {
		t.Errorf("expected exact match token 4, got %s", tok)
	}
	if tok, _ := match(results[:3], "NSE", "TATA"); tok != "3" {
		t.Errorf("expected suffixed match token 3, got %s", tok)
	}
	if tok, _ := match(results[:1], "NSE", "TATA"); tok != "1" {
		t.Errorf("expected prefix match token 1, got %s", tok)
	}
	if _, ok := match(results[1:2], "NSE", "TATA"); ok {
		t.Error("match must be restricted to the exchange being tried")
	}
}

func TestResolveBatch_MarksMissingExplicitly(t *testing.T) {
	search := &fakeSearch{results: map[string][]model.ScripMatch{
		"NSE": {
			{Exchange: "NSE", TradingSymbol: "SBIN-EQ", Token: "3045"},
			{Exchange: "NSE", TradingSymbol: "INFY-EQ", Token: "1594"},
		},
	}}
	r := New(memory.New(), search, Config{Concurrency: 2}, nil)

	scrips := []model.Scrip{
		{Exchange: "NSE", Symbol: "SBIN"},
		{Exchange: "NSE", Symbol: "INFY"},
		{Exchange: "NSE", Symbol: "NOSUCH"},
		{Exchange: "NSE", Symbol: "SBIN"},
	}
	got := r.ResolveBatch(context.Background(), scrips)

	if len(got) != 3 {
		t.Fatalf("expected 3 distinct entries, got %d: %v", len(got), got)
	}
	if got["NSE|SBIN"] == nil || got["NSE|SBIN"].Token != "3045" {
		t.Errorf("unexpected SBIN entry %+v", got["NSE|SBIN"])
	}
	ref, present := got["NSE|NOSUCH"]
	if !present || ref != nil {
		t.Errorf("expected explicit nil for NOSUCH, got present=%v ref=%+v", present, ref)
	}
	if len(got.Resolved()) != 2 {
		t.Errorf("expected 2 resolved refs, got %d", len(got.Resolved()))
	}
}
