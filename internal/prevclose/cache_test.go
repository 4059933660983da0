package prevclose

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portfolio-core/internal/model"
	"portfolio-core/internal/store/memory"
)

type fakeQuotes struct {
	mu     sync.Mutex
	prices map[string]float64 // "EX|TOKEN" -> close
	calls  []time.Time
	keys   []string
	delay  time.Duration
	fail   bool
}

func (f *fakeQuotes) PreviousClose(ctx context.Context, exchange, token string) (float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.keys = append(f.keys, model.PriceKey(exchange, token))
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return 0, errors.New("quote endpoint down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[model.PriceKey(exchange, token)]
	if !ok {
		return 0, model.ErrNotFound
	}
	return p, nil
}

func (f *fakeQuotes) snapshot() ([]time.Time, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...), append([]string(nil), f.keys...)
}

var (
	sbin   = model.Scrip{Exchange: "NSE", Symbol: "SBIN"}
	infy   = model.Scrip{Exchange: "NSE", Symbol: "INFY"}
	tcs    = model.Scrip{Exchange: "NSE", Symbol: "TCS"}
	tokMap = model.TokenMap{
		"NSE|SBIN": {Exchange: "NSE", Symbol: "SBIN", Token: "3045"},
		"NSE|INFY": {Exchange: "NSE", Symbol: "INFY", Token: "1594"},
		"NSE|TCS":  {Exchange: "NSE", Symbol: "TCS", Token: "11536"},
	}
)

func newTestCache(t *testing.T, kv model.KVStore, q *fakeQuotes, spacing time.Duration) *Cache {
	t.Helper()
	c := New(kv, q, nil, Config{Spacing: spacing}, nil)
	t.Cleanup(c.Close)
	return c
}

func waitIdle(t *testing.T, c *Cache) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch queue not drained, %d pending", c.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetPreviousClose_ReturnsCachedImmediately(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	kv.Set(ctx, "prevclose:NSE:3045", []byte("801.5"), time.Hour)

	q := &fakeQuotes{}
	c := newTestCache(t, kv, q, time.Millisecond)

	got := c.GetPreviousClose(ctx, []model.Scrip{sbin}, tokMap)
	if got["NSE|SBIN"] != 801.5 {
		t.Errorf("expected cached 801.5, got %v", got)
	}
	if calls, _ := q.snapshot(); len(calls) != 0 {
		t.Errorf("cached entry must not hit upstream, got %d calls", len(calls))
	}
}

func TestGetPreviousClose_MissFetchedInBackground(t *testing.T) {
	kv := memory.New()
	q := &fakeQuotes{prices: map[string]float64{"NSE|1594": 1480.25}}
	c := newTestCache(t, kv, q, time.Millisecond)
	ctx := context.Background()

	if got := c.GetPreviousClose(ctx, []model.Scrip{infy}, tokMap); len(got) != 0 {
		t.Fatalf("first call must not include uncached prices, got %v", got)
	}
	waitIdle(t, c)

	got := c.GetPreviousClose(ctx, []model.Scrip{infy}, tokMap)
	if got["NSE|INFY"] != 1480.25 {
		t.Errorf("expected 1480.25 after background fetch, got %v", got)
	}
	if ttl, ok := kv.TTL("prevclose:NSE:1594"); !ok || ttl <= 23*time.Hour {
		t.Errorf("expected ~24h TTL, got %v (present=%v)", ttl, ok)
	}
}

func TestGetPreviousClose_NeverWaitsForUpstream(t *testing.T) {
	q := &fakeQuotes{prices: map[string]float64{"NSE|3045": 1}, delay: 500 * time.Millisecond}
	c := newTestCache(t, memory.New(), q, time.Millisecond)

	start := time.Now()
	c.GetPreviousClose(context.Background(), []model.Scrip{sbin}, tokMap)
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("call blocked for %v", d)
	}
}

func TestGetPreviousClose_DedupesQueue(t *testing.T) {
	q := &fakeQuotes{prices: map[string]float64{"NSE|3045": 1}, delay: 50 * time.Millisecond}
	c := newTestCache(t, memory.New(), q, time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetPreviousClose(ctx, []model.Scrip{sbin}, tokMap)
		}()
	}
	wg.Wait()
	waitIdle(t, c)

	if _, keys := q.snapshot(); len(keys) != 1 {
		t.Errorf("expected one upstream fetch, got %v", keys)
	}
}

func TestDrain_SpacesRequests(t *testing.T) {
	spacing := 40 * time.Millisecond
	q := &fakeQuotes{prices: map[string]float64{"NSE|3045": 1, "NSE|1594": 2, "NSE|11536": 3}}
	c := newTestCache(t, memory.New(), q, spacing)

	c.GetPreviousClose(context.Background(), []model.Scrip{sbin, infy, tcs}, tokMap)
	waitIdle(t, c)

	calls, _ := q.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 fetches, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < spacing {
			t.Errorf("fetch %d followed previous after %v, want >= %v", i, gap, spacing)
		}
	}
}

func TestFetchFailure_RequeuedOnNextRequest(t *testing.T) {
	q := &fakeQuotes{fail: true}
	c := newTestCache(t, memory.New(), q, time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	var errs []error
	c.OnFetch = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	c.GetPreviousClose(ctx, []model.Scrip{sbin}, tokMap)
	waitIdle(t, c)
	c.GetPreviousClose(ctx, []model.Scrip{sbin}, tokMap)
	waitIdle(t, c)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 || errs[0] == nil {
		t.Errorf("expected two failed fetches, got %v", errs)
	}
}

type fakeResolver struct{ calls int }

func (r *fakeResolver) ResolveBatch(_ context.Context, scrips []model.Scrip) model.TokenMap {
	r.calls++
	out := model.TokenMap{}
	for _, s := range scrips {
		out[s.String()] = tokMap[s.String()]
	}
	return out
}

func TestGetPreviousClose_ResolvesMissingTokens(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	kv.Set(ctx, "prevclose:NSE:11536", []byte("3900"), time.Hour)

	r := &fakeResolver{}
	c := New(kv, &fakeQuotes{}, r, Config{}, nil)
	defer c.Close()

	got := c.GetPreviousClose(ctx, []model.Scrip{tcs}, nil)
	if got["NSE|TCS"] != 3900 || r.calls != 1 {
		t.Errorf("expected resolved TCS 3900 with one batch, got %v (calls=%d)", got, r.calls)
	}
}
