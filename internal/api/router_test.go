package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"portfolio-core/internal/metrics"
	"portfolio-core/internal/model"
)

type fakePortfolios struct {
	snap        *model.PortfolioSnapshot
	err         error
	lastBypass  bool
	invalidated []string
}

func (f *fakePortfolios) Compute(_ context.Context, clientID string, bypass bool) (*model.PortfolioSnapshot, error) {
	f.lastBypass = bypass
	if f.err != nil {
		return nil, f.err
	}
	s := *f.snap
	s.ClientID = clientID
	return &s, nil
}

func (f *fakePortfolios) Invalidate(_ context.Context, clientID string) error {
	f.invalidated = append(f.invalidated, clientID)
	return nil
}

type fakeLedgers struct {
	entries []model.LedgerEntry
	err     error
	lastFY  string
}

func (f *fakeLedgers) GetLedger(_ context.Context, _ string, fy string) ([]model.LedgerEntry, error) {
	f.lastFY = fy
	return f.entries, f.err
}

type fakePrices map[string]float64

func (f fakePrices) pick(scrips []model.Scrip) map[string]float64 {
	out := map[string]float64{}
	for _, s := range scrips {
		if p, ok := f[s.String()]; ok {
			out[s.String()] = p
		}
	}
	return out
}

func (f fakePrices) GetLastPrices(_ context.Context, scrips []model.Scrip, _ model.TokenMap) map[string]float64 {
	return f.pick(scrips)
}

func (f fakePrices) GetPreviousClose(_ context.Context, scrips []model.Scrip, _ model.TokenMap) map[string]float64 {
	return f.pick(scrips)
}

type env struct {
	portfolios *fakePortfolios
	ledgers    *fakeLedgers
	router     http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	e := &env{
		portfolios: &fakePortfolios{snap: &model.PortfolioSnapshot{
			Holdings:  []model.AggregatedHolding{{Symbol: "SBIN", Quantity: 150, AvgPrice: 60}},
			Timestamp: now.Add(-12 * time.Second),
		}},
		ledgers: &fakeLedgers{entries: []model.LedgerEntry{{Particulars: "Opening Balance", Balance: model.NewMoney(1000)}}},
	}
	h := &Handler{
		Portfolios: e.portfolios,
		Ledgers:    e.ledgers,
		Live:       fakePrices{"NSE|SBIN": 812.5},
		Prev:       fakePrices{"NSE|SBIN": 800, "NSE|INFY": 1490},
		now:        func() time.Time { return now },
	}
	e.router = NewRouter(h, metrics.NewMetrics(prometheus.NewRegistry()), nil)
	return e
}

func (e *env) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestGetPortfolio(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/api/v1/portfolio/C1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("X-Snapshot-Age"); got != "12.0" {
		t.Errorf("X-Snapshot-Age = %q, want 12.0", got)
	}
	if rec.Header().Get(TraceHeader) == "" {
		t.Error("missing trace header")
	}
	var snap model.PortfolioSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ClientID != "C1" || len(snap.Holdings) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if e.portfolios.lastBypass {
		t.Error("plain GET must not bypass the cache")
	}

	e.do(http.MethodGet, "/api/v1/portfolio/C1?refresh=1")
	if !e.portfolios.lastBypass {
		t.Error("refresh=1 must bypass the cache")
	}
}

func TestGetPortfolio_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("valuation C1: %w: %w", model.ErrNoHoldingsData, model.ErrUpstream), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := newEnv(t)
		e.portfolios.err = tt.err
		if rec := e.do(http.MethodGet, "/api/v1/portfolio/C1"); rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestInvalidatePortfolio(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodDelete, "/api/v1/portfolio/C7")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(e.portfolios.invalidated) != 1 || e.portfolios.invalidated[0] != "C7" {
		t.Errorf("invalidated %v", e.portfolios.invalidated)
	}
}

func TestGetLedger(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/ledger/C1?fy=2024-25")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if e.ledgers.lastFY != "2024-25" {
		t.Errorf("fy passed = %q", e.ledgers.lastFY)
	}
	var body []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || body[0]["balance"] != 1000.0 {
		t.Errorf("unexpected ledger %v", body)
	}

	if rec := e.do(http.MethodGet, "/api/v1/ledger/C1?fy=nonsense"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad fy status = %d, want 400", rec.Code)
	}

	e.ledgers.err = fmt.Errorf("ledger: %w", model.ErrUpstream)
	if rec := e.do(http.MethodGet, "/api/v1/ledger/C1"); rec.Code != http.StatusBadGateway {
		t.Errorf("upstream failure status = %d, want 502", rec.Code)
	}
}

func TestPrices(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/prices/live?scrip=NSE%7CSBIN&scrip=NSE%7CINFY")
	var live map[string]float64
	json.NewDecoder(rec.Body).Decode(&live)
	if rec.Code != http.StatusOK || len(live) != 1 || live["NSE|SBIN"] != 812.5 {
		t.Errorf("live: %d %v", rec.Code, live)
	}

	rec = e.do(http.MethodGet, "/api/v1/prices/prevclose?scrip=NSE%7CSBIN,nse%7Cinfy")
	var prev map[string]float64
	json.NewDecoder(rec.Body).Decode(&prev)
	if rec.Code != http.StatusOK || len(prev) != 2 || prev["NSE|INFY"] != 1490 {
		t.Errorf("prevclose: %d %v", rec.Code, prev)
	}

	for _, target := range []string{"/api/v1/prices/live", "/api/v1/prices/live?scrip=SBIN"} {
		if rec := e.do(http.MethodGet, target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestTraceHeaderPropagated(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(TraceHeader, "abc-123")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if got := rec.Header().Get(TraceHeader); got != "abc-123" {
		t.Errorf("trace header = %q, want abc-123", got)
	}
}
