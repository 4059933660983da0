package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Valuations.WithLabelValues(Result(nil)).Inc()
	m.Valuations.WithLabelValues(Result(errors.New("x"))).Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "valuation_computes_total" {
			found = true
			if n := len(f.GetMetric()); n != 2 {
				t.Errorf("expected ok and error series, got %d", n)
			}
		}
	}
	if !found {
		t.Error("valuation_computes_total not registered")
	}
}

func TestHealth_Statuses(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *HealthStatus)
		wantCode int
		want     string
	}{
		{"memory only", func(h *HealthStatus) {}, http.StatusOK, "healthy"},
		{"redis up", func(h *HealthStatus) { h.EnableRedis() }, http.StatusOK, "healthy"},
		{"redis down", func(h *HealthStatus) { h.EnableRedis(); h.SetRedisConnected(false) }, http.StatusServiceUnavailable, "degraded"},
		{"both down", func(h *HealthStatus) {
			h.EnableRedis()
			h.SetRedisConnected(false)
			h.EnableLedgerDB()
			h.SetLedgerDBOK(false)
		}, http.StatusServiceUnavailable, "unhealthy"},
		{"feed down is fine", func(h *HealthStatus) { h.SetFeedState("disconnected") }, http.StatusOK, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			tt.setup(h)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body struct {
				Status    string `json:"status"`
				FeedState string `json:"feed_state"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.want {
				t.Errorf("status = %q, want %q", body.Status, tt.want)
			}
			if body.FeedState == "" {
				t.Error("feed_state missing")
			}
		})
	}
}
