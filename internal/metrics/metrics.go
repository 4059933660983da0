package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the valuation service.
type Metrics struct {
	// Token resolver
	TokenCacheHits prometheus.Counter
	TokenSearches  prometheus.Counter

	// Live feed
	FeedTicks       prometheus.Counter
	FeedState       prometheus.Gauge       // 0=disconnected 1=connecting 2=authenticating 3=ready
	FeedTransitions *prometheus.CounterVec // labels: state

	// Previous close
	PrevCloseHits    prometheus.Counter
	PrevCloseMisses  prometheus.Counter
	PrevCloseFetches *prometheus.CounterVec // labels: result

	// Valuation
	ValuationDur    prometheus.Histogram
	Valuations      *prometheus.CounterVec // labels: result
	HoldingsFetches *prometheus.CounterVec // labels: result
	Revalidations   prometheus.Counter
	StaleServed     prometheus.Counter

	// Ledger
	LedgerCacheHits prometheus.Counter
	LedgerFetches   *prometheus.CounterVec // labels: result

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// HTTP API
	HTTPRequestDur *prometheus.HistogramVec // labels: route, code
}

// Result maps an error onto a "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// NewMetrics creates all metrics and registers them with reg, or with the
// default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TokenCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_token_cache_hits_total",
			Help: "Token resolutions served from the token cache",
		}),
		TokenSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_token_searches_total",
			Help: "Upstream symbol-search calls",
		}),

		FeedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_feed_ticks_total",
			Help: "Price updates applied from the market-data stream",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valuation_feed_state",
			Help: "Stream state (0=disconnected, 1=connecting, 2=authenticating, 3=ready)",
		}),
		FeedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_feed_transitions_total",
			Help: "Stream state transitions by target state",
		}, []string{"state"}),

		PrevCloseHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_prevclose_hits_total",
			Help: "Previous-close lookups served from cache",
		}),
		PrevCloseMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_prevclose_misses_total",
			Help: "Previous-close lookups queued for background fetch",
		}),
		PrevCloseFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_prevclose_fetches_total",
			Help: "Background quote fetches by result",
		}, []string{"result"}),

		ValuationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valuation_compute_duration_seconds",
			Help:    "Full portfolio valuation latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		Valuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_computes_total",
			Help: "Portfolio valuations by result",
		}, []string{"result"}),
		HoldingsFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_holdings_fetches_total",
			Help: "Upstream holdings fetches by result",
		}, []string{"result"}),
		Revalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_revalidations_total",
			Help: "Background recomputations of stale snapshots",
		}),
		StaleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_stale_served_total",
			Help: "Cached snapshots served after a failed recomputation",
		}),

		LedgerCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_ledger_cache_hits_total",
			Help: "Ledgers served from cache",
		}),
		LedgerFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_ledger_fetches_total",
			Help: "Ledger source fetches by result",
		}, []string{"result"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valuation_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		HTTPRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "valuation_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.TokenCacheHits,
		m.TokenSearches,
		m.FeedTicks,
		m.FeedState,
		m.FeedTransitions,
		m.PrevCloseHits,
		m.PrevCloseMisses,
		m.PrevCloseFetches,
		m.ValuationDur,
		m.Valuations,
		m.HoldingsFetches,
		m.Revalidations,
		m.StaleServed,
		m.LedgerCacheHits,
		m.LedgerFetches,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.HTTPRequestDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState      string    `json:"feed_state"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	LedgerDBOK     bool      `json:"ledger_db_ok"`
	LedgerDBUsed   bool      `json:"ledger_db_used"`

	// Liveness probe results
	RedisLatencyMs    float64   `json:"redis_latency_ms"`
	LedgerDBLatencyMs float64   `json:"ledger_db_latency_ms"`
	LastCheckAt       time.Time `json:"last_check_at"`
	StartedAt         time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState: "disconnected",
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedState(s string) {
	h.mu.Lock()
	h.FeedState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// EnableRedis marks Redis as a required dependency.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = true
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

// EnableLedgerDB marks the SQLite ledger replica as a required dependency.
func (h *HealthStatus) EnableLedgerDB() {
	h.mu.Lock()
	h.LedgerDBUsed = true
	h.LedgerDBOK = true
	h.mu.Unlock()
}

func (h *HealthStatus) SetLedgerDBOK(v bool) {
	h.mu.Lock()
	h.LedgerDBOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckLedgerDB pings the ledger replica and records latency + health.
func (h *HealthStatus) CheckLedgerDB(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.LedgerDBOK = err == nil
	h.LedgerDBLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, ledgerDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if ledgerDB != nil {
					h.CheckLedgerDB(probeCtx, ledgerDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The feed connects on demand, so
// its state is reported but does not degrade the service.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	ledgerDown := h.LedgerDBUsed && !h.LedgerDBOK
	if redisDown || ledgerDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if redisDown && ledgerDown {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		FeedState         string  `json:"feed_state"`
		LastTickTime      string  `json:"last_tick_time,omitempty"`
		TickAge           string  `json:"tick_age,omitempty"`
		RedisEnabled      bool    `json:"redis_enabled"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		LedgerDBUsed      bool    `json:"ledger_db_used"`
		LedgerDBOK        bool    `json:"ledger_db_ok"`
		LedgerDBLatencyMs float64 `json:"ledger_db_latency_ms"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		FeedState:         h.FeedState,
		LastTickTime:      lastTick,
		TickAge:           tickAge,
		RedisEnabled:      h.RedisEnabled,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		LedgerDBUsed:      h.LedgerDBUsed,
		LedgerDBOK:        h.LedgerDBOK,
		LedgerDBLatencyMs: h.LedgerDBLatencyMs,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
