// cmd/valuationd serves portfolio valuations, ledgers and prices over HTTP.
//
// Config comes from env vars, optionally layered over the YAML file named
// by CONFIG_FILE. See config.Config for the full list.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"portfolio-core/config"
	"portfolio-core/internal/api"
	"portfolio-core/internal/backoffice"
	"portfolio-core/internal/ledger"
	"portfolio-core/internal/livefeed"
	"portfolio-core/internal/logger"
	"portfolio-core/internal/metrics"
	"portfolio-core/internal/model"
	"portfolio-core/internal/prevclose"
	"portfolio-core/internal/session"
	"portfolio-core/internal/store/memory"
	redisstore "portfolio-core/internal/store/redis"
	sqlitestore "portfolio-core/internal/store/sqlite"
	"portfolio-core/internal/tokens"
	"portfolio-core/internal/valuation"
	smartconnect "portfolio-core/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[valuationd] starting...")

	cfg := config.MustLoad()
	slogger := logger.Init("valuationd", logger.ParseLevel(cfg.LogLevel))
	t := cfg.Tunables

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Shared KV cache ----
	kv, rdb, closeKV := openKV(ctx, cfg, prom, health, slogger)
	defer closeKV()

	// ---- Upstream session + SmartAPI ----
	// The session logs in through sc and sc signs secure calls with the
	// session token, so sc reads the provider through a late-bound func.
	var tokensSrc *session.Provider
	sc := smartconnect.NewSmartConnect(smartconnect.Config{
		APIKey:  cfg.AngelAPIKey,
		RootURL: cfg.SmartAPIURL,
		Tokens: tokenSourceFunc(func(ctx context.Context) (string, error) {
			return tokensSrc.UpstreamToken(ctx)
		}),
		Logger: slogger,
	})
	tokensSrc = session.NewProvider(session.SmartAPI(sc, session.Credentials{
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}, nil), t.SessionTTL, slogger)

	// ---- Token resolver ----
	resolver := tokens.New(kv, sc, tokens.Config{
		SearchTimeout: t.SearchTimeout,
		Concurrency:   t.ResolveConcurrency,
	}, slogger)
	resolver.OnCacheHit = prom.TokenCacheHits.Inc
	resolver.OnSearch = prom.TokenSearches.Inc

	// ---- Live price stream ----
	feed := livefeed.New(livefeed.Config{
		URL:              cfg.FeedURL,
		APIKey:           cfg.AngelAPIKey,
		ClientCode:       cfg.AngelClientCode,
		Tokens:           tokensSrc,
		HandshakeTimeout: t.HandshakeTimeout,
		PollInterval:     t.PollInterval,
		WaitTimeout:      t.PriceWait,
	}, resolver, slogger)
	feed.OnStateChange = func(_, to livefeed.State) {
		prom.FeedState.Set(float64(to))
		prom.FeedTransitions.WithLabelValues(to.String()).Inc()
		health.SetFeedState(to.String())
	}
	feed.OnTick = func() {
		prom.FeedTicks.Inc()
		health.SetLastTickTime(time.Now())
	}
	defer feed.Close()

	// ---- Previous close ----
	prev := prevclose.New(kv, sc, resolver, prevclose.Config{
		TTL:     t.PrevCloseTTL,
		Spacing: t.QuoteSpacing,
	}, slogger)
	prev.OnHit = func(n int) { prom.PrevCloseHits.Add(float64(n)) }
	prev.OnMiss = func(n int) { prom.PrevCloseMisses.Add(float64(n)) }
	prev.OnFetch = func(err error) { prom.PrevCloseFetches.WithLabelValues(metrics.Result(err)).Inc() }
	defer prev.Close()

	// ---- Back office + ledger ----
	bo := backoffice.New(backoffice.Config{
		BaseURL: cfg.BackofficeURL,
		Timeout: t.UpstreamTimeout,
		Tokens:  tokensSrc,
	}, slogger)

	var (
		ledgerSrc model.LedgerSource = bo
		ledgerDB  *sql.DB
	)
	if cfg.LedgerSQLitePath != "" {
		replica, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.LedgerSQLitePath}, slogger)
		if err != nil {
			log.Fatalf("[valuationd] ledger replica: %v", err)
		}
		defer replica.Close()
		ledgerSrc, ledgerDB = replica, replica.DB()
		health.EnableLedgerDB()
		log.Printf("[valuationd] ledger read from sqlite replica %s", cfg.LedgerSQLitePath)
	}

	ledgers := ledger.New(ledgerSrc, kv, ledger.Config{TTL: t.LedgerTTL, FetchTimeout: t.UpstreamTimeout}, slogger)
	ledgers.OnCacheHit = prom.LedgerCacheHits.Inc
	ledgers.OnFetch = func(err error) { prom.LedgerFetches.WithLabelValues(metrics.Result(err)).Inc() }

	// ---- Valuation cache ----
	portfolios := valuation.New(valuation.Deps{
		KV:       kv,
		Holdings: bo,
		Resolver: resolver,
		Live:     feed,
		Prev:     prev,
		Cash:     ledgers,
	}, valuation.Config{
		SnapshotTTL:     t.SnapshotTTL,
		SoftTTL:         t.SoftTTL,
		RawTTL:          t.RawHoldingsTTL,
		UpstreamTimeout: t.UpstreamTimeout,
	}, slogger)
	portfolios.OnRevalidate = func(string) { prom.Revalidations.Inc() }
	portfolios.OnStaleServed = func(string) { prom.StaleServed.Inc() }
	portfolios.OnHoldingsFetch = func(err error) { prom.HoldingsFetches.WithLabelValues(metrics.Result(err)).Inc() }
	portfolios.OnCompute = func(d time.Duration, err error) {
		prom.ValuationDur.Observe(d.Seconds())
		prom.Valuations.WithLabelValues(metrics.Result(err)).Inc()
	}

	// ---- Liveness ----
	health.StartLivenessChecker(ctx, rdb, ledgerDB, 10*time.Second)

	// ---- HTTP API ----
	router := api.NewRouter(&api.Handler{
		Portfolios: portfolios,
		Ledgers:    ledgers,
		Live:       feed,
		Prev:       prev,
	}, prom, slogger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[valuationd] api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[valuationd] api server: %v", err)
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[valuationd] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[valuationd] api shutdown: %v", err)
	}
	metricsSrv.Stop(shutdownCtx)

	log.Println("[valuationd] shutdown complete.")
}

// tokenSourceFunc adapts a function to model.TokenSource.
type tokenSourceFunc func(ctx context.Context) (string, error)

func (f tokenSourceFunc) UpstreamToken(ctx context.Context) (string, error) { return f(ctx) }

// openKV returns the shared cache. A Redis that cannot be reached at startup
// degrades to the in-process store instead of aborting.
func openKV(ctx context.Context, cfg *config.Config, prom *metrics.Metrics, health *metrics.HealthStatus, slogger *slog.Logger) (model.KVStore, *goredis.Client, func()) {
	useMemory := func() (model.KVStore, *goredis.Client, func()) {
		mem := memory.New()
		go mem.RunSweeper(ctx, time.Minute)
		return mem, nil, func() {}
	}

	if cfg.KVBackend == "memory" {
		log.Println("[valuationd] using in-process kv store")
		return useMemory()
	}

	store, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, slogger)
	if err != nil {
		log.Printf("[valuationd] WARNING: redis init failed: %v (continuing with in-process store)", err)
		return useMemory()
	}

	health.EnableRedis()
	store.Breaker().OnStateChange = func(_, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
		health.SetRedisConnected(to != redisstore.StateOpen)
	}
	log.Printf("[valuationd] redis kv store ready at %s", cfg.RedisAddr)
	return store, store.Client(), func() { store.Close() }
}
