// Package valuation computes and caches per-client valued portfolios.
//
// Two cache tiers are kept per client: the final snapshot (hard TTL, plus a
// soft freshness threshold checked on every read) and the raw upstream
// holdings (shorter TTL) so that a recomputation only re-prices. Stale
// snapshots are served immediately while a background recomputation
// replaces them. Concurrent computations for one client are collapsed into
// a single upstream pass.
package valuation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

const (
	snapshotPrefix = "portfolio:snap:"
	rawPrefix      = "holdings:raw:"
)

// Resolver maps scrips onto instrument tokens.
type Resolver interface {
	ResolveBatch(ctx context.Context, scrips []model.Scrip) model.TokenMap
}

// LivePrices reads last traded prices.
type LivePrices interface {
	GetLastPrices(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]float64
}

// PrevCloses reads cached previous closes.
type PrevCloses interface {
	GetPreviousClose(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]float64
}

// CashSource supplies the cash figures of a client.
type CashSource interface {
	CashSummary(ctx context.Context, clientID string) (model.CashSummary, error)
}

// Config tunes both cache tiers.
type Config struct {
	SnapshotTTL     time.Duration // final snapshot hard TTL, default 1h
	SoftTTL         time.Duration // freshness threshold, default 10s
	RawTTL          time.Duration // raw holdings TTL, default 10m
	UpstreamTimeout time.Duration // holdings fetch, default 60s
}

func (c *Config) defaults() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = time.Hour
	}
	if c.SoftTTL <= 0 {
		c.SoftTTL = 10 * time.Second
	}
	if c.RawTTL <= 0 {
		c.RawTTL = 10 * time.Minute
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 60 * time.Second
	}
}

// Deps bundles the collaborators of a Cache. Cash may be nil.
type Deps struct {
	KV       model.KVStore
	Holdings model.HoldingsSource
	Resolver Resolver
	Live     LivePrices
	Prev     PrevCloses
	Cash     CashSource
}

// Cache is the portfolio valuation cache.
type Cache struct {
	deps Deps
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	flights singleflight.Group

	mu         sync.Mutex
	refreshing map[string]bool

	// Optional hooks
	OnRevalidate    func(clientID string)
	OnHoldingsFetch func(err error)
	OnCompute       func(d time.Duration, err error)
	OnStaleServed   func(clientID string)
}

// New creates a Cache.
func New(deps Deps, cfg Config, log *slog.Logger) *Cache {
	cfg.defaults()
	return &Cache{
		deps:       deps,
		cfg:        cfg,
		log:        logger.Component(log, "valuation"),
		now:        time.Now,
		refreshing: make(map[string]bool),
	}
}

// GetCached returns the cached snapshot of clientID regardless of its age.
// It has no side effects.
func (c *Cache) GetCached(ctx context.Context, clientID string) (*model.PortfolioSnapshot, bool) {
	b, ok, err := c.deps.KV.Get(ctx, snapshotPrefix+clientID)
	if err != nil {
		c.log.Warn("snapshot read failed", "client", clientID, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var snap model.PortfolioSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		c.log.Warn("corrupt snapshot entry", "client", clientID, "err", err)
		return nil, false
	}
	return &snap, true
}

// Compute returns the valued portfolio of clientID.
//
// Without bypass a cached snapshot is returned as is; one older than the
// soft threshold also schedules a background recomputation. With bypass, or
// on a miss, the snapshot is recomputed (the raw holdings tier still
// applies). A failed recomputation falls back to any cached snapshot and
// only errors when none exists.
func (c *Cache) Compute(ctx context.Context, clientID string, bypass bool) (*model.PortfolioSnapshot, error) {
	if clientID == "" {
		return nil, fmt.Errorf("valuation: empty client id")
	}
	if !bypass {
		if snap, ok := c.GetCached(ctx, clientID); ok {
			if snap.Age(c.now()) > c.cfg.SoftTTL {
				c.revalidate(clientID)
			}
			return snap, nil
		}
	}

	snap, err := c.collapse(ctx, clientID)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if cached, ok := c.GetCached(ctx, clientID); ok {
		c.log.Warn("valuation failed, serving cached snapshot",
			append(logger.LogWithTrace(ctx), "client", clientID, "age", cached.Age(c.now()).String(), "err", err)...)
		if c.OnStaleServed != nil {
			c.OnStaleServed(clientID)
		}
		return cached, nil
	}
	return nil, fmt.Errorf("valuation %s: %w: %w", clientID, model.ErrNoHoldingsData, err)
}

// collapse runs build once per client no matter how many callers are
// waiting. The shared work is detached from any one caller's cancellation.
func (c *Cache) collapse(ctx context.Context, clientID string) (*model.PortfolioSnapshot, error) {
	work := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(clientID, func() (any, error) {
		return c.build(work, clientID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.PortfolioSnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate schedules at most one background recomputation per client.
func (c *Cache) revalidate(clientID string) {
	c.mu.Lock()
	if c.refreshing[clientID] {
		c.mu.Unlock()
		return
	}
	c.refreshing[clientID] = true
	c.mu.Unlock()

	if c.OnRevalidate != nil {
		c.OnRevalidate(clientID)
	}
	logger.Background(c.log, "revalidate "+clientID, func() error {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, clientID)
			c.mu.Unlock()
		}()
		_, err := c.collapse(context.Background(), clientID)
		return err
	})
}

// build runs the valuation pipeline and writes both cache tiers.
func (c *Cache) build(ctx context.Context, clientID string) (snap *model.PortfolioSnapshot, err error) {
	start := c.now()
	defer func() {
		if c.OnCompute != nil {
			c.OnCompute(c.now().Sub(start), err)
		}
	}()

	lots, err := c.rawHoldings(ctx, clientID)
	if err != nil {
		return nil, err
	}

	holdings := Aggregate(lots)
	snap = &model.PortfolioSnapshot{ClientID: clientID, Holdings: holdings}

	var (
		live, prev map[string]float64
		cash       model.CashSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	if len(holdings) > 0 {
		scrips := make([]model.Scrip, len(holdings))
		for i := range holdings {
			scrips[i] = holdings[i].Scrip()
		}
		tokens := c.deps.Resolver.ResolveBatch(ctx, scrips)
		for i := range holdings {
			if ref := tokens[scrips[i].String()]; ref != nil {
				holdings[i].Token = ref.Token
			}
		}
		g.Go(func() error {
			live = c.deps.Live.GetLastPrices(gctx, scrips, tokens)
			return nil
		})
		g.Go(func() error {
			prev = c.deps.Prev.GetPreviousClose(gctx, scrips, tokens)
			return nil
		})
	}
	if c.deps.Cash != nil {
		g.Go(func() error {
			summary, err := c.deps.Cash.CashSummary(gctx, clientID)
			if err != nil {
				c.log.Warn("cash summary unavailable", "client", clientID, "err", err)
				return nil
			}
			cash = summary
			return nil
		})
	}
	g.Wait()

	for i := range holdings {
		key := holdings[i].Scrip().String()
		lp, hasLive := live[key]
		pc, hasPrev := prev[key]
		Price(&holdings[i], lp, hasLive, pc, hasPrev)
	}
	snap.Cash = cash
	snap.Totals = Totals(holdings)
	snap.Timestamp = c.now()

	if b, err := json.Marshal(snap); err == nil {
		if err := c.deps.KV.Set(ctx, snapshotPrefix+clientID, b, c.cfg.SnapshotTTL); err != nil {
			c.log.Warn("snapshot write failed", "client", clientID, "err", err)
		}
	}
	c.log.Info("portfolio valued",
		append(logger.LogWithTrace(ctx), "client", clientID, "holdings", len(holdings), "value", snap.Totals.Value)...)
	return snap, nil
}

// rawHoldings reads the raw tier, falling back to the holdings source. An
// empty upstream result is cached like any other.
func (c *Cache) rawHoldings(ctx context.Context, clientID string) ([]model.HoldingLot, error) {
	key := rawPrefix + clientID
	if b, ok, err := c.deps.KV.Get(ctx, key); err != nil {
		c.log.Warn("raw holdings read failed", "client", clientID, "err", err)
	} else if ok {
		var lots []model.HoldingLot
		if err := json.Unmarshal(b, &lots); err == nil {
			return lots, nil
		}
		c.log.Warn("corrupt raw holdings entry", "client", clientID)
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()
	lots, err := c.deps.Holdings.FetchHoldings(fctx, clientID)
	if c.OnHoldingsFetch != nil {
		c.OnHoldingsFetch(err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch holdings %s: %w", clientID, err)
	}
	if lots == nil {
		lots = []model.HoldingLot{}
	}
	if b, err := json.Marshal(lots); err == nil {
		if err := c.deps.KV.Set(ctx, key, b, c.cfg.RawTTL); err != nil {
			c.log.Warn("raw holdings write failed", "client", clientID, "err", err)
		}
	}
	return lots, nil
}

// Invalidate drops both cache tiers of clientID.
func (c *Cache) Invalidate(ctx context.Context, clientID string) error {
	return c.deps.KV.Delete(ctx, snapshotPrefix+clientID, rawPrefix+clientID)
}
