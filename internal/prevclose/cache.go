// Package prevclose caches previous-session closing prices. Reads never
// wait on the upstream quote endpoint: misses are queued for a background
// loop that fetches one quote at a time at a fixed spacing.
package prevclose

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

const keyPrefix = "prevclose:"

// Resolver maps scrips onto instrument tokens.
type Resolver interface {
	ResolveBatch(ctx context.Context, scrips []model.Scrip) model.TokenMap
}

// Config tunes the cache and the background fetch loop.
type Config struct {
	TTL          time.Duration // default 24h
	Spacing      time.Duration // gap between upstream quotes, default 600ms
	FetchTimeout time.Duration // per quote, default 10s
	ReadParallel int           // concurrent cache reads, default 16
}

// Cache is the previous-close cache.
type Cache struct {
	kv       model.KVStore
	quotes   model.QuoteSource
	resolver Resolver
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	queue    []model.InstrumentRef
	queued   map[string]bool // queued or being fetched
	draining bool
	last     time.Time
	stop     chan struct{}
	stopped  bool

	// Optional metrics hooks
	OnHit   func(n int)
	OnMiss  func(n int)
	OnFetch func(err error)
}

// New creates a Cache. resolver may be nil when callers always pass
// complete token maps.
func New(kv model.KVStore, quotes model.QuoteSource, resolver Resolver, cfg Config, log *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = 600 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.ReadParallel <= 0 {
		cfg.ReadParallel = 16
	}
	return &Cache{
		kv:       kv,
		quotes:   quotes,
		resolver: resolver,
		cfg:      cfg,
		log:      logger.Component(log, "prevclose"),
		queued:   make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

func cacheKey(exchange, token string) string {
	return keyPrefix + exchange + ":" + token
}

// GetPreviousClose returns the cached previous close for each scrip, keyed
// by scrip ("NSE|SBIN"). Uncached instruments are queued for a background
// fetch and are absent from this result; the call never waits for them.
func (c *Cache) GetPreviousClose(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]float64 {
	refs := c.refsFor(ctx, scrips, tokens)
	out := make(map[string]float64, len(refs))

	var mu sync.Mutex
	var misses []*model.InstrumentRef
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.ReadParallel)
	for scrip, ref := range refs {
		scrip, ref := scrip, ref
		g.Go(func() error {
			price, ok := c.cached(ctx, ref)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				out[scrip] = price
			} else {
				misses = append(misses, ref)
			}
			return nil
		})
	}
	g.Wait()

	if c.OnHit != nil && len(out) > 0 {
		c.OnHit(len(out))
	}
	if len(misses) > 0 {
		if c.OnMiss != nil {
			c.OnMiss(len(misses))
		}
		c.enqueue(misses)
	}
	return out
}

func (c *Cache) cached(ctx context.Context, ref *model.InstrumentRef) (float64, bool) {
	b, ok, err := c.kv.Get(ctx, cacheKey(ref.Exchange, ref.Token))
	if err != nil {
		c.log.Warn("previous close read failed", "instrument", ref.Key(), "err", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		c.log.Warn("corrupt previous close entry", "instrument", ref.Key(), "value", string(b))
		return 0, false
	}
	return price, true
}

func (c *Cache) refsFor(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]*model.InstrumentRef {
	refs := make(map[string]*model.InstrumentRef, len(scrips))
	var missing []model.Scrip
	for _, s := range scrips {
		ref, ok := tokens[s.String()]
		if !ok {
			missing = append(missing, s)
			continue
		}
		if ref != nil {
			refs[s.String()] = ref
		}
	}
	if len(missing) > 0 && c.resolver != nil {
		for k, ref := range c.resolver.ResolveBatch(ctx, missing) {
			if ref != nil {
				refs[k] = ref
			}
		}
	}
	return refs
}

// enqueue adds refs not already queued or in flight and starts the drain
// loop if it is idle.
func (c *Cache) enqueue(refs []*model.InstrumentRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for _, ref := range refs {
		k := ref.Key()
		if c.queued[k] {
			continue
		}
		c.queued[k] = true
		c.queue = append(c.queue, *ref)
	}
	if len(c.queue) > 0 && !c.draining {
		c.draining = true
		go c.drain()
	}
}

// Pending returns the number of instruments queued or being fetched.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

// drain fetches queued quotes one at a time, at least Spacing apart.
func (c *Cache) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.stopped {
			c.draining = false
			c.mu.Unlock()
			return
		}
		ref := c.queue[0]
		c.queue = c.queue[1:]
		wait := time.Until(c.last.Add(c.cfg.Spacing))
		c.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-c.stop:
				t.Stop()
				return
			}
		}

		err := c.fetch(ref)
		if c.OnFetch != nil {
			c.OnFetch(err)
		}

		c.mu.Lock()
		c.last = time.Now()
		delete(c.queued, ref.Key())
		c.mu.Unlock()
	}
}

func (c *Cache) fetch(ref model.InstrumentRef) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	price, err := c.quotes.PreviousClose(ctx, ref.Exchange, ref.Token)
	if err != nil {
		c.log.Warn("previous close fetch failed", "instrument", ref.Key(), "err", err)
		return err
	}
	if price <= 0 {
		c.log.Debug("no previous close", "instrument", ref.Key())
		return nil
	}
	val := strconv.FormatFloat(price, 'f', -1, 64)
	if err := c.kv.Set(ctx, cacheKey(ref.Exchange, ref.Token), []byte(val), c.cfg.TTL); err != nil {
		c.log.Warn("previous close write failed", "instrument", ref.Key(), "err", err)
		return err
	}
	return nil
}

// Close stops the background loop. Queued fetches are dropped.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
}
