// Package tokens maps human-readable (exchange, symbol) pairs onto the
// opaque instrument tokens used by the market-data feed.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

const keyPrefix = "tok:"

// Suffixes stripped before lookup. Order matters: longer first.
var knownSuffixes = []string{"-EQ", "-BE", "-BZ", "-BL", "-SM", "-ST", ".NS", ".BO"}

// Config tunes upstream lookups.
type Config struct {
	SearchTimeout time.Duration // per search call, default 2s
	Concurrency   int           // batch parallelism, default 10
}

// Resolver resolves symbols through a permanent KV cache backed by the
// upstream symbol-search endpoint.
type Resolver struct {
	kv      model.KVStore
	search  model.SymbolSearcher
	cfg     Config
	log     *slog.Logger
	flights singleflight.Group

	// Optional metrics hooks
	OnCacheHit func()
	OnSearch   func()
}

// New creates a Resolver.
func New(kv model.KVStore, search model.SymbolSearcher, cfg Config, log *slog.Logger) *Resolver {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Resolver{
		kv:     kv,
		search: search,
		cfg:    cfg,
		log:    logger.Component(log, "tokens"),
	}
}

// CleanSymbol upper-cases s and strips one known series/market suffix.
func CleanSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, suf := range knownSuffixes {
		if strings.HasSuffix(s, suf) && len(s) > len(suf) {
			return strings.TrimSuffix(s, suf)
		}
	}
	return s
}

// IsNumeric reports whether s is a purely numeric scrip code.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// candidateExchanges lists exchanges to try in order. Numeric codes are
// BSE-only; everything else tries the preferred exchange then the other.
func candidateExchanges(symbol, preferred string) []string {
	if IsNumeric(symbol) {
		return []string{model.ExchangeBSE}
	}
	if model.NormalizeExchange(preferred) == model.ExchangeBSE {
		return []string{model.ExchangeBSE, model.ExchangeNSE}
	}
	return []string{model.ExchangeNSE, model.ExchangeBSE}
}

func cacheKey(exchange, symbol string) string {
	return keyPrefix + exchange + ":" + symbol
}

// Resolve maps symbol onto a token. It returns model.ErrNotFound when no
// exchange yields a match; upstream failures are logged and count as a miss.
func (r *Resolver) Resolve(ctx context.Context, symbol, preferredExchange string) (*model.InstrumentRef, error) {
	clean := CleanSymbol(symbol)
	if clean == "" {
		return nil, fmt.Errorf("empty symbol: %w", model.ErrNotFound)
	}

	for _, ex := range candidateExchanges(clean, preferredExchange) {
		token, err := r.resolveOn(ctx, ex, clean)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return &model.InstrumentRef{Exchange: ex, Symbol: clean, Token: token}, nil
	}
	return nil, fmt.Errorf("resolve %s: %w", clean, model.ErrNotFound)
}

// resolveOn looks up one exchange: cache first, then a collapsed upstream
// search so concurrent callers for the same pair share one call.
func (r *Resolver) resolveOn(ctx context.Context, exchange, symbol string) (string, error) {
	key := cacheKey(exchange, symbol)
	if b, ok, err := r.kv.Get(ctx, key); err != nil {
		r.log.Warn("token cache read failed", "key", key, "err", err)
	} else if ok && len(b) > 0 {
		if r.OnCacheHit != nil {
			r.OnCacheHit()
		}
		return string(b), nil
	}

	// The shared search outlives the caller that started it; SearchTimeout
	// still bounds it.
	work := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(key, func() (any, error) {
		// A concurrent flight may have filled the cache already.
		if b, ok, _ := r.kv.Get(work, key); ok && len(b) > 0 {
			return string(b), nil
		}
		return r.searchUpstream(work, exchange, symbol)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) searchUpstream(ctx context.Context, exchange, symbol string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	if r.OnSearch != nil {
		r.OnSearch()
	}
	matches, err := r.search.SearchScrip(sctx, exchange, symbol)
	if err != nil {
		r.log.Warn("symbol search failed", "exchange", exchange, "symbol", symbol, "err", err)
		return "", fmt.Errorf("search %s:%s: %w", exchange, symbol, err)
	}

	token, ok := match(matches, exchange, symbol)
	if !ok {
		return "", fmt.Errorf("search %s:%s: %w", exchange, symbol, model.ErrNotFound)
	}
	if err := r.kv.Set(ctx, cacheKey(exchange, symbol), []byte(token), 0); err != nil {
		r.log.Warn("token cache write failed", "exchange", exchange, "symbol", symbol, "err", err)
	}
	return token, nil
}

// match picks the first acceptable result on exchange, trying spelling
// variants in priority order: exact, market-segment suffixed, then prefix.
// Numeric codes also match on the token itself.
func match(results []model.ScripMatch, exchange, symbol string) (string, bool) {
	onExchange := make([]model.ScripMatch, 0, len(results))
	for _, m := range results {
		if model.NormalizeExchange(m.Exchange) == exchange && m.Token != "" {
			onExchange = append(onExchange, m)
		}
	}

	exact := func(m model.ScripMatch) bool { return strings.EqualFold(m.TradingSymbol, symbol) }
	suffixed := func(m model.ScripMatch) bool {
		ts := strings.ToUpper(m.TradingSymbol)
		return ts == symbol+"-EQ" || ts == symbol+"-BE"
	}
	prefix := func(m model.ScripMatch) bool {
		return strings.HasPrefix(strings.ToUpper(m.TradingSymbol), symbol)
	}
	byToken := func(m model.ScripMatch) bool { return IsNumeric(symbol) && m.Token == symbol }

	for _, accept := range []func(model.ScripMatch) bool{exact, byToken, suffixed, prefix} {
		for _, m := range onExchange {
			if accept(m) {
				return m.Token, true
			}
		}
	}
	return "", false
}

// ResolveBatch resolves scrips in bounded parallel groups. Every input scrip
// appears in the result; unresolved ones map to nil.
func (r *Resolver) ResolveBatch(ctx context.Context, scrips []model.Scrip) model.TokenMap {
	out := make(model.TokenMap, len(scrips))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	seen := make(map[string]bool, len(scrips))
	for _, s := range scrips {
		key := s.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		s := s
		g.Go(func() error {
			ref, err := r.Resolve(ctx, s.Symbol, s.Exchange)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				r.log.Warn("resolve failed", "scrip", key, "err", err)
			}
			mu.Lock()
			out[key] = ref
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}
