// Package ledger turns raw back-office ledger rows into an ordered ledger
// with running balances, cached per client and financial year.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"portfolio-core/internal/calendar"
	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

const keyPrefix = "ledger:"

// Config tunes the ledger cache.
type Config struct {
	TTL          time.Duration // default 1h
	FetchTimeout time.Duration // bounds one shared source fetch, default 60s
}

// Reconciler serves reconciled ledgers through the KV cache.
type Reconciler struct {
	src     model.LedgerSource
	kv      model.KVStore
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	flights singleflight.Group

	// Optional metrics hooks
	OnCacheHit func()
	OnFetch    func(err error)
}

// New creates a Reconciler.
func New(src model.LedgerSource, kv model.KVStore, cfg Config, log *slog.Logger) *Reconciler {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	return &Reconciler{
		src: src,
		kv:  kv,
		cfg: cfg,
		log: logger.Component(log, "ledger"),
		now: time.Now,
	}
}

func cacheKey(clientID string, fy calendar.FinancialYear) string {
	return keyPrefix + clientID + ":" + fy.String()
}

// GetLedger returns the reconciled ledger of clientID for financial year fy
// ("2024-25"); an empty fy means the current one. Source failures are
// returned as is; there is no stale fallback.
func (r *Reconciler) GetLedger(ctx context.Context, clientID, fy string) ([]model.LedgerEntry, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("ledger: empty client id")
	}
	year := calendar.CurrentFinancialYear(r.now())
	if strings.TrimSpace(fy) != "" {
		var err error
		if year, err = calendar.ParseFinancialYear(fy); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}

	key := cacheKey(clientID, year)
	if entries, ok := r.cached(ctx, key); ok {
		if r.OnCacheHit != nil {
			r.OnCacheHit()
		}
		return entries, nil
	}

	return r.collapse(ctx, key, clientID, year)
}

// collapse fetches and reconciles once per key however many callers wait.
// The fetch is detached from the cancellation of whichever caller started it.
func (r *Reconciler) collapse(ctx context.Context, key, clientID string, year calendar.FinancialYear) ([]model.LedgerEntry, error) {
	ch := r.flights.DoChan(key, func() (any, error) {
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()
		return r.fetch(work, key, clientID, year)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.LedgerEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) fetch(ctx context.Context, key, clientID string, year calendar.FinancialYear) ([]model.LedgerEntry, error) {
	from, to := year.Range()
	rows, err := r.src.FetchLedgerRows(ctx, clientID, from, to)
	if r.OnFetch != nil {
		r.OnFetch(err)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger %s %s: %w", clientID, year, err)
	}

	entries := Reconcile(rows)
	if b, err := json.Marshal(entries); err == nil {
		if err := r.kv.Set(ctx, key, b, r.cfg.TTL); err != nil {
			r.log.Warn("ledger cache write failed", "key", key, "err", err)
		}
	}
	r.log.Debug("ledger reconciled", "client", clientID, "fy", year.String(), "rows", len(rows), "entries", len(entries))
	return entries, nil
}

func (r *Reconciler) cached(ctx context.Context, key string) ([]model.LedgerEntry, bool) {
	b, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		r.log.Warn("ledger cache read failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entries []model.LedgerEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		r.log.Warn("corrupt ledger cache entry", "key", key, "err", err)
		return nil, false
	}
	return entries, true
}

// CashSummary returns the closing running balance of the current financial
// year. An empty ledger yields a zero balance.
func (r *Reconciler) CashSummary(ctx context.Context, clientID string) (model.CashSummary, error) {
	entries, err := r.GetLedger(ctx, clientID, "")
	if err != nil {
		return model.CashSummary{}, err
	}
	cash := model.CashSummary{AsOf: r.now()}
	if n := len(entries); n > 0 {
		cash.LedgerBalance = entries[n-1].Balance.Float()
	}
	return cash, nil
}

// Invalidate drops every cached financial year of clientID.
func (r *Reconciler) Invalidate(ctx context.Context, clientID string) error {
	keys, err := r.kv.Keys(ctx, keyPrefix+clientID+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.kv.Delete(ctx, keys...)
}
