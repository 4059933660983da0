package model

import (
	"context"
	"time"
)

// ── Collaborator ports ──
// These interfaces decouple the caching core from concrete upstreams
// (SmartAPI, back-office HTTP, Redis, SQLite).

// KVStore is the shared, namespaced key-value cache.
type KVStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with ttl; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Exists(ctx context.Context, key string) (bool, error)

	// Keys lists keys matching a glob pattern, e.g. "portfolio:snap:*".
	Keys(ctx context.Context, pattern string) ([]string, error)

	Delete(ctx context.Context, keys ...string) error
}

// HoldingsSource fetches raw holding lots for a client.
type HoldingsSource interface {
	FetchHoldings(ctx context.Context, clientID string) ([]HoldingLot, error)
}

// LedgerSource fetches raw ledger rows for a client and date range.
type LedgerSource interface {
	FetchLedgerRows(ctx context.Context, clientID string, from, to time.Time) ([]LedgerRow, error)
}

// ScripMatch is one symbol-search result.
type ScripMatch struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	Token         string `json:"symboltoken"`
}

// SymbolSearcher is the upstream symbol-search endpoint.
type SymbolSearcher interface {
	SearchScrip(ctx context.Context, exchange, query string) ([]ScripMatch, error)
}

// QuoteSource returns the previous closing price for one instrument.
type QuoteSource interface {
	PreviousClose(ctx context.Context, exchange, token string) (float64, error)
}

// TokenSource is the secret store handing out upstream bearer tokens.
type TokenSource interface {
	UpstreamToken(ctx context.Context) (string, error)
}
