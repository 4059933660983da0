package model

import (
	"fmt"
	"strings"
)

// Major cash-market exchanges.
const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
)

// Scrip identifies a tradable instrument by exchange and human-readable symbol.
type Scrip struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// ParseScrip parses an "EXCHANGE|SYMBOL" pair.
func ParseScrip(s string) (Scrip, error) {
	ex, sym, ok := strings.Cut(strings.TrimSpace(s), "|")
	if !ok || strings.TrimSpace(ex) == "" || strings.TrimSpace(sym) == "" {
		return Scrip{}, fmt.Errorf("invalid scrip %q: want EXCHANGE|SYMBOL", s)
	}
	return Scrip{
		Exchange: NormalizeExchange(ex),
		Symbol:   strings.ToUpper(strings.TrimSpace(sym)),
	}, nil
}

// String returns the "EXCHANGE|SYMBOL" form used as map key throughout.
func (s Scrip) String() string {
	return s.Exchange + "|" + s.Symbol
}

// InstrumentRef is a resolved instrument. A given (exchange, symbol) always
// maps to the same token, so refs are cached without expiry.
type InstrumentRef struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Token    string `json:"token"`
}

// Key returns the live-price key: "exchange|token".
func (r *InstrumentRef) Key() string {
	return PriceKey(r.Exchange, r.Token)
}

// PriceKey builds the "exchange|token" key used by the live-price table,
// the subscription set and the previous-close cache.
func PriceKey(exchange, token string) string {
	return exchange + "|" + token
}

// TokenMap maps scrip keys ("NSE|SBIN") to resolved instruments.
// A nil value marks a scrip that could not be resolved; entries are never
// silently omitted.
type TokenMap map[string]*InstrumentRef

// Resolved returns the non-nil refs in the map.
func (m TokenMap) Resolved() []*InstrumentRef {
	out := make([]*InstrumentRef, 0, len(m))
	for _, ref := range m {
		if ref != nil {
			out = append(out, ref)
		}
	}
	return out
}

// NormalizeExchange maps exchange/segment codes such as "NSE_CASH" or
// "bse_fno" onto the bare exchange name.
func NormalizeExchange(seg string) string {
	s := strings.ToUpper(strings.TrimSpace(seg))
	switch {
	case s == "":
		return ExchangeNSE
	case strings.HasPrefix(s, ExchangeBSE):
		return ExchangeBSE
	case strings.HasPrefix(s, ExchangeNSE):
		return ExchangeNSE
	}
	if ex, _, ok := strings.Cut(s, "_"); ok {
		return ex
	}
	return s
}
