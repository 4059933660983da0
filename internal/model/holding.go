package model

import "time"

// HoldingLot is one raw trade-lot row from the holdings source.
type HoldingLot struct {
	ISIN          string  `json:"isin"`
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"` // exchange/segment code, e.g. NSE_CASH
	CustodyQty    float64 `json:"custody_qty"`
	NonCustodyQty float64 `json:"non_custody_qty"`
	AvgPrice      float64 `json:"avg_price"`
	Sector        string  `json:"sector,omitempty"`
	TradeDate     string  `json:"trade_date,omitempty"`
}

// TotalQty is custody plus non-custody quantity.
func (l *HoldingLot) TotalQty() float64 {
	return l.CustodyQty + l.NonCustodyQty
}

// AggregatedHolding is one valued row per distinct instrument identity.
type AggregatedHolding struct {
	ISIN     string `json:"isin"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Token    string `json:"token,omitempty"`
	Sector   string `json:"sector,omitempty"`

	Quantity     float64 `json:"quantity"`
	AvgPrice     float64 `json:"avg_price"`
	CurrentPrice float64 `json:"current_price"`
	PrevClose    float64 `json:"prev_close"`

	Invested  float64 `json:"invested"`
	Value     float64 `json:"value"`
	PL        float64 `json:"pl"`
	DayPL     float64 `json:"day_pl"`
	ReturnPct float64 `json:"return_pct"`

	// PriceSource is "live", "prev_close" or "none".
	PriceSource string `json:"price_source"`
}

// Scrip returns the exchange/symbol pair used for token resolution.
func (h *AggregatedHolding) Scrip() Scrip {
	return Scrip{Exchange: NormalizeExchange(h.Exchange), Symbol: h.Symbol}
}

// CashSummary carries the cash figures supplied by the ledger reconciler.
type CashSummary struct {
	LedgerBalance float64   `json:"ledger_balance"`
	AsOf          time.Time `json:"as_of,omitempty"`
}

// PortfolioTotals are snapshot-level sums over all holdings.
type PortfolioTotals struct {
	Invested  float64 `json:"invested"`
	Value     float64 `json:"value"`
	PL        float64 `json:"pl"`
	DayPL     float64 `json:"day_pl"`
	ReturnPct float64 `json:"return_pct"`
}

// PortfolioSnapshot is the unit cached per client.
type PortfolioSnapshot struct {
	ClientID  string              `json:"client_id"`
	Cash      CashSummary         `json:"cash"`
	Holdings  []AggregatedHolding `json:"holdings"`
	Totals    PortfolioTotals     `json:"totals"`
	Timestamp time.Time           `json:"timestamp"`
}

// Age returns how old the snapshot is relative to now.
func (s *PortfolioSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}
