package valuation

import (
	"strings"

	"github.com/shopspring/decimal"

	"portfolio-core/internal/model"
)

// Price sources recorded on each holding.
const (
	SourceLive      = "live"
	SourcePrevClose = "prev_close"
	SourceNone      = "none"
)

// identity is the dedup key of a lot: ISIN when present, else exchange|symbol.
func identity(l model.HoldingLot) string {
	if isin := strings.ToUpper(strings.TrimSpace(l.ISIN)); isin != "" {
		return isin
	}
	return model.NormalizeExchange(l.Exchange) + "|" + strings.ToUpper(strings.TrimSpace(l.Symbol))
}

type position struct {
	h   model.AggregatedHolding
	qty decimal.Decimal
	avg decimal.Decimal
}

// Aggregate merges lots of the same instrument, summing quantities and
// folding in each lot's price as a quantity-weighted average. Output order
// is first appearance. Lots with no quantity are skipped.
func Aggregate(lots []model.HoldingLot) []model.AggregatedHolding {
	order := make([]string, 0, len(lots))
	byID := make(map[string]*position, len(lots))

	for _, l := range lots {
		qty := decimal.NewFromFloat(l.TotalQty())
		if !qty.IsPositive() {
			continue
		}
		price := decimal.NewFromFloat(l.AvgPrice)
		id := identity(l)

		p, ok := byID[id]
		if !ok {
			byID[id] = &position{
				h: model.AggregatedHolding{
					ISIN:     strings.ToUpper(strings.TrimSpace(l.ISIN)),
					Symbol:   strings.ToUpper(strings.TrimSpace(l.Symbol)),
					Exchange: model.NormalizeExchange(l.Exchange),
					Sector:   l.Sector,
				},
				qty: qty,
				avg: price,
			}
			order = append(order, id)
			continue
		}
		total := p.qty.Add(qty)
		p.avg = p.avg.Mul(p.qty).Add(price.Mul(qty)).Div(total)
		p.qty = total
		if p.h.Sector == "" {
			p.h.Sector = l.Sector
		}
	}

	out := make([]model.AggregatedHolding, 0, len(order))
	for _, id := range order {
		p := byID[id]
		avg := p.avg.Round(2)
		p.h.Quantity = p.qty.InexactFloat64()
		p.h.AvgPrice = avg.InexactFloat64()
		p.h.Invested = avg.Mul(p.qty).Round(2).InexactFloat64()
		out = append(out, p.h)
	}
	return out
}

// Price applies current and previous prices to h. The current price is the
// live price when known, else the previous close; with neither, value and
// P&L stay zero.
func Price(h *model.AggregatedHolding, live float64, hasLive bool, prev float64, hasPrev bool) {
	if hasPrev {
		h.PrevClose = prev
	}
	switch {
	case hasLive:
		h.CurrentPrice, h.PriceSource = live, SourceLive
	case hasPrev:
		h.CurrentPrice, h.PriceSource = prev, SourcePrevClose
	default:
		h.CurrentPrice, h.PriceSource = 0, SourceNone
		h.Value, h.PL, h.DayPL, h.ReturnPct = 0, 0, 0, 0
		return
	}

	qty := decimal.NewFromFloat(h.Quantity)
	cur := decimal.NewFromFloat(h.CurrentPrice)
	avg := decimal.NewFromFloat(h.AvgPrice)

	h.Value = cur.Mul(qty).Round(2).InexactFloat64()
	h.PL = cur.Sub(avg).Mul(qty).Round(2).InexactFloat64()
	h.ReturnPct = 0
	if avg.IsPositive() {
		h.ReturnPct = cur.Sub(avg).Div(avg).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	h.DayPL = 0
	if hasPrev {
		h.DayPL = cur.Sub(decimal.NewFromFloat(prev)).Mul(qty).Round(2).InexactFloat64()
	}
}

// Totals sums holdings into snapshot totals.
func Totals(holdings []model.AggregatedHolding) model.PortfolioTotals {
	var invested, value, pl, day decimal.Decimal
	for _, h := range holdings {
		invested = invested.Add(decimal.NewFromFloat(h.Invested))
		value = value.Add(decimal.NewFromFloat(h.Value))
		pl = pl.Add(decimal.NewFromFloat(h.PL))
		day = day.Add(decimal.NewFromFloat(h.DayPL))
	}
	t := model.PortfolioTotals{
		Invested: invested.Round(2).InexactFloat64(),
		Value:    value.Round(2).InexactFloat64(),
		PL:       pl.Round(2).InexactFloat64(),
		DayPL:    day.Round(2).InexactFloat64(),
	}
	if invested.IsPositive() {
		t.ReturnPct = pl.Div(invested).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return t
}
