package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-core/internal/model"
)

const (
	openingType      = "OP"
	openingNarration = "opening balance"
	openingLabel     = "Opening Balance"

	// CostCenterUnknown labels rows whose segment metadata is not recognised.
	CostCenterUnknown = "-"
)

// dateLayouts are the row date formats accepted, most common first.
var dateLayouts = []string{"02-01-2006", "2006-01-02", "02/01/2006"}

var voucherTypes = map[string]string{
	"BP": "Bank Payment",
	"BR": "Bank Receipt",
	"CP": "Cash Payment",
	"CR": "Cash Receipt",
	"JV": "Journal Voucher",
	"OP": "Opening Balance",
	"BL": "Bill",
	"DN": "Debit Note",
	"CN": "Credit Note",
	"PV": "Payment Voucher",
	"RV": "Receipt Voucher",
	"CT": "Contra",
	"DP": "DP Charges",
	"MG": "Margin",
}

// DecodeVoucher maps a voucher-type code onto its description, returning
// the raw code when unknown.
func DecodeVoucher(code string) string {
	if name, ok := voucherTypes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return name
	}
	return code
}

// CostCenter derives a label such as "NSE-EQ" from exchange/segment metadata.
func CostCenter(segment string) string {
	s := strings.ToUpper(strings.TrimSpace(segment))
	if s == "" {
		return CostCenterUnknown
	}
	ex, _, _ := strings.Cut(s, "_")
	switch {
	case strings.Contains(s, "MCX"):
		return "MCX-COMM"
	case strings.Contains(s, "_CASH") || strings.HasSuffix(s, "_EQ"):
		return ex + "-EQ"
	case strings.Contains(s, "_FNO") || strings.HasSuffix(s, "_FO"):
		return ex + "-FO"
	case strings.Contains(s, "_CD"):
		return ex + "-CD"
	}
	return CostCenterUnknown
}

// IsOpening reports whether row is an opening-balance row, by type code or
// by narration.
func IsOpening(row model.LedgerRow) bool {
	if strings.EqualFold(strings.TrimSpace(row.VoucherType), openingType) {
		return true
	}
	return strings.Contains(strings.ToLower(row.Particulars), openingNarration)
}

// ParseDate parses a row date. ok is false for empty or unparseable dates.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func openingAmount(row model.LedgerRow) decimal.Decimal {
	if row.Opening != 0 {
		return decimal.NewFromFloat(row.Opening)
	}
	return decimal.NewFromFloat(row.Credit).Sub(decimal.NewFromFloat(row.Debit))
}

// Reconcile orders rows and computes running balances.
//
// The result always starts with one synthetic opening entry carrying the
// summed amount of all opening-balance rows, zero when there are none.
// Other rows follow in ascending date order, undated
// rows first; rows on the same day keep their input order. Each balance is
// the previous balance plus credit minus debit.
func Reconcile(rows []model.LedgerRow) []model.LedgerEntry {
	type dated struct {
		row model.LedgerRow
		at  time.Time
		has bool
	}

	var (
		opening decimal.Decimal
		rest    []dated
	)
	for _, row := range rows {
		if IsOpening(row) {
			opening = opening.Add(openingAmount(row))
			continue
		}
		at, ok := ParseDate(row.Date)
		rest = append(rest, dated{row: row, at: at, has: ok})
	}

	sort.SliceStable(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		if a.has != b.has {
			return !a.has
		}
		return a.at.Before(b.at)
	})

	out := make([]model.LedgerEntry, 0, len(rest)+1)
	balance := opening
	out = append(out, model.LedgerEntry{
		Particulars: openingLabel,
		Debit:       model.MoneyFrom(decimal.Zero),
		Credit:      model.MoneyFrom(decimal.Zero),
		Balance:     model.MoneyFrom(balance),
		TransType:   openingLabel,
	})
	for _, d := range rest {
		debit := decimal.NewFromFloat(d.row.Debit)
		credit := decimal.NewFromFloat(d.row.Credit)
		balance = balance.Add(credit).Sub(debit)
		out = append(out, model.LedgerEntry{
			Date:        d.row.Date,
			Particulars: d.row.Particulars,
			VoucherNo:   d.row.VoucherNo,
			Debit:       model.MoneyFrom(debit),
			Credit:      model.MoneyFrom(credit),
			Balance:     model.MoneyFrom(balance),
			TransType:   DecodeVoucher(d.row.VoucherType),
			CostCenter:  CostCenter(d.row.Exchange),
		})
	}
	return out
}
