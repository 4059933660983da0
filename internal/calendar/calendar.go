// Package calendar holds the Indian-market clock helpers: IST and
// financial-year (April to March) ranges used to scope ledger queries.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// FinancialYear is the April–March period starting in StartYear.
type FinancialYear struct {
	StartYear int
}

// CurrentFinancialYear returns the financial year containing t (in IST).
func CurrentFinancialYear(t time.Time) FinancialYear {
	ist := t.In(IST)
	if ist.Month() < time.April {
		return FinancialYear{StartYear: ist.Year() - 1}
	}
	return FinancialYear{StartYear: ist.Year()}
}

// ParseFinancialYear accepts "2024-25", "2024-2025", "2024/25" or "2024".
func ParseFinancialYear(s string) (FinancialYear, error) {
	s = strings.TrimSpace(s)
	head, tail, hasTail := strings.Cut(strings.ReplaceAll(s, "/", "-"), "-")
	start, err := strconv.Atoi(head)
	if err != nil || len(head) != 4 {
		return FinancialYear{}, fmt.Errorf("invalid financial year %q", s)
	}
	if hasTail {
		end, err := strconv.Atoi(tail)
		if err != nil {
			return FinancialYear{}, fmt.Errorf("invalid financial year %q", s)
		}
		want := start + 1
		if (len(tail) == 2 && end != want%100) || (len(tail) == 4 && end != want) || (len(tail) != 2 && len(tail) != 4) {
			return FinancialYear{}, fmt.Errorf("invalid financial year %q: end must follow start", s)
		}
	}
	return FinancialYear{StartYear: start}, nil
}

// String renders the year as "2024-25".
func (fy FinancialYear) String() string {
	return fmt.Sprintf("%d-%02d", fy.StartYear, (fy.StartYear+1)%100)
}

// Range returns 1 April 00:00 IST and 31 March 23:59:59 IST.
func (fy FinancialYear) Range() (from, to time.Time) {
	from = time.Date(fy.StartYear, time.April, 1, 0, 0, 0, 0, IST)
	to = time.Date(fy.StartYear+1, time.March, 31, 23, 59, 59, 0, IST)
	return from, to
}

// Contains reports whether t falls inside the year.
func (fy FinancialYear) Contains(t time.Time) bool {
	from, to := fy.Range()
	return !t.Before(from) && !t.After(to)
}
