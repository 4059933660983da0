package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"portfolio-core/internal/calendar"
	"portfolio-core/internal/model"
)

// Portfolios is the valuation cache contract.
type Portfolios interface {
	Compute(ctx context.Context, clientID string, bypass bool) (*model.PortfolioSnapshot, error)
	Invalidate(ctx context.Context, clientID string) error
}

// Ledgers is the ledger reconciler contract.
type Ledgers interface {
	GetLedger(ctx context.Context, clientID, fy string) ([]model.LedgerEntry, error)
}

// LivePrices reads last traded prices; tokens may be nil.
type LivePrices interface {
	GetLastPrices(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]float64
}

// PrevCloses reads cached previous closes; tokens may be nil.
type PrevCloses interface {
	GetPreviousClose(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]float64
}

// Handler serves the exposed contract.
type Handler struct {
	Portfolios Portfolios
	Ledgers    Ledgers
	Live       LivePrices
	Prev       PrevCloses

	// MaxScrips bounds one price request, default 200.
	MaxScrips int

	now func() time.Time
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// GetPortfolio returns the valued portfolio; refresh=1 bypasses the snapshot cache.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	client := chi.URLParam(r, "client")
	bypass := isTrue(r.URL.Query().Get("refresh"))

	snap, err := h.Portfolios.Compute(r.Context(), client, bypass)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("X-Snapshot-Age", strconv.FormatFloat(snap.Age(h.clock()).Seconds(), 'f', 1, 64))
	writeJSON(w, http.StatusOK, snap)
}

// InvalidatePortfolio drops both cache tiers of a client.
func (h *Handler) InvalidatePortfolio(w http.ResponseWriter, r *http.Request) {
	if err := h.Portfolios.Invalidate(r.Context(), chi.URLParam(r, "client")); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLedger returns the reconciled ledger for ?fy= (default: current year).
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	fy := r.URL.Query().Get("fy")
	if fy != "" {
		if _, err := calendar.ParseFinancialYear(fy); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	entries, err := h.Ledgers.GetLedger(r.Context(), chi.URLParam(r, "client"), fy)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLivePrices returns known last prices keyed by scrip.
func (h *Handler) GetLivePrices(w http.ResponseWriter, r *http.Request) {
	scrips, err := h.parseScrips(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.Live.GetLastPrices(r.Context(), scrips, nil))
}

// GetPreviousClose returns cached previous closes keyed by scrip.
func (h *Handler) GetPreviousClose(w http.ResponseWriter, r *http.Request) {
	scrips, err := h.parseScrips(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.Prev.GetPreviousClose(r.Context(), scrips, nil))
}

// parseScrips accepts repeated and comma-separated scrip parameters.
func (h *Handler) parseScrips(r *http.Request) ([]model.Scrip, error) {
	limit := h.MaxScrips
	if limit <= 0 {
		limit = 200
	}
	var out []model.Scrip
	seen := map[string]bool{}
	for _, v := range r.URL.Query()["scrip"] {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, err := model.ParseScrip(part)
			if err != nil {
				return nil, err
			}
			if seen[s.String()] {
				continue
			}
			seen[s.String()] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one scrip=EXCHANGE|SYMBOL is required")
	}
	if len(out) > limit {
		return nil, errors.New("too many scrips, max " + strconv.Itoa(limit))
	}
	return out, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrNoHoldingsData), errors.Is(err, model.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
