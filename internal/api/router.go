// Package api exposes the valuation core over HTTP.
//
//	GET    /api/v1/portfolio/{client}?refresh=1
//	DELETE /api/v1/portfolio/{client}
//	GET    /api/v1/ledger/{client}?fy=2024-25
//	GET    /api/v1/prices/live?scrip=NSE|SBIN&scrip=BSE|500325
//	GET    /api/v1/prices/prevclose?scrip=NSE|SBIN,NSE|INFY
//
// Authorization is handled upstream of this service.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/metrics"
)

// NewRouter builds the API router. m may be nil.
func NewRouter(h *Handler, m *metrics.Metrics, log *slog.Logger) http.Handler {
	log = logger.Component(log, "api")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(traceMiddleware)
	r.Use(accessLog(log, m))

	r.Get("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/portfolio/{client}", h.GetPortfolio)
		r.Delete("/portfolio/{client}", h.InvalidatePortfolio)
		r.Get("/ledger/{client}", h.GetLedger)
		r.Get("/prices/live", h.GetLivePrices)
		r.Get("/prices/prevclose", h.GetPreviousClose)
	})
	return r
}

// TraceHeader carries the request trace ID in and out.
const TraceHeader = "X-Request-ID"

// traceMiddleware reuses an incoming trace ID or assigns a fresh one.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := r.Header.Get(TraceHeader)
		if tid == "" {
			tid = logger.GenerateTraceID()
		}
		w.Header().Set(TraceHeader, tid)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), tid)))
	})
}

func accessLog(log *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			took := time.Since(start)
			if m != nil {
				m.HTTPRequestDur.WithLabelValues(route, strconv.Itoa(status)).Observe(took.Seconds())
			}
			log.Info("request",
				append(logger.LogWithTrace(r.Context()),
					"method", r.Method, "route", route, "status", status, "took", took.String())...)
		})
	}
}
