// Package backoffice is the HTTP client for the back-office holdings and
// ledger endpoints.
//
//	GET {base}/clients/{id}/holdings
//	GET {base}/clients/{id}/ledger?from=2024-04-01&to=2025-03-31
//
// Both respond with {"data": [...]} and authenticate with the upstream bearer
// token. Calls can be slow, so the default timeout is generous.
package backoffice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

// Config holds the back-office endpoint settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // default 60s
	Tokens     model.TokenSource
	HTTPClient *http.Client
}

// Client implements model.HoldingsSource and model.LedgerSource.
type Client struct {
	base   string
	tokens model.TokenSource
	http   *http.Client
	log    *slog.Logger
}

// invalidator is implemented by token sources that can drop a rejected token.
type invalidator interface {
	Invalidate()
}

// New creates a Client.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		tokens: cfg.Tokens,
		http:   hc,
		log:    logger.Component(log, "backoffice"),
	}
}

type response[T any] struct {
	Data    []T    `json:"data"`
	Message string `json:"message,omitempty"`
}

// FetchHoldings returns the raw holding lots of clientID.
func (c *Client) FetchHoldings(ctx context.Context, clientID string) ([]model.HoldingLot, error) {
	var resp response[model.HoldingLot]
	path := "/clients/" + url.PathEscape(clientID) + "/holdings"
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FetchLedgerRows returns the raw ledger rows of clientID between from and
// to, inclusive.
func (c *Client) FetchLedgerRows(ctx context.Context, clientID string, from, to time.Time) ([]model.LedgerRow, error) {
	var resp response[model.LedgerRow]
	q := url.Values{}
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", to.Format("2006-01-02"))
	path := "/clients/" + url.PathEscape(clientID) + "/ledger"
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("backoffice request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.UpstreamToken(ctx)
		if err != nil {
			return fmt.Errorf("%w: backoffice token: %v", model.ErrUpstream, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", model.ErrUpstream, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", model.ErrUpstream, path, err)
	}
	c.log.Debug("backoffice call", "path", path, "status", resp.StatusCode, "took", time.Since(start).String())

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		// Unknown client: no rows.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: status %d: %s", model.ErrUpstream, path, resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrUpstream, path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
