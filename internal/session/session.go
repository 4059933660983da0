// Package session is the secret store: it hands out upstream bearer tokens
// and caches them in-process for a fixed lifetime, independent of the
// shared KV caches.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"portfolio-core/internal/logger"
	"portfolio-core/pkg/smartconnect"
)

// DefaultTTL is how long a fetched token is reused.
const DefaultTTL = 10 * time.Minute

// FetchFunc obtains a fresh bearer token.
type FetchFunc func(ctx context.Context) (string, error)

// Provider caches the result of a FetchFunc for ttl. Concurrent callers
// during a refresh wait for the same fetch.
type Provider struct {
	fetch FetchFunc
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

// NewProvider wraps fetch with an in-process cache.
func NewProvider(fetch FetchFunc, ttl time.Duration, log *slog.Logger) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		fetch: fetch,
		ttl:   ttl,
		log:   logger.Component(log, "session"),
		now:   time.Now,
	}
}

// Static returns a Provider that always yields token.
func Static(token string) *Provider {
	return NewProvider(func(context.Context) (string, error) { return token, nil }, 0, nil)
}

// UpstreamToken returns the cached token, refreshing it once expired.
func (p *Provider) UpstreamToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Sub(p.fetchedAt) < p.ttl {
		return p.token, nil
	}
	tok, err := p.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch upstream token: %w", err)
	}
	p.token, p.fetchedAt = tok, p.now()
	p.log.Debug("upstream token refreshed")
	return tok, nil
}

// Invalidate forces the next UpstreamToken call to refetch.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

// Credentials are the SmartAPI login inputs.
type Credentials struct {
	ClientCode string
	Password   string
	TOTPSecret string
}

// Login is the subset of the SmartAPI client used to open a session.
type Login interface {
	GenerateSession(ctx context.Context, clientCode, password, totp string) (*smartconnect.Session, error)
}

// SmartAPI returns a FetchFunc that logs in with a freshly generated TOTP.
func SmartAPI(client Login, creds Credentials, now func() time.Time) FetchFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (string, error) {
		code, err := totp.GenerateCode(creds.TOTPSecret, now())
		if err != nil {
			return "", fmt.Errorf("totp: %w", err)
		}
		sess, err := client.GenerateSession(ctx, creds.ClientCode, creds.Password, code)
		if err != nil {
			return "", err
		}
		return sess.JWTToken, nil
	}
}
