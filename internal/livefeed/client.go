// Package livefeed owns the single process-wide connection to the
// market-data stream and the last-traded-price table fed by it.
//
// The connection is established lazily by the first price request and
// re-established the same way after a drop; there is no idle reconnect loop.
// Subscriptions accumulate in a set that is replayed on every successful
// (re)connection, so callers never notice a reconnect.
package livefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthRejected is returned when the stream refuses the credentials.
	ErrAuthRejected = errors.New("livefeed: authentication rejected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("livefeed: client closed")
)

// Resolver maps scrips onto instrument tokens.
type Resolver interface {
	ResolveBatch(ctx context.Context, scrips []model.Scrip) model.TokenMap
}

// Config holds stream connection settings.
type Config struct {
	URL        string
	APIKey     string
	ClientCode string

	// Tokens supplies the per-connection auth token. Nil sends an empty token.
	Tokens model.TokenSource

	HandshakeTimeout time.Duration // dial + auth, default 10s
	PollInterval     time.Duration // price table poll, default 100ms
	WaitTimeout      time.Duration // max wait in GetLastPrices, default 2.5s
	PingInterval     time.Duration // keepalive, default 10s
	TickBuffer       int           // internal tick queue size, default 1024
}

func (c *Config) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2500 * time.Millisecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = 1024
	}
}

// attempt is one in-flight connection attempt shared by every waiter.
type attempt struct {
	done chan struct{}
	err  error
}

// Client is the live price stream client.
type Client struct {
	cfg      Config
	resolver Resolver
	dialer   *websocket.Dialer
	log      *slog.Logger

	// mu guards the connection state and the subscription set.
	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending *attempt
	subs    map[string]struct{}
	closed  bool

	// writeMu serialises data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	pricesMu sync.RWMutex
	prices   map[string]float64

	ticks     chan model.Tick
	done      chan struct{}
	closeOnce sync.Once

	// OnStateChange is called with mu held; it must not call back into the Client.
	OnStateChange func(from, to State)
	// OnTick is called by the updater for every applied tick.
	OnTick func()
}

// New creates a Client and starts its price-table updater. resolver may be
// nil when callers always pass complete token maps.
func New(cfg Config, resolver Resolver, log *slog.Logger) *Client {
	cfg.defaults()
	c := &Client{
		cfg:      cfg,
		resolver: resolver,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:      logger.Component(log, "livefeed"),
		subs:     make(map[string]struct{}),
		prices:   make(map[string]float64),
		ticks:    make(chan model.Tick, cfg.TickBuffer),
		done:     make(chan struct{}),
	}
	go c.applyTicks()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with mu held.
func (c *Client) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

// EnsureConnected returns once the stream is Ready. Concurrent callers share
// a single connection attempt; ctx only bounds the caller's own wait.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Ready && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	a := c.pending
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		c.pending = a
		c.setState(Connecting)
		go c.connect(a)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect runs one attempt to completion. It is detached from any caller
// so an abandoned wait does not abort a handshake others may share.
func (c *Client) connect(a *attempt) {
	conn, err := c.handshake()

	c.mu.Lock()
	c.pending = nil
	if err == nil && c.closed {
		err = ErrClosed
	}
	if err != nil {
		c.setState(Disconnected)
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.log.Warn("stream connect failed", "url", c.cfg.URL, "err", err)
		a.err = err
		close(a.done)
		return
	}

	c.conn = conn
	c.setState(Ready)
	replay := c.subscriptionsLocked()
	c.mu.Unlock()

	stop := make(chan struct{})
	go c.readLoop(conn, stop)
	go c.heartbeat(conn, stop)

	c.log.Info("stream ready", "url", c.cfg.URL, "subscriptions", len(replay))
	if len(replay) > 0 {
		if err := c.send(conn, replay); err != nil {
			c.log.Warn("resubscribe failed", "err", err)
		}
	}

	close(a.done)
}

// handshake dials the stream and authenticates.
func (c *Client) handshake() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	creds := Credentials{APIKey: c.cfg.APIKey, ClientCode: c.cfg.ClientCode}
	if c.cfg.Tokens != nil {
		tok, err := c.cfg.Tokens.UpstreamToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("stream credentials: %w", err)
		}
		creds.Token = tok
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s", model.ErrUpstream, c.cfg.URL, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", model.ErrUpstream, c.cfg.URL, err)
	}

	c.mu.Lock()
	c.setState(Authenticating)
	c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(connectFrame{Type: FrameConnect, Credentials: creds}); err != nil {
		return conn, fmt.Errorf("%w: send credentials: %v", model.ErrUpstream, err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return conn, fmt.Errorf("%w: await auth: %v", model.ErrUpstream, err)
		}
		f, err := decodeFrame(msg)
		if err != nil || !f.isAuthAck() {
			continue
		}
		if !f.authOK() {
			return conn, fmt.Errorf("%w: %s", ErrAuthRejected, f.Message)
		}
		break
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// readLoop owns reads on conn and publishes ticks to the updater. Any read
// error drops the connection back to Disconnected.
func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer close(stop)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}
		f, err := decodeFrame(msg)
		if err != nil {
			c.log.Debug("ignoring non-json frame", "len", len(msg))
			continue
		}
		if f.Type == FrameError {
			c.log.Warn("stream error frame", "message", f.Message)
		}
		for _, t := range f.ticks(time.Now()) {
			select {
			case c.ticks <- t:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.log.Debug("ping failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.setState(Disconnected)
	}
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if current && !closed {
		c.log.Warn("stream disconnected", "err", err)
	}
}

// applyTicks is the only writer of the price table.
func (c *Client) applyTicks() {
	for {
		select {
		case <-c.done:
			return
		case t := <-c.ticks:
			c.pricesMu.Lock()
			c.prices[t.Key()] = t.Price
			c.pricesMu.Unlock()
			if c.OnTick != nil {
				c.OnTick()
			}
		}
	}
}

// subscriptionsLocked returns the subscription set sorted. mu must be held.
func (c *Client) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns the accumulated subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

// Subscribe adds "exchange|token" keys to the subscription set and transmits
// only those not already present. Keys added while the stream is down are
// sent by the resubscribe on the next Ready.
func (c *Client) Subscribe(keys []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var fresh []string
	for _, k := range keys {
		if _, ok := c.subs[k]; ok {
			continue
		}
		c.subs[k] = struct{}{}
		fresh = append(fresh, k)
	}
	conn := c.conn
	ready := c.state == Ready
	c.mu.Unlock()

	if len(fresh) == 0 || !ready || conn == nil {
		return nil
	}
	return c.send(conn, fresh)
}

func (c *Client) send(conn *websocket.Conn, keys []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.WriteJSON(subscribeFrame{
		Type:          FrameSubscribe,
		CorrelationID: uuid.NewString(),
		Tokens:        keys,
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", model.ErrUpstream, err)
	}
	return nil
}

// Price returns the last observed price for an "exchange|token" key.
func (c *Client) Price(key string) (float64, bool) {
	c.pricesMu.RLock()
	defer c.pricesMu.RUnlock()
	p, ok := c.prices[key]
	return p, ok
}

// GetLastPrices returns the known last price for each scrip, keyed by scrip
// ("NSE|SBIN"). Scrips missing from tokens are resolved first. It waits at
// most WaitTimeout for missing prices and never fails; scrips without a
// price are simply absent from the result.
func (c *Client) GetLastPrices(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]float64 {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	defer cancel()

	refs := c.refsFor(ctx, scrips, tokens)
	out := make(map[string]float64, len(refs))
	if len(refs) == 0 {
		return out
	}

	if err := c.EnsureConnected(ctx); err != nil {
		c.log.Warn("price read without stream", "err", err)
		c.collect(refs, out)
		return out
	}

	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, ref.Key())
	}
	if err := c.Subscribe(keys); err != nil {
		c.log.Warn("subscribe failed", "err", err)
	}

	if c.collect(refs, out) {
		return out
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.collect(refs, out)
			return out
		case <-ticker.C:
			if c.collect(refs, out) {
				return out
			}
		}
	}
}

// LivePrices resolves scrips and returns their last prices.
func (c *Client) LivePrices(ctx context.Context, scrips []model.Scrip) map[string]float64 {
	return c.GetLastPrices(ctx, scrips, nil)
}

// refsFor maps scrip keys onto resolved refs, resolving those tokens lacks.
func (c *Client) refsFor(ctx context.Context, scrips []model.Scrip, tokens model.TokenMap) map[string]*model.InstrumentRef {
	refs := make(map[string]*model.InstrumentRef, len(scrips))
	var missing []model.Scrip
	for _, s := range scrips {
		ref, ok := tokens[s.String()]
		if !ok {
			missing = append(missing, s)
			continue
		}
		if ref != nil {
			refs[s.String()] = ref
		}
	}
	if len(missing) > 0 && c.resolver != nil {
		for k, ref := range c.resolver.ResolveBatch(ctx, missing) {
			if ref != nil {
				refs[k] = ref
			}
		}
	}
	return refs
}

// collect copies known prices into out and reports whether all refs have one.
func (c *Client) collect(refs map[string]*model.InstrumentRef, out map[string]float64) bool {
	c.pricesMu.RLock()
	defer c.pricesMu.RUnlock()
	for scrip, ref := range refs {
		if p, ok := c.prices[ref.Key()]; ok {
			out[scrip] = p
		}
	}
	return len(out) == len(refs)
}

// Close tears the client down. The subscription set is cleared; a closed
// client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]struct{})
	c.setState(Disconnected)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}
