// cmd/feedsim is a local market-data stream for running valuationd without
// broker credentials. Speaks the same connect/subscribe protocol as the
// live feed and random-walks a price for every subscribed instrument.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default ":9001")
//	FEEDSIM_API_KEY      when set, connect frames must carry this apiKey
//	FEEDSIM_INTERVAL_MS  tick interval in milliseconds (default "250")
//	FEEDSIM_PRICES       seed prices as EX|TOKEN=PRICE pairs, comma separated
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// inbound is the union of client frames.
type inbound struct {
	Type        string `json:"type"`
	Credentials struct {
		APIKey     string `json:"apiKey"`
		ClientCode string `json:"clientCode"`
	} `json:"credentials"`
	Tokens []string `json:"tokens"`
}

type authMsg struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type priceMsg struct {
	Type     string  `json:"type"`
	Exchange string  `json:"exchange"`
	Token    string  `json:"token"`
	Price    float64 `json:"price"`
}

// ─── Price book ───────────────────────────────────────────────────────────────

type book struct {
	mu     sync.Mutex
	prices map[string]float64 // EX|TOKEN -> price
}

func newBook(seed map[string]float64) *book {
	b := &book{prices: make(map[string]float64)}
	for k, v := range seed {
		b.prices[k] = v
	}
	return b
}

// price returns the current price of key, seeding unknown instruments.
func (b *book) price(key string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[key]
	if !ok {
		p = 100 + rand.Float64()*900
		p = float64(int64(p*100)) / 100
		b.prices[key] = p
	}
	return p
}

// walk moves every price by up to ±0.1% and returns the new book.
func (b *book) walk() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.prices))
	for k, p := range b.prices {
		pct := (rand.Float64()*0.2 - 0.1) / 100.0
		p = float64(int64((p+p*pct)*100)) / 100
		if p < 0.05 {
			p = 0.05
		}
		b.prices[k] = p
		out[k] = p
	}
	return out
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) subscribe(keys []string) {
	c.mu.Lock()
	for _, k := range keys {
		c.subs[k] = true
	}
	c.mu.Unlock()
}

func (c *client) wants(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[key]
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(prices map[string]float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for key, p := range prices {
		var msg []byte
		for c := range h.clients {
			if !c.wants(key) {
				continue
			}
			if msg == nil {
				msg = encodePrice("tick", key, p)
			}
			select {
			case c.send <- msg:
			default: // slow client, drop tick
			}
		}
	}
}

// deliver queues msg for c unless c has already been unregistered.
func (h *hub) deliver(c *client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func encodePrice(typ, key string, p float64) []byte {
	ex, tok, _ := strings.Cut(key, "|")
	b, _ := json.Marshal(priceMsg{Type: typ, Exchange: ex, Token: tok, Price: p})
	return b
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, bk *book, apiKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		// Handshake: the first frame must be a connect frame.
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var hello inbound
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != "connect" {
			conn.WriteJSON(authMsg{Type: "error", Status: "error", Message: "expected connect frame"})
			return
		}
		if apiKey != "" && hello.Credentials.APIKey != apiKey {
			conn.WriteJSON(authMsg{Type: "auth", Status: "error", Message: "invalid api key"})
			log.Printf("[feedsim] rejected %s: bad api key", r.RemoteAddr)
			return
		}
		conn.SetReadDeadline(time.Time{})
		if err := conn.WriteJSON(authMsg{Type: "auth", Status: "ok"}); err != nil {
			return
		}
		log.Printf("[feedsim] client connected: %s (%s)", r.RemoteAddr, hello.Credentials.ClientCode)

		c := &client{send: make(chan []byte, 256), subs: make(map[string]bool)}
		h.register(c)
		defer func() {
			h.unregister(c)
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscriptions. Each new key is answered with its price.
		go func() {
			defer h.unregister(c)
			for {
				var f inbound
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				if f.Type != "subscribe" {
					continue
				}
				c.subscribe(f.Tokens)
				for _, key := range f.Tokens {
					h.deliver(c, encodePrice("subscribed", key, bk.price(key)))
				}
			}
		}()

		// Write pump.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting simulated market-data stream...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	apiKey := os.Getenv("FEEDSIM_API_KEY")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 250)
	seed := parseSeed(os.Getenv("FEEDSIM_PRICES"))

	bk := newBook(seed)
	h := newHub()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			h.broadcast(bk.walk())
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h, bk, apiKey))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})

	log.Printf("[feedsim] listening on %s (ws://localhost%s/ws), %d seeded instruments", addr, addr, len(seed))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseSeed parses "NSE|2885=2450.5,BSE|500325=2449" into a price map.
func parseSeed(s string) map[string]float64 {
	out := map[string]float64{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		p, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if !ok || err != nil || p <= 0 || !strings.Contains(key, "|") {
			log.Printf("[feedsim] skipping invalid seed: %q", part)
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = p
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
