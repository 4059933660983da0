// Package smartconnect is a trimmed Angel One SmartAPI REST client covering
// the calls the valuation core depends on: password+TOTP login, symbol
// search and market quotes.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	sess, err := sc.GenerateSession(ctx, "CLIENTID", "PIN", "123456")
//	if err != nil { return err }
//	matches, err := sc.SearchScrip(ctx, "NSE", "SBIN")
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"portfolio-core/internal/logger"
	"portfolio-core/internal/model"
)

// ---- Config & client ----

type Config struct {
	APIKey      string
	AccessToken string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	Accept         string        // default: application/json
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default: 106.193.147.98
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC

	// Tokens, when set, supplies the bearer token for secure routes.
	Tokens model.TokenSource

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type SmartConnect struct {
	apiKey string
	tokens model.TokenSource

	mu          sync.RWMutex
	accessToken string
	feedToken   string

	rootURL    string
	httpClient *http.Client
	log        *slog.Logger

	accept         string
	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string
}

// Session is the token set returned by a successful login.
type Session struct {
	ClientCode   string `json:"clientcode"`
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.market.data":  "/rest/secure/angelbroking/market/v1/quote",
	"api.search.scrip": "/rest/secure/angelbroking/order/v1/searchScrip",
}

// Quote modes accepted by the market data endpoint.
const (
	ModeLTP  = "LTP"
	ModeOHLC = "OHLC"
	ModeFull = "FULL"
)

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client with SmartAPI header defaults.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.Accept == "" {
		cfg.Accept = "application/json"
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		ip, _ := GetLocalIP()
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, "106.193.147.98")
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		tokens:         cfg.Tokens,
		accessToken:    cfg.AccessToken,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		httpClient:     client,
		log:            logger.Component(cfg.Logger, "smartconnect"),
		accept:         cfg.Accept,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) requestHeaders(bearer string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", sc.accept)
	h.Set("Accept", sc.accept)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	return h
}

func (sc *SmartConnect) bearer(ctx context.Context, uri string) (string, error) {
	if !strings.Contains(uri, "/secure/") {
		return "", nil
	}
	if sc.tokens != nil {
		return sc.tokens.UpstreamToken(ctx)
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken, nil
}

// post sends params as JSON and decodes the envelope. Transport failures
// and status=false responses are reported as model.ErrUpstream.
func (sc *SmartConnect) post(ctx context.Context, route string, params any) (*envelope, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	token, err := sc.bearer(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%s: bearer token: %w", route, err)
	}

	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders(token)

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrUpstream, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", model.ErrUpstream, route, err)
	}
	sc.log.Debug("response", "route", route, "status", resp.StatusCode, "bytes", len(raw))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s: http %d", model.ErrUpstream, route, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: couldn't parse JSON response: %v", model.ErrUpstream, route, err)
	}
	if !env.Status {
		return &env, fmt.Errorf("%w: %s: %s (%s)", model.ErrUpstream, route, env.Message, env.ErrorCode)
	}
	return &env, nil
}

// ---- Setters/Getters ----

func (sc *SmartConnect) SetAccessToken(t string) {
	sc.mu.Lock()
	sc.accessToken = t
	sc.mu.Unlock()
}

func (sc *SmartConnect) FeedToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.feedToken
}

// ---- API Methods ----

// GenerateSession logs in with client code, PIN and TOTP and stores the
// returned JWT and feed token on the client.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (*Session, error) {
	env, err := sc.post(ctx, "api.login", map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	})
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(env.Data, &sess); err != nil || sess.JWTToken == "" {
		return nil, errors.New("unexpected login response format")
	}
	sess.ClientCode = clientCode

	sc.mu.Lock()
	sc.accessToken = sess.JWTToken
	sc.feedToken = sess.FeedToken
	sc.mu.Unlock()

	sc.log.Info("session generated", "client_code", clientCode)
	return &sess, nil
}

// SearchScrip queries the symbol-search endpoint on one exchange.
func (sc *SmartConnect) SearchScrip(ctx context.Context, exchange, query string) ([]model.ScripMatch, error) {
	env, err := sc.post(ctx, "api.search.scrip", map[string]string{
		"exchange":    exchange,
		"searchscrip": query,
	})
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var matches []model.ScripMatch
	if err := json.Unmarshal(env.Data, &matches); err != nil {
		return nil, fmt.Errorf("search scrip: decode: %w", err)
	}
	return matches, nil
}

// Quote is one fetched row from the market data endpoint.
type Quote struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingSymbol"`
	SymbolToken   string  `json:"symbolToken"`
	LTP           float64 `json:"ltp"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
}

// GetMarketData fetches quotes; exchangeTokens maps exchange -> tokens.
func (sc *SmartConnect) GetMarketData(ctx context.Context, mode string, exchangeTokens map[string][]string) ([]Quote, error) {
	env, err := sc.post(ctx, "api.market.data", map[string]any{
		"mode":           mode,
		"exchangeTokens": exchangeTokens,
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		Fetched []Quote `json:"fetched"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("market data: decode: %w", err)
	}
	return data.Fetched, nil
}

// PreviousClose returns the previous session's closing price for one
// instrument using an OHLC quote.
func (sc *SmartConnect) PreviousClose(ctx context.Context, exchange, token string) (float64, error) {
	quotes, err := sc.GetMarketData(ctx, ModeOHLC, map[string][]string{exchange: {token}})
	if err != nil {
		return 0, err
	}
	for _, q := range quotes {
		if q.SymbolToken == token && q.Close > 0 {
			return q.Close, nil
		}
	}
	return 0, fmt.Errorf("previous close %s: %w", model.PriceKey(exchange, token), model.ErrNotFound)
}
