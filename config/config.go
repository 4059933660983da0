package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults,
// then the YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string `yaml:"angel_api_key"`
	AngelClientCode string `yaml:"angel_client_code"`
	AngelPassword   string `yaml:"angel_password"`
	AngelTOTPSecret string `yaml:"angel_totp_secret"`
	SmartAPIURL     string `yaml:"smartapi_url"`

	// Upstreams
	FeedURL          string `yaml:"feed_url"`
	BackofficeURL    string `yaml:"backoffice_url"`
	LedgerSQLitePath string `yaml:"ledger_sqlite_path"` // set to read the ledger from a SQLite replica

	// Infrastructure
	KVBackend     string `yaml:"kv_backend"` // redis | memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	HTTPAddr      string `yaml:"http_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	LogLevel      string `yaml:"log_level"`

	Tunables Tunables `yaml:"tunables"`
}

// Tunables are the timing and sizing knobs of the caching core.
type Tunables struct {
	SearchTimeout      time.Duration `yaml:"search_timeout"`
	ResolveConcurrency int           `yaml:"resolve_concurrency"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PriceWait          time.Duration `yaml:"price_wait"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	QuoteSpacing       time.Duration `yaml:"quote_spacing"`
	PrevCloseTTL       time.Duration `yaml:"prev_close_ttl"`
	SnapshotTTL        time.Duration `yaml:"snapshot_ttl"`
	SoftTTL            time.Duration `yaml:"soft_ttl"`
	RawHoldingsTTL     time.Duration `yaml:"raw_holdings_ttl"`
	LedgerTTL          time.Duration `yaml:"ledger_ttl"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		FeedURL:     "ws://localhost:9001/ws",
		KVBackend:   "redis",
		RedisAddr:   "localhost:6379",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		Tunables: Tunables{
			SearchTimeout:      2 * time.Second,
			ResolveConcurrency: 10,
			PollInterval:       100 * time.Millisecond,
			PriceWait:          2500 * time.Millisecond,
			HandshakeTimeout:   10 * time.Second,
			QuoteSpacing:       600 * time.Millisecond,
			PrevCloseTTL:       24 * time.Hour,
			SnapshotTTL:        time.Hour,
			SoftTTL:            10 * time.Second,
			RawHoldingsTTL:     10 * time.Minute,
			LedgerTTL:          time.Hour,
			UpstreamTimeout:    60 * time.Second,
			SessionTTL:         10 * time.Minute,
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is Load that exits on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.AngelAPIKey, "ANGEL_API_KEY")
	setString(&c.AngelClientCode, "ANGEL_CLIENT_CODE")
	setString(&c.AngelPassword, "ANGEL_PASSWORD")
	setString(&c.AngelTOTPSecret, "ANGEL_TOTP_SECRET")
	setString(&c.SmartAPIURL, "SMARTAPI_URL")
	setString(&c.FeedURL, "FEED_URL")
	setString(&c.BackofficeURL, "BACKOFFICE_URL")
	setString(&c.LedgerSQLitePath, "LEDGER_SQLITE_PATH")
	setString(&c.KVBackend, "KV_BACKEND")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")

	t := &c.Tunables
	return errors.Join(
		setInt(&c.RedisDB, "REDIS_DB"),
		setDuration(&t.SearchTimeout, "TOKEN_SEARCH_TIMEOUT"),
		setInt(&t.ResolveConcurrency, "RESOLVE_CONCURRENCY"),
		setDuration(&t.PollInterval, "PRICE_POLL_INTERVAL"),
		setDuration(&t.PriceWait, "PRICE_WAIT_TIMEOUT"),
		setDuration(&t.HandshakeTimeout, "FEED_HANDSHAKE_TIMEOUT"),
		setDuration(&t.QuoteSpacing, "QUOTE_SPACING"),
		setDuration(&t.PrevCloseTTL, "PREVCLOSE_TTL"),
		setDuration(&t.SnapshotTTL, "SNAPSHOT_TTL"),
		setDuration(&t.SoftTTL, "SNAPSHOT_SOFT_TTL"),
		setDuration(&t.RawHoldingsTTL, "RAW_HOLDINGS_TTL"),
		setDuration(&t.LedgerTTL, "LEDGER_TTL"),
		setDuration(&t.UpstreamTimeout, "UPSTREAM_TIMEOUT"),
		setDuration(&t.SessionTTL, "SESSION_TTL"),
	)
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"ANGEL_API_KEY":     c.AngelAPIKey,
		"ANGEL_CLIENT_CODE": c.AngelClientCode,
		"ANGEL_PASSWORD":    c.AngelPassword,
		"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		"BACKOFFICE_URL":    c.BackofficeURL,
		"FEED_URL":          c.FeedURL,
	}
	for _, key := range []string{"ANGEL_API_KEY", "ANGEL_CLIENT_CODE", "ANGEL_PASSWORD", "ANGEL_TOTP_SECRET", "BACKOFFICE_URL", "FEED_URL"} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s not set", key))
		}
	}

	switch c.KVBackend {
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR not set for redis backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("KV_BACKEND %q: want redis or memory", c.KVBackend))
	}

	t := c.Tunables
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"search_timeout", t.SearchTimeout},
		{"poll_interval", t.PollInterval},
		{"price_wait", t.PriceWait},
		{"handshake_timeout", t.HandshakeTimeout},
		{"quote_spacing", t.QuoteSpacing},
		{"prev_close_ttl", t.PrevCloseTTL},
		{"snapshot_ttl", t.SnapshotTTL},
		{"soft_ttl", t.SoftTTL},
		{"raw_holdings_ttl", t.RawHoldingsTTL},
		{"ledger_ttl", t.LedgerTTL},
		{"upstream_timeout", t.UpstreamTimeout},
		{"session_ttl", t.SessionTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if t.ResolveConcurrency <= 0 {
		errs = append(errs, errors.New("resolve_concurrency must be positive"))
	}
	if t.SoftTTL >= t.SnapshotTTL {
		errs = append(errs, errors.New("soft_ttl must be shorter than snapshot_ttl"))
	}
	if t.PollInterval >= t.PriceWait {
		errs = append(errs, errors.New("poll_interval must be shorter than price_wait"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
