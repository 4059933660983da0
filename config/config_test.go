package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ANGEL_API_KEY", "key")
	t.Setenv("ANGEL_CLIENT_CODE", "C1")
	t.Setenv("ANGEL_PASSWORD", "1234")
	t.Setenv("ANGEL_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
	t.Setenv("BACKOFFICE_URL", "http://backoffice.local")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tun := cfg.Tunables
	if tun.PriceWait != 2500*time.Millisecond || tun.QuoteSpacing != 600*time.Millisecond ||
		tun.SoftTTL != 10*time.Second || tun.PrevCloseTTL != 24*time.Hour || tun.ResolveConcurrency != 10 {
		t.Errorf("unexpected tunables %+v", tun)
	}
	if cfg.KVBackend != "redis" || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected kv settings %s %s", cfg.KVBackend, cfg.RedisAddr)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	setRequired(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "valuationd.yaml")
	yml := `
kv_backend: memory
http_addr: ":7070"
tunables:
  soft_ttl: 30s
  quote_spacing: 1s
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("QUOTE_SPACING", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KVBackend != "memory" || cfg.HTTPAddr != ":7070" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Tunables.SoftTTL != 30*time.Second {
		t.Errorf("soft_ttl = %v, want 30s", cfg.Tunables.SoftTTL)
	}
	if cfg.Tunables.QuoteSpacing != 750*time.Millisecond {
		t.Errorf("env must win over file: quote spacing = %v", cfg.Tunables.QuoteSpacing)
	}
	if cfg.Tunables.SnapshotTTL != time.Hour {
		t.Errorf("unset file keys must keep defaults, snapshot_ttl = %v", cfg.Tunables.SnapshotTTL)
	}
}

func TestLoad_ReportsAllProblems(t *testing.T) {
	for _, k := range []string{"ANGEL_API_KEY", "ANGEL_CLIENT_CODE", "ANGEL_PASSWORD", "ANGEL_TOTP_SECRET", "BACKOFFICE_URL", "CONFIG_FILE"} {
		t.Setenv(k, "")
	}
	t.Setenv("KV_BACKEND", "etcd")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"ANGEL_API_KEY", "BACKOFFICE_URL", "etcd"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_BadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PRICE_WAIT_TIMEOUT", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PRICE_WAIT_TIMEOUT") {
		t.Errorf("expected PRICE_WAIT_TIMEOUT error, got %v", err)
	}
}

func TestValidate_Relations(t *testing.T) {
	cfg := Default()
	cfg.AngelAPIKey, cfg.AngelClientCode, cfg.AngelPassword, cfg.AngelTOTPSecret = "k", "c", "p", "s"
	cfg.BackofficeURL = "http://x"
	cfg.Tunables.SoftTTL = 2 * time.Hour
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "soft_ttl") {
		t.Errorf("expected soft_ttl error, got %v", err)
	}
}
