package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SLOTGATE_MERCHANT_ID", "m1")
	t.Setenv("SLOTGATE_MERCHANT_KEY", "k1")

	cfg := Load()
	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Catalog.TTL != time.Hour {
		t.Errorf("Expected catalog ttl 1h, got %v", cfg.Catalog.TTL)
	}
	if cfg.RateLimit.RequestsPerMinute != 300 {
		t.Errorf("Expected 300 rpm, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SLOTGATE_PORT", "9090")
	t.Setenv("SLOTGATE_CATALOG_TTL", "15m")
	t.Setenv("SLOTGATE_RATE_LIMIT_RPM", "60")
	t.Setenv("SLOTGATE_CURRENCY", "usd")
	t.Setenv("SLOTGATE_JACKPOTS", "false")
	t.Setenv("SLOTGATE_CATALOG_PAGE_SIZE", "not-a-number")

	cfg := Load()
	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Catalog.TTL != 15*time.Minute {
		t.Errorf("Expected 15m, got %v", cfg.Catalog.TTL)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 rpm, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Ledger.DefaultCurrency != "USD" {
		t.Errorf("Expected USD, got %s", cfg.Ledger.DefaultCurrency)
	}
	if cfg.Ledger.Jackpots {
		t.Error("Expected jackpots disabled")
	}
	if cfg.Catalog.PageSize != 100 {
		t.Errorf("Expected invalid page size to fall back to 100, got %d", cfg.Catalog.PageSize)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SLOTGATE_MERCHANT_ID", "")
	t.Setenv("SLOTGATE_MERCHANT_KEY", "")
	t.Setenv("SLOTGATE_RATE_LIMIT_RPM", "0")

	err := Load().Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"merchant", "requests per minute"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}
