package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadClampsTaxRate(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "250")
	if cfg := Load(); cfg.TaxRatePercent != 0 {
		t.Fatalf("expected out-of-range tax rate to fall back to 0, got %v", cfg.TaxRatePercent)
	}

	t.Setenv("TAX_RATE_PERCENT", "11")
	if cfg := Load(); cfg.TaxRatePercent != 11 {
		t.Fatalf("expected tax rate 11, got %v", cfg.TaxRatePercent)
	}
}

func TestLoadTerminalDefaults(t *testing.T) {
	cfg := LoadTerminal()
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("expected 30s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.SyncBatchSize != 10 {
		t.Fatalf("expected batch size 10, got %d", cfg.SyncBatchSize)
	}
	if cfg.SyncCallTimeout != 15*time.Second {
		t.Fatalf("expected 15s call timeout, got %v", cfg.SyncCallTimeout)
	}
	if cfg.RetryBudget != 3 {
		t.Fatalf("expected retry budget 3, got %d", cfg.RetryBudget)
	}
}

func TestLoadTerminalRejectsBadOverrides(t *testing.T) {
	t.Setenv("CONNECTIVITY_POLL_SECONDS", "0")
	t.Setenv("SYNC_BATCH_SIZE", "not-a-number")

	cfg := LoadTerminal()
	if cfg.PollInterval != 30*time.Second || cfg.SyncBatchSize != 10 {
		t.Fatalf("expected defaults on bad overrides, got %v/%d", cfg.PollInterval, cfg.SyncBatchSize)
	}
}
