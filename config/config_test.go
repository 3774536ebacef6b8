package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SEALER_KEY_SECRET_ID", "  sealer-key  ")
	t.Setenv("PORT", "")
	t.Setenv("SEALER_KEY_REFRESH_INTERVAL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_SAMPLING_RATE", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("want port 8080, got %s", cfg.Port)
	}
	if cfg.SecretID != "sealer-key" {
		t.Errorf("want trimmed secret id, got %q", cfg.SecretID)
	}
	if cfg.RefreshInterval != 15*time.Minute {
		t.Errorf("want interval 15m, got %s", cfg.RefreshInterval)
	}
	if cfg.OtelEnabled {
		t.Error("want otel disabled by default")
	}
	if cfg.OtelSamplingRate != 1.0 {
		t.Errorf("want sampling rate 1.0, got %g", cfg.OtelSamplingRate)
	}
	if cfg.LedgerEnabled() {
		t.Error("want ledger disabled without DATABASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("want valid config, got %v", err)
	}
}

func TestLoad_ZeroIntervalDisablesRefresh(t *testing.T) {
	t.Setenv("SEALER_KEY_SECRET_ID", "sealer-key")
	t.Setenv("SEALER_KEY_REFRESH_INTERVAL", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RefreshInterval != 0 {
		t.Errorf("want interval 0, got %s", cfg.RefreshInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("want valid config, got %v", err)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"SEALER_KEY_REFRESH_INTERVAL", "fifteen minutes"},
		{"OTEL_ENABLED", "maybe"},
		{"OTEL_SAMPLING_RATE", "half"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("want error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{SecretID: "sealer-key", RefreshInterval: time.Minute, OtelSamplingRate: 0.5}, false},
		{"missing secret id", Config{RefreshInterval: time.Minute}, true},
		{"negative interval", Config{SecretID: "sealer-key", RefreshInterval: -time.Second}, true},
		{"sampling rate out of range", Config{SecretID: "sealer-key", OtelSamplingRate: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("want error %v, got %v", tt.wantErr, err)
			}
		})
	}
}
