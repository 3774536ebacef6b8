// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultRefreshInterval はSEALER_KEY_REFRESH_INTERVAL未設定時の更新間隔。
const DefaultRefreshInterval = 15 * time.Minute

// Config はアプリケーション設定を表す。
type Config struct {
	Port string

	SecretID        string
	RefreshInterval time.Duration

	AWSRegion              string
	SecretsManagerEndpoint string
	KMSKeyName             string
	GoogleCloudProject     string

	DatabaseURL   string
	MigrationsDir string

	LogLevel string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。値の検証はValidateで行う。
func Load() (*Config, error) {
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		SecretID:               strings.TrimSpace(os.Getenv("SEALER_KEY_SECRET_ID")),
		AWSRegion:              os.Getenv("AWS_REGION"),
		SecretsManagerEndpoint: os.Getenv("SECRETS_MANAGER_ENDPOINT"),
		KMSKeyName:             os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject:     os.Getenv("GOOGLE_CLOUD_PROJECT"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MigrationsDir:          os.Getenv("MIGRATIONS_DIR"),
		LogLevel:               getEnv("LOG_LEVEL", "INFO"),
		OtelEndpoint:           getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:        getEnv("OTEL_SERVICE_NAME", "sealer-key-service"),
	}

	var err error
	cfg.RefreshInterval, err = time.ParseDuration(getEnv("SEALER_KEY_REFRESH_INTERVAL", DefaultRefreshInterval.String()))
	if err != nil {
		return nil, fmt.Errorf("parsing SEALER_KEY_REFRESH_INTERVAL: %w", err)
	}

	cfg.OtelEnabled, err = strconv.ParseBool(getEnv("OTEL_ENABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("parsing OTEL_ENABLED: %w", err)
	}

	cfg.OtelSamplingRate, err = strconv.ParseFloat(getEnv("OTEL_SAMPLING_RATE", "1.0"), 64)
	if err != nil {
		return nil, fmt.Errorf("parsing OTEL_SAMPLING_RATE: %w", err)
	}

	return cfg, nil
}

// Validate はサーバー起動に必要な設定を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.SecretID == "" {
		errs = append(errs, errors.New("SEALER_KEY_SECRET_ID is required"))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("SEALER_KEY_REFRESH_INTERVAL must not be negative, got %s", c.RefreshInterval))
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLING_RATE must be within [0, 1], got %g", c.OtelSamplingRate))
	}
	return errors.Join(errs...)
}

// LedgerEnabled は採用履歴をデータベースに記録するかを返す。
func (c *Config) LedgerEnabled() bool {
	return c.DatabaseURL != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
