package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"escrowledger/internal/chains"
)

// AppConfig ties together service settings, secrets, and the chain registry.
type AppConfig struct {
	Service   ServiceConfig
	Secrets   SecretsConfig
	Processor ProcessorConfig
	Retry     RetryConfig
	Chains    []chains.Config
}

type ServiceConfig struct {
	HTTPPort         int
	PostgresDSN      string
	FeeBps           int64
	TokenTTL         time.Duration
	IndexerClockSkew time.Duration
}

type SecretsConfig struct {
	JWTSecret     string
	WebhookSecret string
	IndexerSecret string
}

type ProcessorConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	UseFake bool
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

const defaultChainsPath = "chains.json"

// Load aggregates configuration from environment and the chains file. Missing
// secrets are tolerated here so that local development works; the server
// refuses webhook traffic when the relevant secret is empty.
func Load() (*AppConfig, error) {
	chainList, err := loadChains(envOr("CHAINS_PATH", defaultChainsPath))
	if err != nil {
		return nil, fmt.Errorf("load chains: %w", err)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:         envOrInt("API_HTTP_PORT", 3000),
			PostgresDSN:      envOr("POSTGRES_DSN", ""),
			FeeBps:           int64(envOrInt("FEE_BPS", 150)),
			TokenTTL:         time.Duration(envOrInt("TOKEN_TTL_SECONDS", 86400)) * time.Second,
			IndexerClockSkew: time.Duration(envOrInt("INDEXER_CLOCK_SKEW_SECONDS", 300)) * time.Second,
		},
		Secrets: SecretsConfig{
			JWTSecret:     envOr("JWT_SECRET", ""),
			WebhookSecret: envOr("PROCESSOR_WEBHOOK_SECRET", ""),
			IndexerSecret: envOr("INDEXER_SECRET", ""),
		},
		Processor: ProcessorConfig{
			BaseURL: envOr("PROCESSOR_BASE_URL", "https://api.paystack.co"),
			Secret:  envOr("PROCESSOR_SECRET_KEY", ""),
			Timeout: time.Duration(envOrInt("PROCESSOR_TIMEOUT_MS", 10_000)) * time.Millisecond,
			UseFake: envOr("PROCESSOR_MODE", "") == "fake",
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", 5_000)) * time.Millisecond,
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
		},
		Chains: chainList,
	}
	return cfg, nil
}

// loadChains reads the chain registry file. The file is optional: without it
// the service runs fiat-only.
func loadChains(path string) ([]chains.Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var list []chains.Config
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.ID == "" {
			return nil, fmt.Errorf("chain entry without id in %s", path)
		}
	}
	return list, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
