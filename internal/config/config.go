package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig ties together service, chain and storage settings.
type AppConfig struct {
	Service     ServiceConfig
	Chain       ChainConfig
	Storage     StorageConfig
	Eligibility EligibilityConfig
	Retry       RetryConfig
}

type ServiceConfig struct {
	HTTPPort        int
	HMACSecret      string
	HMACClockSkew   time.Duration
	DLQPath         string
	ExpiryWindow    time.Duration // how long a created intent stays payable
	RateLimitPerMin int           // auto-verify calls per payment per minute
}

type ChainConfig struct {
	RPCURL           string
	ReceivingAddress string
	USDCMint         string
	USDCTokenAccount string
	USDTMint         string
	USDTTokenAccount string
	NativeLookback   int
	TokenLookback    int
}

type StorageConfig struct {
	PostgresDSN string
	RedisAddr   string
}

type EligibilityConfig struct {
	RequiredMint string
	MinBalance   int64
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Load reads configuration from the environment, with an optional .env file
// discovered from the working directory.
func Load() (*AppConfig, error) {
	// Missing .env is fine; real deployments inject plain env vars.
	_ = godotenv.Load()

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:        envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:      envOr("API_HMAC_SECRET", ""),
			HMACClockSkew:   time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			DLQPath:         envOr("FULFILLMENT_DLQ_PATH", ""),
			ExpiryWindow:    time.Duration(envOrInt("PAYMENT_EXPIRY_MINUTES", 30)) * time.Minute,
			RateLimitPerMin: envOrInt("AUTO_VERIFY_RATE_LIMIT", 12),
		},
		Chain: ChainConfig{
			RPCURL:           envOr("LEDGER_RPC_URL", ""),
			ReceivingAddress: envOr("RECEIVING_ADDRESS", ""),
			USDCMint:         envOr("USDC_MINT", ""),
			USDCTokenAccount: envOr("USDC_TOKEN_ACCOUNT", ""),
			USDTMint:         envOr("USDT_MINT", ""),
			USDTTokenAccount: envOr("USDT_TOKEN_ACCOUNT", ""),
			NativeLookback:   envOrInt("NATIVE_SCAN_LOOKBACK", 100),
			TokenLookback:    envOrInt("TOKEN_SCAN_LOOKBACK", 50),
		},
		Storage: StorageConfig{
			PostgresDSN: envOr("POSTGRES_DSN", ""),
			RedisAddr:   envOr("REDIS_ADDR", ""),
		},
		Eligibility: EligibilityConfig{
			RequiredMint: envOr("ELIGIBILITY_MINT", ""),
			MinBalance:   int64(envOrInt("ELIGIBILITY_MIN_BALANCE", 1)),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("FULFILLMENT_MAX_ATTEMPTS", 3),
			InitialBackoff:    time.Duration(envOrInt("FULFILLMENT_BACKOFF_MS", 500)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("FULFILLMENT_MAX_BACKOFF_MS", 5000)) * time.Millisecond,
			BackoffMultiplier: envOrInt("FULFILLMENT_BACKOFF_MULTIPLIER", 2),
		},
	}

	if cfg.Chain.RPCURL != "" && cfg.Chain.ReceivingAddress == "" {
		return nil, fmt.Errorf("RECEIVING_ADDRESS is required when LEDGER_RPC_URL is set")
	}
	return cfg, nil
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
