// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded signer key, with or without 0x prefix
	EscrowContract string // Active escrow contract deployment
	CommissionRate string // Platform fee as a decimal fraction, e.g. "0.05"

	// Receipt / resolution settings
	ReceiptTimeout    time.Duration // Max wait for a submitted call to confirm
	ScanDepth         int           // Backward scan bound for identifier recovery
	NetworkSwitchWait time.Duration

	// Reconciliation
	ReconcileInterval time.Duration // 0 disables the stuck-transaction poller
	StuckAfter        time.Duration // Age before a processing row is re-driven

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPS int
}

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultEscrowContract = "0x52cA6d85F5b67a2E38f02eB7f4C9a4a7cD0d9a6E"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCommissionRate = "0.05"
	DefaultReceiptTimeout = 90 * time.Second
	DefaultScanDepth      = 50
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"), // Optional, read-only mode without it
		EscrowContract:    getEnv("ESCROW_CONTRACT", DefaultEscrowContract),
		CommissionRate:    getEnv("COMMISSION_RATE", DefaultCommissionRate),
		ReceiptTimeout:    getEnvDuration("RECEIPT_TIMEOUT", DefaultReceiptTimeout),
		ScanDepth:         int(getEnvInt64("SCAN_DEPTH", DefaultScanDepth)),
		NetworkSwitchWait: getEnvDuration("NETWORK_SWITCH_WAIT", 3*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 0),
		StuckAfter:        getEnvDuration("STUCK_AFTER", 10*time.Minute),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}

	if c.ScanDepth <= 0 {
		return fmt.Errorf("SCAN_DEPTH must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
