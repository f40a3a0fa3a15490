// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DBPath        string // Path to the embedded SQLite store
	Port          int
	SecretKey     string
	MarketTimezone string // Scheduler timezone (default America/New_York)
	LogLevel      string
	LogDir        string
	LogFormatJSON bool

	// Store tuning
	DBPoolSize      int
	DBPoolTimeout   time.Duration
	DBBusyTimeoutMS int
	DBCacheSizeKB   int

	// Jobs
	PriceRefreshIntervalSeconds int
	PriceRefreshWorkers         int

	// Realtime
	WSMaxSubscriptionsPerClient int
	WSPriceBroadcast            bool

	// Provider API keys (empty = provider unavailable)
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAIKey     string
	XAIAPIKey       string
	PolygonAPIKey   string
	AlphaVantageKey string
	FinnhubAPIKey   string
	GitHubToken     string

	// Backup (optional, S3-compatible endpoint)
	BackupBucket    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "data/tickerpulse.db")
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DBPath:         absPath,
		Port:           getEnvAsInt("FLASK_PORT", 5001),
		SecretKey:      getEnv("SECRET_KEY", ""),
		MarketTimezone: getEnv("MARKET_TIMEZONE", "America/New_York"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDir:         getEnv("LOG_DIR", "logs"),
		LogFormatJSON:  getEnvAsBool("LOG_FORMAT_JSON", false),

		DBPoolSize:      getEnvAsInt("DB_POOL_SIZE", 5),
		DBPoolTimeout:   time.Duration(getEnvAsInt("DB_POOL_TIMEOUT", 10)) * time.Second,
		DBBusyTimeoutMS: getEnvAsInt("DB_BUSY_TIMEOUT_MS", 5000),
		DBCacheSizeKB:   getEnvAsInt("DB_CACHE_SIZE_KB", 8192),

		PriceRefreshIntervalSeconds: getEnvAsInt("PRICE_REFRESH_INTERVAL_SECONDS", 60),
		PriceRefreshWorkers:         getEnvAsInt("PRICE_REFRESH_WORKERS", 4),

		WSMaxSubscriptionsPerClient: getEnvAsInt("WS_MAX_SUBSCRIPTIONS_PER_CLIENT", 50),
		WSPriceBroadcast:            getEnvAsBool("WS_PRICE_BROADCAST", true),

		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		GoogleAIKey:     getEnv("GOOGLE_AI_KEY", ""),
		XAIAPIKey:       getEnv("XAI_API_KEY", ""),
		PolygonAPIKey:   getEnv("POLYGON_API_KEY", ""),
		AlphaVantageKey: getEnv("ALPHA_VANTAGE_KEY", ""),
		FinnhubAPIKey:   getEnv("FINNHUB_API_KEY", ""),
		GitHubToken:     getEnv("GITHUB_TOKEN", ""),

		BackupBucket:    getEnv("BACKUP_S3_BUCKET", ""),
		BackupEndpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupAccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DBPoolSize < 1 {
		return fmt.Errorf("DB_POOL_SIZE must be at least 1, got %d", c.DBPoolSize)
	}
	// Refresh workers writing concurrently must never outnumber the pool,
	// otherwise every worker beyond the pool size just queues on Acquire.
	if c.PriceRefreshWorkers > c.DBPoolSize {
		c.PriceRefreshWorkers = c.DBPoolSize
	}
	if c.PriceRefreshWorkers < 1 {
		c.PriceRefreshWorkers = 1
	}
	if c.WSMaxSubscriptionsPerClient < 1 {
		c.WSMaxSubscriptionsPerClient = 50
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
