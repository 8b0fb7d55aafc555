package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the risk core.
type Config struct {
	Port string

	// Binance futures (USDT-M)
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string

	// Data paths
	PositionsPath     string // risk-view position store (JSON)
	SyncPositionsPath string // venue-view position store (JSON)
	RiskConfigPath    string // risk parameters (YAML)
	IntegrationPath   string // conflict-resolution settings (YAML)
	DBPath            string // sqlite audit database

	// Control loop
	PollInterval  time.Duration
	FullSyncEvery int // run a full venue sync every Nth cycle

	// Price feed
	EnablePriceFeed bool

	// Operator API
	EnableAPI bool
	JWTSecret string

	// Notifications
	TelegramToken  string
	TelegramChatID string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		BinanceTestnet:    getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:  os.Getenv("BINANCE_API_SECRET"),
		PositionsPath:     getEnv("POSITIONS_PATH", "./data/positions.json"),
		SyncPositionsPath: getEnv("SYNC_POSITIONS_PATH", "./data/sync_positions.json"),
		RiskConfigPath:    getEnv("RISK_CONFIG_PATH", "./data/risk_config.yaml"),
		IntegrationPath:   getEnv("INTEGRATION_CONFIG_PATH", "./data/integration.yaml"),
		DBPath:            getEnv("DB_PATH", "./data/risk_core.db"),
		PollInterval:      getEnvDuration("POLL_INTERVAL", time.Minute),
		FullSyncEvery:     getEnvInt("FULL_SYNC_EVERY", 5),
		EnablePriceFeed:   getEnv("ENABLE_PRICE_FEED", "true") == "true",
		EnableAPI:         getEnv("ENABLE_API", "true") == "true",
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("config: POLL_INTERVAL must be positive")
	}
	if cfg.FullSyncEvery < 1 {
		cfg.FullSyncEvery = 1
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are treated as seconds.
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
