package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	Port string

	// Venue (Deriv-style websocket API)
	VenueURL       string
	VenueAppID     string
	DefaultToken   string // fallback credential for shared feed subscriptions
	FeedSymbols    []string
	RequestTimeout time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration

	// Scheduler
	CycleInterval  time.Duration
	CycleMaxAgents int
	GroupSize      int
	GroupPause     time.Duration
	VenueRateLimit float64 // requests per second against the venue
	ConfigCacheTTL time.Duration

	// Pipeline
	TradeTimeout time.Duration

	// Analysis
	HistoryCapacity int
	AnalysisTTL     time.Duration

	// Database
	DBPath string

	// Presets (cadence + risk profiles)
	PresetsPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8090"),
		VenueURL:        getEnv("VENUE_WS_URL", "wss://ws.derivws.com/websockets/v3"),
		VenueAppID:      getEnv("VENUE_APP_ID", "1089"),
		DefaultToken:    os.Getenv("VENUE_FEED_TOKEN"),
		FeedSymbols:     splitAndTrim(getEnv("FEED_SYMBOLS", "R_100,R_50")),
		RequestTimeout:  getEnvDuration("VENUE_REQUEST_TIMEOUT", 15*time.Second),
		PingInterval:    getEnvDuration("VENUE_PING_INTERVAL", 30*time.Second),
		IdleTimeout:     getEnvDuration("VENUE_IDLE_TIMEOUT", 10*time.Minute),
		CycleInterval:   getEnvDuration("CYCLE_INTERVAL", 5*time.Second),
		CycleMaxAgents:  getEnvInt("CYCLE_MAX_AGENTS", 50),
		GroupSize:       getEnvInt("CYCLE_GROUP_SIZE", 5),
		GroupPause:      getEnvDuration("CYCLE_GROUP_PAUSE", 500*time.Millisecond),
		VenueRateLimit:  getEnvFloat("VENUE_RATE_LIMIT", 10),
		ConfigCacheTTL:  getEnvDuration("CONFIG_CACHE_TTL", 3*time.Second),
		TradeTimeout:    getEnvDuration("TRADE_TIMEOUT", 120*time.Second),
		HistoryCapacity: getEnvInt("HISTORY_CAPACITY", 300),
		AnalysisTTL:     getEnvDuration("ANALYSIS_TTL", 2*time.Second),
		DBPath:          getEnv("DB_PATH", "./data/apollo.db"),
		PresetsPath:     getEnv("PRESETS_PATH", ""),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
	}

	if cfg.GroupSize <= 0 {
		return nil, fmt.Errorf("config: CYCLE_GROUP_SIZE must be positive, got %d", cfg.GroupSize)
	}
	if cfg.HistoryCapacity < 30 {
		return nil, fmt.Errorf("config: HISTORY_CAPACITY must be at least 30, got %d", cfg.HistoryCapacity)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
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
	}
	return def
}
