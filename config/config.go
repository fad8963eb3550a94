package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream market data provider
	PolygonAPIKey  string
	PolygonBaseURL string
	StreamURL      string
	EnableStream   bool

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string
	LogLevel      string

	// Ingestion
	Project         string
	DefaultUniverse string
	UniverseSymbols string // comma-separated seed tickers
	ChunkSize       int
	Concurrency     int
	ChunkDelayMs    int
	SnapshotTTLSec  int

	// Cadence between full universe cycles
	RegularIntervalSec  int
	ExtendedIntervalSec int
	ClosedIntervalSec   int

	// Alerting (all optional)
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honored when present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	return &Config{
		PolygonAPIKey:  mustEnv("POLYGON_API_KEY"),
		PolygonBaseURL: getEnv("POLYGON_BASE_URL", "https://api.polygon.io"),
		StreamURL:      getEnv("POLYGON_STREAM_URL", "wss://delayed.polygon.io/stocks"),
		EnableStream:   getEnv("ENABLE_STREAM", "false") == "true",

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/reference.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		Project:         getEnv("PROJECT", "sp500"),
		DefaultUniverse: getEnv("UNIVERSE", "sp500"),
		UniverseSymbols: getEnv("UNIVERSE_SYMBOLS", ""),
		ChunkSize:       getEnvInt("CHUNK_SIZE", 75),
		Concurrency:     getEnvInt("CONCURRENCY", 10),
		ChunkDelayMs:    getEnvInt("CHUNK_DELAY_MS", 1200),
		SnapshotTTLSec:  getEnvInt("SNAPSHOT_TTL_SEC", 300),

		RegularIntervalSec:  getEnvInt("REGULAR_INTERVAL_SEC", 60),
		ExtendedIntervalSec: getEnvInt("EXTENDED_INTERVAL_SEC", 300),
		ClosedIntervalSec:   getEnvInt("CLOSED_INTERVAL_SEC", 1800),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
	}
}

// ParseUniverse splits UniverseSymbols into uppercased tickers.
func (c *Config) ParseUniverse() []string {
	parts := strings.Split(c.UniverseSymbols, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		symbols = append(symbols, p)
	}
	return symbols
}

// ChunkDelay returns the pause between ingest chunks.
func (c *Config) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// SnapshotTTL returns the cache TTL for normalized snapshots.
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSec) * time.Second
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid value for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
