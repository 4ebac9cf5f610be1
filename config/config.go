// Package config loads process configuration from the environment (and an
// optional .env file).
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"quotescript"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Broker: "sim" (in-process random walk) or "ws" (tickserver feed)
	Broker         string `envconfig:"BROKER" default:"sim"`
	FeedURL        string `envconfig:"FEED_URL" default:"ws://localhost:8765/feed"`
	FeedTOTPSecret string `envconfig:"FEED_TOTP_SECRET"`
	SimIntervalMS  int    `envconfig:"SIM_INTERVAL_MS" default:"250"`
	TickServerAddr string `envconfig:"TICK_SERVER_ADDR" default:":8765"`

	// Infrastructure
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/quotes.db"`
	MetricsAddr   string `envconfig:"METRICS_ADDR" default:":9090"`

	// Quotes
	// Comma-separated alias=description pairs, e.g. "SPX=SPX index,ES=ES 202612 future on CME"
	WellKnownSymbols string `envconfig:"WELL_KNOWN_SYMBOLS" default:"SPX=SPX index,VIX=VIX index,NDX=NDX index"`
	QuoteGroups      string `envconfig:"QUOTE_GROUPS" default:"ticks"`
	QuoteAutoStream  bool   `envconfig:"QUOTE_AUTO_STREAM" default:"true"`

	// Notifications
	WebhookURL       string `envconfig:"WEBHOOK_URL"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`

	// Trading calendar
	MarketTZ       string `envconfig:"MARKET_TZ" default:"America/New_York"`
	MarketOpen     string `envconfig:"MARKET_OPEN" default:"09:30"`
	MarketClose    string `envconfig:"MARKET_CLOSE" default:"16:00"`
	MarketHolidays string `envconfig:"MARKET_HOLIDAYS"` // comma-separated YYYY-MM-DD
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	// .env is optional; deployed environments set real variables.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Broker != "sim" && cfg.Broker != "ws" {
		return nil, fmt.Errorf("config: BROKER must be sim or ws, got %q", cfg.Broker)
	}
	return &cfg, nil
}

// Symbols parses WellKnownSymbols into an alias -> description map.
func (c *Config) Symbols() map[string]string {
	out := make(map[string]string)
	for _, p := range splitList(c.WellKnownSymbols) {
		alias, desc, ok := strings.Cut(p, "=")
		alias, desc = strings.TrimSpace(alias), strings.TrimSpace(desc)
		if !ok || alias == "" || desc == "" {
			slog.Warn("skipping invalid well-known symbol", "component", "config", "value", p)
			continue
		}
		out[strings.ToUpper(alias)] = desc
	}
	return out
}

// Groups returns the field groups requested on new quotes.
func (c *Config) Groups() []string {
	return splitList(c.QuoteGroups)
}

// Holidays returns the configured market holidays.
func (c *Config) Holidays() []string {
	return splitList(c.MarketHolidays)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
