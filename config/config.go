package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ictbot/internal/featurecache"
	"ictbot/internal/model"

	"gopkg.in/yaml.v3"
)

// Candle sources.
const (
	SourceWS    = "ws"    // Binance kline websocket
	SourceRedis = "redis" // upstream kline streams via consumer group
)

// Config holds all application configuration. Values come from defaults,
// then an optional YAML file, then environment variables.
type Config struct {
	Symbols        []string `yaml:"symbols"`
	Timeframes     []string `yaml:"timeframes"`
	BaseTimeframe  string   `yaml:"base_timeframe"`
	BufferCapacity int      `yaml:"buffer_capacity"`
	CandleSource   string   `yaml:"candle_source"`

	// EnrichedCapacity > 0 keeps that many annotated candles per timeframe.
	EnrichedCapacity int `yaml:"enriched_capacity"`

	Features featurecache.Config `yaml:"features"`

	// Infrastructure; an empty RedisAddr disables Redis.
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	SQLitePath       string        `yaml:"sqlite_path"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	HTTPAddr         string        `yaml:"http_addr"`
	GatewayAddr      string        `yaml:"gateway_addr"`
	LogLevel         string        `yaml:"log_level"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// Exchange
	BinanceWSURL   string `yaml:"binance_ws_url"`
	BinanceRESTURL string `yaml:"binance_rest_url"`
	BackfillLimit  int    `yaml:"backfill_limit"`

	// Alerts
	WebhookURL       string `yaml:"webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Symbols:          []string{"BTCUSDT"},
		Timeframes:       []string{"1m", "5m", "15m", "1h", "4h"},
		BaseTimeframe:    "1m",
		BufferCapacity:   500,
		CandleSource:     SourceWS,
		Features:         featurecache.DefaultConfig(),
		RedisAddr:        "localhost:6379",
		SQLitePath:       "data/ictbot.db",
		MetricsAddr:      ":9090",
		HTTPAddr:         ":8080",
		GatewayAddr:      ":8090",
		LogLevel:         "info",
		SnapshotInterval: time.Minute,
		BinanceWSURL:     "wss://fstream.binance.com",
		BinanceRESTURL:   "https://fapi.binance.com",
		BackfillLimit:    500,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	log.Printf("[config] loaded %s", path)
	return nil
}

func (c *Config) applyEnv() {
	c.Symbols = getEnvList("SYMBOLS", c.Symbols)
	c.Timeframes = getEnvList("TIMEFRAMES", c.Timeframes)
	c.BaseTimeframe = getEnv("BASE_TIMEFRAME", c.BaseTimeframe)
	c.BufferCapacity = getEnvInt("BUFFER_CAPACITY", c.BufferCapacity)
	c.CandleSource = getEnv("CANDLE_SOURCE", c.CandleSource)
	c.EnrichedCapacity = getEnvInt("ENRICHED_CAPACITY", c.EnrichedCapacity)

	f := &c.Features
	f.MaxOrderBlocks = getEnvInt("MAX_ORDER_BLOCKS", f.MaxOrderBlocks)
	f.MaxFVGs = getEnvInt("MAX_FVGS", f.MaxFVGs)
	f.MaxLiquidity = getEnvInt("MAX_LIQUIDITY", f.MaxLiquidity)
	f.FeatureExpiryCandles = getEnvInt("FEATURE_EXPIRY_CANDLES", f.FeatureExpiryCandles)
	f.Detector.DisplacementRatio = getEnvFloat("DISPLACEMENT_RATIO", f.Detector.DisplacementRatio)
	f.Detector.FVGMinGapPercent = getEnvFloat("FVG_MIN_GAP_PERCENT", f.Detector.FVGMinGapPercent)
	f.Detector.TolerancePercent = getEnvFloat("TOLERANCE_PERCENT", f.Detector.TolerancePercent)
	f.Detector.MinTouches = getEnvInt("MIN_TOUCHES", f.Detector.MinTouches)

	c.RedisAddr = getEnvAllowEmpty("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GatewayAddr = getEnv("GATEWAY_ADDR", c.GatewayAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", c.SnapshotInterval)

	c.BinanceWSURL = getEnv("BINANCE_WS_URL", c.BinanceWSURL)
	c.BinanceRESTURL = getEnv("BINANCE_REST_URL", c.BinanceRESTURL)
	c.BackfillLimit = getEnvInt("BACKFILL_LIMIT", c.BackfillLimit)

	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.TelegramChatID)
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("config: at least one timeframe required")
	}
	base, err := model.ParseTimeframe(c.BaseTimeframe)
	if err != nil {
		return fmt.Errorf("config: base timeframe: %w", err)
	}
	for _, tf := range c.Timeframes {
		d, err := model.ParseTimeframe(tf)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if d < base || d%base != 0 {
			return fmt.Errorf("config: timeframe %s is not a multiple of base %s", tf, c.BaseTimeframe)
		}
	}
	if err := c.Features.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.BufferCapacity < c.Features.Window() {
		return fmt.Errorf("config: buffer_capacity %d below detection window %d", c.BufferCapacity, c.Features.Window())
	}
	switch c.CandleSource {
	case SourceWS:
	case SourceRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: candle_source redis requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown candle_source %q", c.CandleSource)
	}
	if c.BackfillLimit < 0 {
		return fmt.Errorf("config: backfill_limit must be >= 0, got %d", c.BackfillLimit)
	}
	if c.EnrichedCapacity < 0 {
		return fmt.Errorf("config: enriched_capacity must be >= 0, got %d", c.EnrichedCapacity)
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return fmt.Errorf("config: telegram needs both bot token and chat id")
	}
	return nil
}

// AllTimeframes returns the base timeframe followed by every configured
// timeframe not equal to it.
func (c *Config) AllTimeframes() []string {
	out := []string{c.BaseTimeframe}
	for _, tf := range c.Timeframes {
		if tf != c.BaseTimeframe {
			out = append(out, tf)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// getEnvAllowEmpty lets a variable that is set but empty clear the value.
func getEnvAllowEmpty(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
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
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return d
}

// getEnvList parses a comma-separated list, e.g. SYMBOLS=BTCUSDT,ETHUSDT.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
