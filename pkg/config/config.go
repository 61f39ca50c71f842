package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot engine.
type Config struct {
	Port string

	// Broker endpoint
	DerivWSURL string
	DerivAppID string
	DerivToken string // single-user token; multi-user tokens live encrypted in the DB
	Symbols    []string
	Currency   string

	// Trading defaults
	Strategy      string
	StrategyFile  string // optional strategies.yaml presets
	Stake         float64
	MaxStake      float64
	Duration      int
	DurationUnit  string // "t", "s", "m", "h"
	Granularity   int    // candle seconds
	CandleCount   int
	ScanInterval  time.Duration
	MinConfidence map[string]float64 // "SYMBOL:DIRECTION" -> required confidence

	// Execution
	DryRun              bool
	PaperBalance        float64
	PaperWinProbability float64

	// Risk caps
	DailyMaxTrades    int
	DailyLossMultiple float64 // daily loss limit = multiple × stake
	MaxConsecLosses   int
	LossCooldown      time.Duration
	TradeCooldown     time.Duration
	TrailingStop      bool

	// Orchestration
	MaxBots         int
	ShutdownTimeout time.Duration

	// Rate limiting
	RequestsPerSecond float64
	RequestBurst      int

	// Database
	DBPath string

	// Auth / licensing
	JWTSecret     string
	LicenseToken  string
	LicenseSecret string

	// Credential encryption ("v1=<base64 32B>,v2=...", active key name)
	EncryptionKeys   string
	EncryptionActive string

	// Notifications
	WebhookURL string

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		DerivWSURL: getEnv("DERIV_WS_URL", "wss://ws.derivws.com/websockets/v3"),
		DerivAppID: getEnv("DERIV_APP_ID", "1089"),
		DerivToken: os.Getenv("DERIV_API_TOKEN"),
		Symbols:    splitAndTrim(getEnv("SYMBOLS", "R_10,R_25,R_50,R_75,R_100")),
		Currency:   getEnv("CURRENCY", "USD"),

		Strategy:      getEnv("STRATEGY", "conservative"),
		StrategyFile:  getEnv("STRATEGY_FILE", ""),
		Stake:         getEnvFloat("STAKE", 1.00),
		MaxStake:      getEnvFloat("MAX_STAKE", 100.00),
		Duration:      getEnvInt("CONTRACT_DURATION", 2),
		DurationUnit:  getEnv("CONTRACT_DURATION_UNIT", "m"),
		Granularity:   getEnvInt("CANDLE_GRANULARITY", 60),
		CandleCount:   getEnvInt("CANDLE_COUNT", 50),
		ScanInterval:  getEnvDuration("SCAN_INTERVAL", 10*time.Second),
		MinConfidence: parseConfidence(getEnv("MIN_CONFIDENCE", "")),

		DryRun:              getEnv("DRY_RUN", "false") == "true",
		PaperBalance:        getEnvFloat("PAPER_BALANCE", 10000.0),
		PaperWinProbability: getEnvFloat("PAPER_WIN_PROBABILITY", 0.5),

		DailyMaxTrades:    getEnvInt("DAILY_MAX_TRADES", 30),
		DailyLossMultiple: getEnvFloat("DAILY_LOSS_MULTIPLE", 3.0),
		MaxConsecLosses:   getEnvInt("MAX_CONSECUTIVE_LOSSES", 2),
		LossCooldown:      getEnvDuration("LOSS_COOLDOWN", 6*time.Hour),
		TradeCooldown:     getEnvDuration("TRADE_COOLDOWN", 30*time.Second),
		TrailingStop:      getEnv("TRAILING_STOP", "true") == "true",

		MaxBots:         getEnvInt("MAX_BOTS", 50),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 10),
		RequestBurst:      getEnvInt("REQUEST_BURST", 20),

		DBPath: getEnv("DB_PATH", "./data/bot.db"),

		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		LicenseToken:  getEnv("LICENSE_TOKEN", ""),
		LicenseSecret: getEnv("LICENSE_SECRET", ""),

		EncryptionKeys:   getEnv("ENCRYPTION_KEYS", ""),
		EncryptionActive: getEnv("ENCRYPTION_ACTIVE_KEY", "v1"),

		WebhookURL: getEnv("WEBHOOK_URL", ""),
		Language:   getEnv("LANGUAGE", "en"),
	}

	cfg.clamp()
	return cfg, nil
}

// clamp forces risk-relevant settings back inside hard bounds. A typo in
// .env must not turn into a 1000-unit stake.
func (c *Config) clamp() {
	if c.Stake < 0.35 {
		c.Stake = 0.35
	}
	if c.MaxStake < c.Stake {
		c.MaxStake = c.Stake
	}
	if c.MaxStake > 2000 {
		c.MaxStake = 2000
	}
	if c.Stake > c.MaxStake {
		c.Stake = c.MaxStake
	}
	if c.Duration <= 0 {
		c.Duration = 2
	}
	switch c.DurationUnit {
	case "t", "s", "m", "h", "d":
	default:
		c.DurationUnit = "m"
	}
	if c.Granularity <= 0 {
		c.Granularity = 60
	}
	if c.CandleCount < 10 {
		c.CandleCount = 10
	}
	if c.CandleCount > 5000 {
		c.CandleCount = 5000
	}
	if c.ScanInterval < time.Second {
		c.ScanInterval = time.Second
	}
	if c.DailyMaxTrades < 1 {
		c.DailyMaxTrades = 1
	}
	if c.DailyMaxTrades > 500 {
		c.DailyMaxTrades = 500
	}
	if c.DailyLossMultiple < 1 {
		c.DailyLossMultiple = 1
	}
	if c.MaxConsecLosses < 1 {
		c.MaxConsecLosses = 1
	}
	if c.MaxBots < 1 {
		c.MaxBots = 1
	}
	if c.MaxBots > 200 {
		c.MaxBots = 200
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.RequestBurst < 1 {
		c.RequestBurst = 1
	}
	if c.PaperWinProbability <= 0 || c.PaperWinProbability >= 1 {
		c.PaperWinProbability = 0.5
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"R_10"}
	}
}

// parseConfidence reads "R_50:PUT=9,R_25:CALL=8" into a lookup map.
func parseConfidence(val string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, num, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = f
	}
	return out
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
		// Bare numbers are taken as seconds.
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}
