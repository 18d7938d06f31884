package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bracketbot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbols              []string // symbols traded independently
	EvalInterval         time.Duration
	RiskBudget           float64 // quote currency committed per trade
	StopLoss             float64 // stop loss fraction of entry price
	TakeProfit           float64 // take profit fraction of entry price
	PartialFillThreshold float64 // executed fraction below which an entry is unwound
	TrailingActivation   float64 // unrealized profit fraction that arms the trailing stop
	TrailingATRMult      float64 // trailing distance = ATR * this
	ATRPeriod            int
	FeeRate              float64

	// Bracket placement
	BracketMaxAttempts int
	BracketBackoffMin  time.Duration
	BracketBackoffMax  time.Duration

	// Risk Limits
	MaxOpenPositions int
	MaxDrawdownPct   float64
	StaleDataLimit   time.Duration
	ClockSkewLimit   time.Duration

	// Exchange filters (fallback when the exchange does not report them)
	QtyStep     string
	MinQty      string
	MinNotional string

	// Strategy Parameters
	StrategyShortMAPeriod int
	StrategyLongMAPeriod  int
	StrategyEMAPeriod     int
	StrategyRSIPeriod     int
	StrategyRSIOverbought float64
	StrategyRSIOversold   float64

	// Database
	DBPath string

	// Notifications
	TelegramToken  string
	TelegramChatID string

	// Monitoring
	MetricsPort int // 0 disables the metrics listener

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	symbolsStr := getEnv("SYMBOLS", "ETHUSDT")
	for _, s := range strings.Split(symbolsStr, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	evalIntervalSeconds := getEnvAsInt("EVAL_INTERVAL_SECONDS", 60)
	if evalIntervalSeconds <= 0 {
		errs = append(errs, "EVAL_INTERVAL_SECONDS must be positive")
	}
	cfg.EvalInterval = time.Duration(evalIntervalSeconds) * time.Second

	cfg.RiskBudget, err = getEnvAsFloatRequired("RISK_BUDGET", 20.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_BUDGET: %v", err))
	} else if cfg.RiskBudget <= 0 {
		errs = append(errs, "RISK_BUDGET must be positive")
	}

	cfg.StopLoss, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLoss <= 0 || cfg.StopLoss >= 1.0 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.TakeProfit, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfit <= 0 {
		errs = append(errs, "TAKE_PROFIT_PCT must be positive")
	}

	cfg.PartialFillThreshold, err = getEnvAsFloatRequired("PARTIAL_FILL_THRESHOLD", 0.9)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PARTIAL_FILL_THRESHOLD: %v", err))
	} else if cfg.PartialFillThreshold <= 0 || cfg.PartialFillThreshold > 1.0 {
		errs = append(errs, "PARTIAL_FILL_THRESHOLD must be in (0.0, 1.0]")
	}

	cfg.TrailingActivation, err = getEnvAsFloatRequired("TRAILING_ACTIVATION_PCT", 0.03)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAILING_ACTIVATION_PCT: %v", err))
	} else if cfg.TrailingActivation <= 0 {
		errs = append(errs, "TRAILING_ACTIVATION_PCT must be positive")
	}

	cfg.TrailingATRMult, err = getEnvAsFloatRequired("TRAILING_ATR_MULT", 2.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAILING_ATR_MULT: %v", err))
	} else if cfg.TrailingATRMult <= 0 {
		errs = append(errs, "TRAILING_ATR_MULT must be positive")
	}

	cfg.ATRPeriod = getEnvAsInt("ATR_PERIOD", 14)
	if cfg.ATRPeriod <= 0 {
		errs = append(errs, "ATR_PERIOD must be positive")
	}

	cfg.FeeRate, err = getEnvAsFloatRequired("FEE_RATE", 0.0004)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FEE_RATE: %v", err))
	} else if cfg.FeeRate < 0 {
		errs = append(errs, "FEE_RATE cannot be negative")
	}

	// Bracket placement
	cfg.BracketMaxAttempts = getEnvAsInt("BRACKET_MAX_ATTEMPTS", 5)
	if cfg.BracketMaxAttempts <= 0 {
		errs = append(errs, "BRACKET_MAX_ATTEMPTS must be positive")
	}
	backoffMinMs := getEnvAsInt("BRACKET_BACKOFF_MIN_MS", 500)
	backoffMaxMs := getEnvAsInt("BRACKET_BACKOFF_MAX_MS", 30000)
	if backoffMinMs <= 0 || backoffMaxMs < backoffMinMs {
		errs = append(errs, "BRACKET_BACKOFF_MIN_MS must be positive and no greater than BRACKET_BACKOFF_MAX_MS")
	}
	cfg.BracketBackoffMin = time.Duration(backoffMinMs) * time.Millisecond
	cfg.BracketBackoffMax = time.Duration(backoffMaxMs) * time.Millisecond

	// Risk Limits
	cfg.MaxOpenPositions = getEnvAsInt("MAX_OPEN_POSITIONS", 3)
	if cfg.MaxOpenPositions <= 0 {
		errs = append(errs, "MAX_OPEN_POSITIONS must be positive")
	}

	cfg.MaxDrawdownPct, err = getEnvAsFloatRequired("MAX_DRAWDOWN_PCT", 0.15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DRAWDOWN_PCT: %v", err))
	} else if cfg.MaxDrawdownPct <= 0 || cfg.MaxDrawdownPct >= 1.0 {
		errs = append(errs, "MAX_DRAWDOWN_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	staleDataSeconds := getEnvAsInt("STALE_DATA_LIMIT_SECONDS", 180)
	if staleDataSeconds <= 0 {
		errs = append(errs, "STALE_DATA_LIMIT_SECONDS must be positive")
	}
	cfg.StaleDataLimit = time.Duration(staleDataSeconds) * time.Second

	clockSkewSeconds := getEnvAsInt("CLOCK_SKEW_LIMIT_SECONDS", 5)
	if clockSkewSeconds <= 0 {
		errs = append(errs, "CLOCK_SKEW_LIMIT_SECONDS must be positive")
	}
	cfg.ClockSkewLimit = time.Duration(clockSkewSeconds) * time.Second

	// Exchange filters
	cfg.QtyStep = getEnv("QTY_STEP", "0.0001")
	cfg.MinQty = getEnv("MIN_QTY", "0")
	cfg.MinNotional = getEnv("MIN_NOTIONAL", "10")

	// Strategy Parameters (using defaults if not set)
	cfg.StrategyShortMAPeriod = getEnvAsInt("STRATEGY_SHORT_MA_PERIOD", 20)
	cfg.StrategyLongMAPeriod = getEnvAsInt("STRATEGY_LONG_MA_PERIOD", 50)
	cfg.StrategyEMAPeriod = getEnvAsInt("STRATEGY_EMA_PERIOD", 20)
	cfg.StrategyRSIPeriod = getEnvAsInt("STRATEGY_RSI_PERIOD", 14)
	cfg.StrategyRSIOverbought = getEnvAsFloat("STRATEGY_RSI_OVERBOUGHT", 70.0)
	cfg.StrategyRSIOversold = getEnvAsFloat("STRATEGY_RSI_OVERSOLD", 30.0)

	if cfg.StrategyShortMAPeriod <= 0 || cfg.StrategyLongMAPeriod <= 0 || cfg.StrategyEMAPeriod <= 0 || cfg.StrategyRSIPeriod <= 0 {
		errs = append(errs, "strategy periods (MA, EMA, RSI) must be positive")
	}
	if cfg.StrategyShortMAPeriod >= cfg.StrategyLongMAPeriod {
		errs = append(errs, "STRATEGY_SHORT_MA_PERIOD must be less than STRATEGY_LONG_MA_PERIOD")
	}
	if cfg.StrategyRSIOverbought <= cfg.StrategyRSIOversold || cfg.StrategyRSIOverbought > 100 || cfg.StrategyRSIOversold < 0 {
		errs = append(errs, "invalid RSI thresholds (Overbought must be > Oversold, between 0-100)")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/bracketbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Notifications (optional: the notifier disables itself when empty)
	cfg.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")

	// Monitoring
	cfg.MetricsPort = getEnvAsInt("METRICS_PORT", 0)
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		errs = append(errs, "METRICS_PORT must be a valid port number or 0 to disable")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
