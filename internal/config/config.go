package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Alias1177/Trader/internal/indicators"
	"github.com/Alias1177/Trader/internal/signals"
	"github.com/Alias1177/Trader/internal/trading/backtest"
	"github.com/Alias1177/Trader/internal/trading/risk"
)

// Config holds all application configuration
type Config struct {
	TradingPairs     []string `yaml:"trading_pairs"`
	TimeframeMinutes int      `yaml:"timeframe_minutes"`
	PaperTrading     bool     `yaml:"paper_trading"`

	TotalCapital         float64         `yaml:"total_capital"`
	RiskPerTrade         float64         `yaml:"risk_per_trade"`
	MaxPositions         int             `yaml:"max_positions"`
	MaxPositionSize      float64         `yaml:"max_position_size"`
	MaxDrawdown          float64         `yaml:"max_drawdown"`
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses"`
	PauseDurationMinutes int             `yaml:"pause_duration_minutes"`
	ATRMultiplier        float64         `yaml:"atr_multiplier"`
	TakeProfit           []risk.TierSpec `yaml:"take_profit"`

	RSIOversold              float64 `yaml:"rsi_oversold"`
	RSIOverbought            float64 `yaml:"rsi_overbought"`
	ADXThreshold             float64 `yaml:"adx_threshold"`
	VolumeThreshold          float64 `yaml:"volume_threshold"`
	MinConfidence            float64 `yaml:"min_confidence"`
	MinSignalIntervalMinutes int     `yaml:"min_signal_interval_minutes"`

	Indicators indicators.Params `yaml:"indicators"`

	CycleIntervalSeconds   int     `yaml:"cycle_interval_seconds"`
	Lookback               int     `yaml:"lookback"`
	PairTimeoutSeconds     int     `yaml:"pair_timeout_seconds"`
	MaxParallelPairs       int     `yaml:"max_parallel_pairs"`
	RetryMaxAttempts       int     `yaml:"retry_max_attempts"`
	RetryInitialIntervalMs int     `yaml:"retry_initial_interval_ms"`
	RetryMaxIntervalMs     int     `yaml:"retry_max_interval_ms"`
	FeeRate                float64 `yaml:"fee_rate"`
	SlippageRate           float64 `yaml:"slippage_rate"`

	KrakenAPIKey      string  `yaml:"kraken_api_key"`
	KrakenAPISecret   string  `yaml:"kraken_api_secret"`
	KrakenBaseURL     string  `yaml:"kraken_base_url"`
	RequestTimeout    int     `yaml:"request_timeout"` // seconds
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   int64  `yaml:"telegram_chat_id"`

	JournalDriver string `yaml:"journal_driver"`
	JournalDSN    string `yaml:"journal_dsn"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
}

// Default returns the built-in strategy settings
func Default() *Config {
	sig := signals.DefaultConfig()
	return &Config{
		TradingPairs:     []string{"XBTUSD", "ETHUSD"},
		TimeframeMinutes: 5,
		PaperTrading:     true,

		TotalCapital:         10000,
		RiskPerTrade:         0.02,
		MaxPositions:         3,
		MaxPositionSize:      0.1,
		MaxDrawdown:          0.15,
		MaxConsecutiveLosses: 3,
		PauseDurationMinutes: 60,
		ATRMultiplier:        2.0,
		TakeProfit:           risk.DefaultTiers(),

		RSIOversold:              sig.RSIOversold,
		RSIOverbought:            sig.RSIOverbought,
		ADXThreshold:             sig.ADXThreshold,
		VolumeThreshold:          sig.VolumeThreshold,
		MinConfidence:            sig.MinConfidence,
		MinSignalIntervalMinutes: int(sig.MinInterval / time.Minute),

		Indicators: indicators.DefaultParams(),

		CycleIntervalSeconds:   60,
		Lookback:               250,
		PairTimeoutSeconds:     20,
		MaxParallelPairs:       4,
		RetryMaxAttempts:       3,
		RetryInitialIntervalMs: 500,
		RetryMaxIntervalMs:     8000,
		FeeRate:                0.0026,
		SlippageRate:           0.0005,

		KrakenBaseURL:     "https://api.kraken.com",
		RequestTimeout:    30,
		RequestsPerSecond: 1,

		JournalDriver: "sqlite",
		JournalDSN:    "trader.db",

		StatusAddr: ":8080",
		LogLevel:   "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order, and validates the result.
func Load(path string) (*Config, error) {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if pairs := os.Getenv("TRADING_PAIRS"); pairs != "" {
		c.TradingPairs = nil
		for _, p := range strings.Split(pairs, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TradingPairs = append(c.TradingPairs, p)
			}
		}
	}
	c.TimeframeMinutes = getEnvIntWithDefault("TIMEFRAME_MINUTES", c.TimeframeMinutes)
	c.PaperTrading = getEnvBoolWithDefault("PAPER_TRADING", c.PaperTrading)

	c.TotalCapital = getEnvFloatWithDefault("TOTAL_CAPITAL", c.TotalCapital)
	c.RiskPerTrade = getEnvFloatWithDefault("RISK_PER_TRADE", c.RiskPerTrade)
	c.MaxPositions = getEnvIntWithDefault("MAX_POSITIONS", c.MaxPositions)
	c.MaxPositionSize = getEnvFloatWithDefault("MAX_POSITION_SIZE", c.MaxPositionSize)
	c.MaxDrawdown = getEnvFloatWithDefault("MAX_DRAWDOWN", c.MaxDrawdown)
	c.MaxConsecutiveLosses = getEnvIntWithDefault("MAX_CONSECUTIVE_LOSSES", c.MaxConsecutiveLosses)
	c.PauseDurationMinutes = getEnvIntWithDefault("PAUSE_DURATION_MINUTES", c.PauseDurationMinutes)
	c.ATRMultiplier = getEnvFloatWithDefault("ATR_MULTIPLIER", c.ATRMultiplier)

	c.RSIOversold = getEnvFloatWithDefault("RSI_OVERSOLD", c.RSIOversold)
	c.RSIOverbought = getEnvFloatWithDefault("RSI_OVERBOUGHT", c.RSIOverbought)
	c.ADXThreshold = getEnvFloatWithDefault("ADX_THRESHOLD", c.ADXThreshold)
	c.VolumeThreshold = getEnvFloatWithDefault("VOLUME_THRESHOLD", c.VolumeThreshold)
	c.MinConfidence = getEnvFloatWithDefault("MIN_CONFIDENCE", c.MinConfidence)
	c.MinSignalIntervalMinutes = getEnvIntWithDefault("MIN_SIGNAL_INTERVAL_MINUTES", c.MinSignalIntervalMinutes)

	c.CycleIntervalSeconds = getEnvIntWithDefault("CYCLE_INTERVAL_SECONDS", c.CycleIntervalSeconds)
	c.PairTimeoutSeconds = getEnvIntWithDefault("PAIR_TIMEOUT_SECONDS", c.PairTimeoutSeconds)
	c.MaxParallelPairs = getEnvIntWithDefault("MAX_PARALLEL_PAIRS", c.MaxParallelPairs)
	c.Lookback = getEnvIntWithDefault("LOOKBACK", c.Lookback)
	c.FeeRate = getEnvFloatWithDefault("FEE_RATE", c.FeeRate)
	c.SlippageRate = getEnvFloatWithDefault("SLIPPAGE_RATE", c.SlippageRate)

	c.KrakenAPIKey = getEnvWithDefault("KRAKEN_API_KEY", c.KrakenAPIKey)
	c.KrakenAPISecret = getEnvWithDefault("KRAKEN_API_SECRET", c.KrakenAPISecret)
	c.KrakenBaseURL = getEnvWithDefault("KRAKEN_BASE_URL", c.KrakenBaseURL)
	c.RequestTimeout = getEnvIntWithDefault("REQUEST_TIMEOUT", c.RequestTimeout)

	c.TelegramBotToken = getEnvWithDefault("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	if id := os.Getenv("TELEGRAM_CHAT_ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			c.TelegramChatID = v
		}
	}

	c.JournalDriver = getEnvWithDefault("JOURNAL_DRIVER", c.JournalDriver)
	c.JournalDSN = getEnvWithDefault("JOURNAL_DSN", c.JournalDSN)
	c.StatusAddr = getEnvWithDefault("STATUS_ADDR", c.StatusAddr)
	c.LogLevel = getEnvWithDefault("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnvWithDefault("LOG_FILE", c.LogFile)
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	fraction := func(name string, v float64) {
		if !(v > 0 && v <= 1) {
			add("%s must be in (0, 1], got %v", name, v)
		}
	}

	if len(c.TradingPairs) == 0 {
		add("trading_pairs cannot be empty")
	}
	if c.TimeframeMinutes <= 0 {
		add("timeframe_minutes must be positive, got %d", c.TimeframeMinutes)
	}
	if !(c.TotalCapital > 0) {
		add("total_capital must be positive, got %v", c.TotalCapital)
	}
	fraction("risk_per_trade", c.RiskPerTrade)
	fraction("max_position_size", c.MaxPositionSize)
	fraction("max_drawdown", c.MaxDrawdown)
	if c.MaxPositions < 1 {
		add("max_positions must be at least 1, got %d", c.MaxPositions)
	}
	if c.MaxConsecutiveLosses < 1 {
		add("max_consecutive_losses must be at least 1, got %d", c.MaxConsecutiveLosses)
	}
	if c.PauseDurationMinutes < 0 {
		add("pause_duration_minutes cannot be negative, got %d", c.PauseDurationMinutes)
	}
	if !(c.ATRMultiplier > 0) {
		add("atr_multiplier must be positive, got %v", c.ATRMultiplier)
	}
	if err := validateTiers(c.TakeProfit); err != nil {
		errs = append(errs, err)
	}

	if c.RSIOversold < 0 || c.RSIOverbought > 100 || c.RSIOversold >= c.RSIOverbought {
		add("rsi thresholds must satisfy 0 <= oversold < overbought <= 100, got %v/%v", c.RSIOversold, c.RSIOverbought)
	}
	if c.ADXThreshold < 0 || c.ADXThreshold > 100 {
		add("adx_threshold must be in [0, 100], got %v", c.ADXThreshold)
	}
	if !(c.VolumeThreshold > 0) {
		add("volume_threshold must be positive, got %v", c.VolumeThreshold)
	}
	fraction("min_confidence", c.MinConfidence)
	if c.MinSignalIntervalMinutes < 0 {
		add("min_signal_interval_minutes cannot be negative, got %d", c.MinSignalIntervalMinutes)
	}

	if err := c.Indicators.Validate(); err != nil {
		errs = append(errs, err)
	} else if warmup := indicators.NewEngine(c.Indicators).RequiredHistory(); c.Lookback < warmup {
		add("lookback %d is shorter than the indicator warm-up of %d candles", c.Lookback, warmup)
	}

	if c.CycleIntervalSeconds <= 0 {
		add("cycle_interval_seconds must be positive, got %d", c.CycleIntervalSeconds)
	}
	if c.PairTimeoutSeconds <= 0 {
		add("pair_timeout_seconds must be positive, got %d", c.PairTimeoutSeconds)
	}
	if c.MaxParallelPairs < 0 {
		add("max_parallel_pairs must not be negative, got %d", c.MaxParallelPairs)
	}
	if c.RetryMaxAttempts < 1 {
		add("retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryInitialIntervalMs <= 0 || c.RetryMaxIntervalMs < c.RetryInitialIntervalMs {
		add("retry intervals must satisfy 0 < initial <= max, got %d/%d", c.RetryInitialIntervalMs, c.RetryMaxIntervalMs)
	}
	if c.FeeRate < 0 {
		add("fee_rate cannot be negative, got %v", c.FeeRate)
	}
	if c.SlippageRate < 0 {
		add("slippage_rate cannot be negative, got %v", c.SlippageRate)
	}

	if !c.PaperTrading && (c.KrakenAPIKey == "" || c.KrakenAPISecret == "") {
		add("kraken credentials are required when paper_trading is off")
	}
	if c.JournalDriver != "" && c.JournalDriver != "postgres" && c.JournalDriver != "sqlite" {
		add("journal_driver must be postgres or sqlite, got %q", c.JournalDriver)
	}

	return errors.Join(errs...)
}

func validateTiers(tiers []risk.TierSpec) error {
	if len(tiers) == 0 {
		return errors.New("take_profit needs at least one tier")
	}
	var sum, prev float64
	for i, t := range tiers {
		if !(t.Fraction > 0) {
			return fmt.Errorf("take_profit tier %d fraction must be positive, got %v", i, t.Fraction)
		}
		if !(t.ATRMultiple > prev) {
			return fmt.Errorf("take_profit tier %d multiple %v must exceed %v", i, t.ATRMultiple, prev)
		}
		sum += t.Fraction
		prev = t.ATRMultiple
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("take_profit fractions must sum to 1.0, got %v", sum)
	}
	return nil
}

// SignalConfig returns the generator thresholds
func (c *Config) SignalConfig() signals.Config {
	return signals.Config{
		RSIOversold:     c.RSIOversold,
		RSIOverbought:   c.RSIOverbought,
		ADXThreshold:    c.ADXThreshold,
		VolumeThreshold: c.VolumeThreshold,
		MinConfidence:   c.MinConfidence,
		MinInterval:     time.Duration(c.MinSignalIntervalMinutes) * time.Minute,
	}
}

// RiskConfig returns the risk limits
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		InitialCapital:       c.TotalCapital,
		RiskPerTrade:         c.RiskPerTrade,
		MaxPositions:         c.MaxPositions,
		MaxPositionSize:      c.MaxPositionSize,
		MaxDrawdown:          c.MaxDrawdown,
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		ATRMultiplier:        c.ATRMultiplier,
		TakeProfit:           append([]risk.TierSpec(nil), c.TakeProfit...),
		PauseDuration:        time.Duration(c.PauseDurationMinutes) * time.Minute,
	}
}

// BacktestConfig returns the replay settings for the same strategy
func (c *Config) BacktestConfig() backtest.Config {
	return backtest.Config{
		TimeframeMinutes: c.TimeframeMinutes,
		Lookback:         c.Lookback,
		FeeRate:          c.FeeRate,
		Slippage:         c.SlippageRate,
		Indicators:       c.Indicators,
		Signals:          c.SignalConfig(),
		Risk:             c.RiskConfig(),
	}
}

// CycleInterval is the live loop period
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// PairTimeout bounds the exchange calls of a single pair
func (c *Config) PairTimeout() time.Duration {
	return time.Duration(c.PairTimeoutSeconds) * time.Second
}

// RetryIntervals returns the initial and maximum backoff waits
func (c *Config) RetryIntervals() (time.Duration, time.Duration) {
	return time.Duration(c.RetryInitialIntervalMs) * time.Millisecond,
		time.Duration(c.RetryMaxIntervalMs) * time.Millisecond
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
