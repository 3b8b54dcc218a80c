// Package config loads agent configuration from an optional config.json
// overlaid with environment variables. Environment takes precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	AgentConfig    AgentConfig    `json:"agent"`
	RiskConfig     RiskConfig     `json:"risk"`
	StateConfig    StateConfig    `json:"state"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

type ExchangeConfig struct {
	APIKey        string `json:"api_key"`
	SecretKey     string `json:"secret_key"`
	BaseURL       string `json:"base_url"`
	WSURL         string `json:"ws_url"`
	PaperTrading  bool   `json:"paper_trading"`
	QuoteCurrency string `json:"quote_currency"`
}

type AgentConfig struct {
	ScanIntervalSeconds int      `json:"scan_interval_seconds"`
	MaxTotalPositions   int      `json:"max_total_positions"`
	ScanWorkers         int      `json:"scan_workers"`
	MaxScanCandidates   int      `json:"max_scan_candidates"`
	ReconcileMinutes    int      `json:"reconcile_minutes"`
	UniverseRefreshMin  int      `json:"universe_refresh_minutes"`
	SignalTTLSeconds    int      `json:"signal_ttl_seconds"`
	IgnoreSymbols       []string `json:"ignore_symbols"`
}

type RiskConfig struct {
	MinCapitalPerTrade   float64 `json:"min_capital_per_trade"`
	MaxCapitalPerTrade   float64 `json:"max_capital_per_trade"`
	StopLossPct          float64 `json:"stop_loss_pct"`   // 0 means ATR-derived
	TakeProfitPct        float64 `json:"take_profit_pct"` // 0 means tier-laddered
	DailyLossLimit       float64 `json:"daily_loss_limit"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
}

type StateConfig struct {
	DataDir string `json:"data_dir"`
}

// DatabaseConfig enables the optional Postgres trade mirror.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig enables the optional shared market-data cache tier.
type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	DB      int    `json:"db"`
}

type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

type LoggingConfig struct {
	Level      string `json:"level"` // debug, info, warn, error
	JSONFormat bool   `json:"json_format"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://api.binance.com"
	}
	if cfg.ExchangeConfig.WSURL == "" {
		cfg.ExchangeConfig.WSURL = "wss://stream.binance.com:9443/ws"
	}
	if cfg.ExchangeConfig.QuoteCurrency == "" {
		cfg.ExchangeConfig.QuoteCurrency = "USDT"
	}
	if cfg.AgentConfig.ScanIntervalSeconds == 0 {
		cfg.AgentConfig.ScanIntervalSeconds = 10
	}
	if cfg.AgentConfig.MaxTotalPositions == 0 {
		cfg.AgentConfig.MaxTotalPositions = 10
	}
	if cfg.AgentConfig.ScanWorkers == 0 {
		cfg.AgentConfig.ScanWorkers = 8
	}
	if cfg.AgentConfig.MaxScanCandidates == 0 {
		cfg.AgentConfig.MaxScanCandidates = 100
	}
	if cfg.AgentConfig.ReconcileMinutes == 0 {
		cfg.AgentConfig.ReconcileMinutes = 5
	}
	if cfg.AgentConfig.SignalTTLSeconds == 0 {
		cfg.AgentConfig.SignalTTLSeconds = 60
	}
	if cfg.AgentConfig.UniverseRefreshMin == 0 {
		cfg.AgentConfig.UniverseRefreshMin = 60
	}
	if cfg.RiskConfig.MinCapitalPerTrade == 0 {
		cfg.RiskConfig.MinCapitalPerTrade = 11
	}
	if cfg.RiskConfig.MaxCapitalPerTrade == 0 {
		cfg.RiskConfig.MaxCapitalPerTrade = 30
	}
	if cfg.RiskConfig.DailyLossLimit == 0 {
		cfg.RiskConfig.DailyLossLimit = 5
	}
	if cfg.RiskConfig.MaxConsecutiveLosses == 0 {
		cfg.RiskConfig.MaxConsecutiveLosses = 5
	}
	if cfg.StateConfig.DataDir == "" {
		cfg.StateConfig.DataDir = "data"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.WSURL = getEnvOrDefault("BINANCE_WS_URL", cfg.ExchangeConfig.WSURL)
	cfg.ExchangeConfig.QuoteCurrency = getEnvOrDefault("QUOTE_CURRENCY", cfg.ExchangeConfig.QuoteCurrency)
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		cfg.ExchangeConfig.PaperTrading = v == "true"
	}

	cfg.AgentConfig.ScanIntervalSeconds = getEnvIntOrDefault("SCAN_INTERVAL_SECONDS", cfg.AgentConfig.ScanIntervalSeconds)
	cfg.AgentConfig.MaxTotalPositions = getEnvIntOrDefault("MAX_TOTAL_POSITIONS", cfg.AgentConfig.MaxTotalPositions)
	cfg.AgentConfig.ScanWorkers = getEnvIntOrDefault("SCAN_WORKERS", cfg.AgentConfig.ScanWorkers)
	cfg.AgentConfig.MaxScanCandidates = getEnvIntOrDefault("MAX_SCAN_CANDIDATES", cfg.AgentConfig.MaxScanCandidates)
	cfg.AgentConfig.SignalTTLSeconds = getEnvIntOrDefault("SIGNAL_TTL_SECONDS", cfg.AgentConfig.SignalTTLSeconds)
	if v := os.Getenv("IGNORE_SYMBOLS"); v != "" {
		cfg.AgentConfig.IgnoreSymbols = strings.Split(v, ",")
	}

	cfg.RiskConfig.MinCapitalPerTrade = getEnvFloatOrDefault("MIN_CAPITAL_PER_TRADE", cfg.RiskConfig.MinCapitalPerTrade)
	cfg.RiskConfig.MaxCapitalPerTrade = getEnvFloatOrDefault("MAX_CAPITAL_PER_TRADE", cfg.RiskConfig.MaxCapitalPerTrade)
	cfg.RiskConfig.StopLossPct = getEnvFloatOrDefault("STOP_LOSS_PCT", cfg.RiskConfig.StopLossPct)
	cfg.RiskConfig.TakeProfitPct = getEnvFloatOrDefault("TAKE_PROFIT_PCT", cfg.RiskConfig.TakeProfitPct)
	cfg.RiskConfig.DailyLossLimit = getEnvFloatOrDefault("DAILY_LOSS_LIMIT", cfg.RiskConfig.DailyLossLimit)
	cfg.RiskConfig.MaxConsecutiveLosses = getEnvIntOrDefault("MAX_CONSECUTIVE_LOSSES", cfg.RiskConfig.MaxConsecutiveLosses)

	cfg.StateConfig.DataDir = getEnvOrDefault("DATA_DIR", cfg.StateConfig.DataDir)

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseConfig.Enabled = true
		cfg.DatabaseConfig.URL = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	if v := os.Getenv("API_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true"
	}
	cfg.ServerConfig.Host = getEnvOrDefault("API_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("API_PORT", cfg.ServerConfig.Port)
	if v := os.Getenv("PRODUCTION_MODE"); v != "" {
		cfg.ServerConfig.ProductionMode = v == "true"
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}
}

// Validate rejects configurations the agent cannot run with. Live trading
// without credentials is the common operator mistake.
func (c *Config) Validate() error {
	if !c.ExchangeConfig.PaperTrading && (c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.SecretKey == "") {
		return fmt.Errorf("live trading requires BINANCE_API_KEY and BINANCE_SECRET_KEY (or set PAPER_TRADING=true)")
	}
	if c.RiskConfig.MinCapitalPerTrade > c.RiskConfig.MaxCapitalPerTrade {
		return fmt.Errorf("min capital per trade %.2f exceeds max %.2f",
			c.RiskConfig.MinCapitalPerTrade, c.RiskConfig.MaxCapitalPerTrade)
	}
	if c.AgentConfig.ScanIntervalSeconds < 1 {
		return fmt.Errorf("scan interval must be at least 1 second")
	}
	if c.DatabaseConfig.Enabled && c.DatabaseConfig.URL == "" {
		return fmt.Errorf("database enabled but DATABASE_URL is empty")
	}
	return nil
}

// ScanInterval is AgentConfig.ScanIntervalSeconds as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.AgentConfig.ScanIntervalSeconds) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
