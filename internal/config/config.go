package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"grid_quant/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config centralizes runtime settings for the grid engine.
type Config struct {
	HTTPAddr          string
	SQLiteDSN         string
	RequestTimeoutSec int

	LogLevel  string
	LogFormat string // "console" 或 "json"

	ExchangeAPIKey    string
	ExchangeSecretKey string
	FuturesBaseURL    string
	FuturesWSURL      string

	DryRun       bool
	PaperBalance float64 // DRY_RUN 下纸面账户的初始 USDT

	StrategiesFile string
	LedgerDir      string

	// 锚点与漂移
	WindowSize         int
	DriftMultiplier    float64
	DriftCooldownSec   int
	FollowMarketOnFill bool

	PostOnly        bool
	LoopRetrySec    int
	HedgeMode       bool
	CancelOnStart   bool
	InitialPosition bool // 启动时按市价附近挂一笔非 post-only 单建立底仓
}

func Load() Config {
	// Auto-load .env file if present (won't override existing env vars)
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		SQLiteDSN:         getEnv("SQLITE_DSN", "file:./grid_quant.db?_pragma=busy_timeout(5000)"),
		RequestTimeoutSec: getEnvInt("REQUEST_TIMEOUT_SEC", 15),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeSecretKey: getEnv("EXCHANGE_SECRET_KEY", ""),
		FuturesBaseURL:    getEnv("FUTURES_BASE_URL", "https://fapi.binance.com"),
		FuturesWSURL:      getEnv("FUTURES_WS_URL", "wss://fstream.binance.com"),

		DryRun:       getEnvBool("DRY_RUN", true),
		PaperBalance: getEnvFloat("PAPER_BALANCE", 10000),

		StrategiesFile: getEnv("STRATEGIES_FILE", "strategies.yaml"),
		LedgerDir:      getEnv("LEDGER_DIR", "./ledgers"),

		WindowSize:         getEnvInt("WINDOW_SIZE", 1),
		DriftMultiplier:    getEnvFloat("DRIFT_MULTIPLIER", 2.0),
		DriftCooldownSec:   getEnvInt("DRIFT_COOLDOWN_SEC", 5),
		FollowMarketOnFill: getEnvBool("FOLLOW_MARKET_ON_FILL", false),

		PostOnly:        getEnvBool("POST_ONLY", true),
		LoopRetrySec:    getEnvInt("LOOP_RETRY_SEC", 1),
		HedgeMode:       getEnvBool("HEDGE_MODE", true),
		CancelOnStart:   getEnvBool("CANCEL_ON_START", false),
		InitialPosition: getEnvBool("INITIAL_POSITION", false),
	}
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c Config) DriftCooldown() time.Duration {
	return time.Duration(c.DriftCooldownSec) * time.Second
}

func (c Config) LoopRetry() time.Duration {
	if c.LoopRetrySec <= 0 {
		return time.Second
	}
	return time.Duration(c.LoopRetrySec) * time.Second
}

type strategyFile struct {
	Strategies []strategyEntry `yaml:"strategies"`
}

type strategyEntry struct {
	Symbol          string  `yaml:"symbol"`
	Direction       string  `yaml:"direction"`
	Leverage        int     `yaml:"leverage"`
	LowerPrice      float64 `yaml:"lower_price"`
	UpperPrice      float64 `yaml:"upper_price"`
	GridSpread      float64 `yaml:"grid_spread"`
	QuantityPerGrid float64 `yaml:"quantity_per_grid"`
}

// LoadStrategies 读取策略 YAML。任何一条配置非法都会返回 ConfigError，整体启动失败。
func LoadStrategies(path string) ([]domain.GridConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	return ParseStrategies(data)
}

func ParseStrategies(data []byte) ([]domain.GridConfig, error) {
	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &domain.ConfigError{Field: "strategies", Reason: err.Error()}
	}
	if len(file.Strategies) == 0 {
		return nil, &domain.ConfigError{Field: "strategies", Reason: "no strategy configured"}
	}

	seen := make(map[domain.StrategyKey]bool, len(file.Strategies))
	out := make([]domain.GridConfig, 0, len(file.Strategies))
	for i, e := range file.Strategies {
		dir, err := domain.ParseDirection(e.Direction)
		if err != nil {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("strategies[%d].direction", i), Reason: err.Error()}
		}
		cfg := domain.GridConfig{
			Symbol:          strings.ToUpper(strings.TrimSpace(e.Symbol)),
			Direction:       dir,
			Leverage:        e.Leverage,
			LowerPrice:      e.LowerPrice,
			UpperPrice:      e.UpperPrice,
			GridSpread:      e.GridSpread,
			QuantityPerGrid: e.QuantityPerGrid,
		}
		if err := cfg.Validate(); err != nil {
			var ce *domain.ConfigError
			if errors.As(err, &ce) {
				return nil, &domain.ConfigError{Field: fmt.Sprintf("strategies[%d].%s", i, ce.Field), Reason: ce.Reason}
			}
			return nil, err
		}
		if seen[cfg.Key()] {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("strategies[%d]", i), Reason: "duplicate strategy " + cfg.Key().String()}
		}
		seen[cfg.Key()] = true
		out = append(out, cfg)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
