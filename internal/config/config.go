// Package config loads engine configuration from built-in defaults, an
// optional YAML file, and VER3_-prefixed environment overrides, in that
// ascending order of precedence. Secrets never live here; they come from
// the process environment only.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/ver3-trading/engine/pkg/types"
)

// Config is the immutable engine configuration, loaded once at startup.
// Live-tunable parameters live in Factors, recomputed each cycle.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Trading TradingConfig `mapstructure:"trading"`
	Store   StoreConfig   `mapstructure:"store"`
	API     APIConfig     `mapstructure:"api"`
	Coins   []CoinConfig  `mapstructure:"coins"`
}

// EngineConfig drives the scheduler loop.
type EngineConfig struct {
	CycleIntervalSec            int `mapstructure:"cycleIntervalSec"`
	PerCoinTimeoutSec           int `mapstructure:"perCoinTimeoutSec"`
	TotalTimeoutSec             int `mapstructure:"totalTimeoutSec"`
	MaxConsecutiveTimeoutCycles int `mapstructure:"maxConsecutiveTimeoutCycles"`
	DailyCloseHourUTC           int `mapstructure:"dailyCloseHourUTC"`
}

// RiskConfig holds the portfolio-wide gates.
type RiskConfig struct {
	MaxPositions         int     `mapstructure:"maxPositions"`
	MaxDailyLossPct      float64 `mapstructure:"maxDailyLossPct"`
	MaxConsecutiveLosses int     `mapstructure:"maxConsecutiveLosses"`
}

// TradingConfig holds execution parameters.
type TradingConfig struct {
	DryRun            bool    `mapstructure:"dryRun"`
	InitialCapital    float64 `mapstructure:"initialCapital"`
	FeeRate           float64 `mapstructure:"feeRate"`
	RiskPerTradePct   float64 `mapstructure:"riskPerTradePct"`
	PyramidingEnabled bool    `mapstructure:"pyramidingEnabled"`
	RebalanceEnabled  bool    `mapstructure:"rebalanceEnabled"`
	TargetCoinCount   int     `mapstructure:"targetCoinCount"`
}

// StoreConfig locates the state directory.
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// APIConfig configures the read-only status server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// CoinConfig is the file-friendly shape of a coin entry.
type CoinConfig struct {
	Symbol         string  `mapstructure:"symbol"`
	Pair           string  `mapstructure:"pair"`
	MinOrderQty    float64 `mapstructure:"minOrderQty"`
	MinOrderValue  float64 `mapstructure:"minOrderValue"`
	PricePrecision int32   `mapstructure:"pricePrecision"`
	QtyPrecision   int32   `mapstructure:"qtyPrecision"`
	Rank           int     `mapstructure:"rank"`
}

// Coin converts to the engine-side type.
func (c CoinConfig) Coin() types.Coin {
	return types.Coin{
		Symbol:         c.Symbol,
		Pair:           c.Pair,
		MinOrderQty:    decimal.NewFromFloat(c.MinOrderQty),
		MinOrderValue:  decimal.NewFromFloat(c.MinOrderValue),
		PricePrecision: c.PricePrecision,
		QtyPrecision:   c.QtyPrecision,
		Rank:           c.Rank,
	}
}

// CoinList converts every configured coin.
func (c *Config) CoinList() []types.Coin {
	out := make([]types.Coin, 0, len(c.Coins))
	for _, cc := range c.Coins {
		out = append(out, cc.Coin())
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.cycleIntervalSec", 900)
	v.SetDefault("engine.perCoinTimeoutSec", 60)
	v.SetDefault("engine.totalTimeoutSec", 120)
	v.SetDefault("engine.maxConsecutiveTimeoutCycles", 3)
	v.SetDefault("engine.dailyCloseHourUTC", 23)

	v.SetDefault("risk.maxPositions", 2)
	v.SetDefault("risk.maxDailyLossPct", 3.0)
	v.SetDefault("risk.maxConsecutiveLosses", 3)

	v.SetDefault("trading.dryRun", true)
	v.SetDefault("trading.initialCapital", 1000000)
	v.SetDefault("trading.feeRate", 0.0005)
	v.SetDefault("trading.riskPerTradePct", 0.01)
	v.SetDefault("trading.pyramidingEnabled", false)
	v.SetDefault("trading.rebalanceEnabled", false)
	v.SetDefault("trading.targetCoinCount", 3)

	v.SetDefault("store.dir", "./state")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8090")

	v.SetDefault("coins", []map[string]any{
		{"symbol": "BTC", "pair": "BTC/KRW", "minOrderQty": 0.0001, "minOrderValue": 5000, "pricePrecision": 0, "qtyPrecision": 8, "rank": 1},
		{"symbol": "ETH", "pair": "ETH/KRW", "minOrderQty": 0.001, "minOrderValue": 5000, "pricePrecision": 0, "qtyPrecision": 8, "rank": 2},
		{"symbol": "XRP", "pair": "XRP/KRW", "minOrderQty": 1, "minOrderValue": 5000, "pricePrecision": 1, "qtyPrecision": 2, "rank": 3},
	})
}

// Load reads configuration. path may be empty to run on defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VER3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.CycleIntervalSec <= 0 {
		return fmt.Errorf("config: cycleIntervalSec must be positive")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("config: maxPositions must be positive")
	}
	if len(c.Coins) == 0 {
		return fmt.Errorf("config: at least one coin required")
	}
	seen := make(map[string]bool, len(c.Coins))
	for _, coin := range c.Coins {
		if coin.Symbol == "" || coin.Pair == "" {
			return fmt.Errorf("config: coin entries need symbol and pair")
		}
		if seen[coin.Symbol] {
			return fmt.Errorf("config: duplicate coin %s", coin.Symbol)
		}
		seen[coin.Symbol] = true
	}
	return nil
}
