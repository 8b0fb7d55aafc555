// Package riskcfg loads and validates the risk configuration document and
// the integration (reconciliation) settings. A missing file is not an error:
// defaults are generated and written back so operators always have a concrete
// document to edit.
package riskcfg

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Regime labels the market condition used to scale leverage and protective
// levels. Regime detection itself is a strategy concern and lives outside
// this engine; callers pass the label in.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = ""
)

// VolBucket classifies a symbol's recent volatility.
type VolBucket string

const (
	VolHigh   VolBucket = "high"
	VolMedium VolBucket = "medium"
	VolLow    VolBucket = "low"
)

// LeverageTable holds the default and per-bucket leverage caps plus
// per-symbol overrides.
type LeverageTable struct {
	Default        int            `yaml:"default"`
	HighVolatility int            `yaml:"high_volatility"`
	MedVolatility  int            `yaml:"medium_volatility"`
	LowVolatility  int            `yaml:"low_volatility"`
	Symbols        map[string]int `yaml:"symbols,omitempty"`
}

// TrailingConfig controls the trailing-stop state machine.
type TrailingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ActivationPercent float64 `yaml:"activation_percent"`
	CallbackPercent   float64 `yaml:"callback_percent"`
	StepPercent       float64 `yaml:"step_percent"`
}

// StopLossConfig holds static and trailing stop parameters. Percentages are
// human-scale (5.0 means five percent).
type StopLossConfig struct {
	DefaultPercent float64        `yaml:"default_percent"`
	Trailing       TrailingConfig `yaml:"trailing"`
}

// DynamicTPConfig enables ATR-proportional take-profit targets.
type DynamicTPConfig struct {
	Enabled    bool    `yaml:"enabled"`
	RatioToATR float64 `yaml:"ratio_to_atr"`
}

// TakeProfitConfig holds take-profit parameters.
type TakeProfitConfig struct {
	DefaultPercent  float64         `yaml:"default_percent"`
	RiskRewardRatio float64         `yaml:"risk_reward_ratio"`
	Dynamic         DynamicTPConfig `yaml:"dynamic"`
}

// PositionSizingConfig caps capital deployment per trade.
type PositionSizingConfig struct {
	MaxCapitalPerTradePercent float64 `yaml:"max_capital_per_trade_percent"`
	IncreaseSizeOnWinStreaks  bool    `yaml:"increase_size_on_win_streaks"`
	ReduceSizeOnLossStreaks   bool    `yaml:"reduce_size_on_loss_streaks"`
}

// RiskLimits holds account-level loss and exposure limits.
type RiskLimits struct {
	MaxDailyLossPercent       float64 `yaml:"max_daily_loss_percent"`
	MaxWeeklyLossPercent      float64 `yaml:"max_weekly_loss_percent"`
	MaxOpenPositions          int     `yaml:"max_open_positions"`
	MaxSameDirectionPositions int     `yaml:"max_same_direction_positions"`
}

// VolatilityAdjustment sets the thresholds for bucket classification.
type VolatilityAdjustment struct {
	HighThresholdPercent float64 `yaml:"high_threshold_percent"`
	LowThresholdPercent  float64 `yaml:"low_threshold_percent"`
	ATRPeriod            int     `yaml:"atr_period"`
}

// RegimeFactors scale leverage and protective distances per market condition.
type RegimeFactors struct {
	LeverageFactor   float64 `yaml:"leverage_factor"`
	StopLossFactor   float64 `yaml:"stop_loss_factor"`
	TakeProfitFactor float64 `yaml:"take_profit_factor"`
}

// MarketAdaptation holds the per-regime factor table.
type MarketAdaptation struct {
	Trending RegimeFactors `yaml:"trending_market"`
	Ranging  RegimeFactors `yaml:"ranging_market"`
	Volatile RegimeFactors `yaml:"volatile_market"`
}

// SymbolFilter carries venue precision rules used for rounding.
type SymbolFilter struct {
	TickSize float64 `yaml:"tick_size"`
	LotStep  float64 `yaml:"lot_step"`
}

// RiskConfig is the process-wide risk configuration document.
type RiskConfig struct {
	MaxLeverage    LeverageTable           `yaml:"max_leverage"`
	StopLoss       StopLossConfig          `yaml:"stop_loss"`
	TakeProfit     TakeProfitConfig        `yaml:"take_profit"`
	PositionSizing PositionSizingConfig    `yaml:"position_sizing"`
	RiskLimits     RiskLimits              `yaml:"risk_limits"`
	Volatility     VolatilityAdjustment    `yaml:"volatility_adjustment"`
	MarketAdapt    MarketAdaptation        `yaml:"market_condition_adaptation"`
	SymbolFilters  map[string]SymbolFilter `yaml:"symbol_filters,omitempty"`
}

// DefaultRiskConfig returns the generated defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxLeverage: LeverageTable{
			Default:        5,
			HighVolatility: 3,
			MedVolatility:  5,
			LowVolatility:  8,
			Symbols: map[string]int{
				"BTCUSDT": 10,
				"ETHUSDT": 8,
			},
		},
		StopLoss: StopLossConfig{
			DefaultPercent: 5.0,
			Trailing: TrailingConfig{
				Enabled:           true,
				ActivationPercent: 2.0,
				CallbackPercent:   1.0,
				StepPercent:       0.5,
			},
		},
		TakeProfit: TakeProfitConfig{
			DefaultPercent:  10.0,
			RiskRewardRatio: 2.0,
			Dynamic: DynamicTPConfig{
				Enabled:    true,
				RatioToATR: 3.0,
			},
		},
		PositionSizing: PositionSizingConfig{
			MaxCapitalPerTradePercent: 20.0,
			IncreaseSizeOnWinStreaks:  false,
			ReduceSizeOnLossStreaks:   true,
		},
		RiskLimits: RiskLimits{
			MaxDailyLossPercent:       5.0,
			MaxWeeklyLossPercent:      10.0,
			MaxOpenPositions:          5,
			MaxSameDirectionPositions: 3,
		},
		Volatility: VolatilityAdjustment{
			HighThresholdPercent: 4.0,
			LowThresholdPercent:  1.5,
			ATRPeriod:            14,
		},
		MarketAdapt: MarketAdaptation{
			Trending: RegimeFactors{LeverageFactor: 1.2, StopLossFactor: 1.2, TakeProfitFactor: 1.5},
			Ranging:  RegimeFactors{LeverageFactor: 0.8, StopLossFactor: 0.8, TakeProfitFactor: 0.8},
			Volatile: RegimeFactors{LeverageFactor: 0.5, StopLossFactor: 1.5, TakeProfitFactor: 1.2},
		},
		SymbolFilters: map[string]SymbolFilter{
			"BTCUSDT": {TickSize: 0.1, LotStep: 0.001},
			"ETHUSDT": {TickSize: 0.01, LotStep: 0.001},
		},
	}
}

// Validate rejects configurations that would produce nonsensical stops.
func (c *RiskConfig) Validate() error {
	if c.MaxLeverage.Default < 1 {
		return fmt.Errorf("max_leverage.default must be >= 1, got %d", c.MaxLeverage.Default)
	}
	if c.StopLoss.DefaultPercent <= 0 || c.StopLoss.DefaultPercent >= 100 {
		return fmt.Errorf("stop_loss.default_percent must be in (0, 100), got %v", c.StopLoss.DefaultPercent)
	}
	if c.StopLoss.Trailing.Enabled {
		if c.StopLoss.Trailing.ActivationPercent <= 0 {
			return fmt.Errorf("stop_loss.trailing.activation_percent must be > 0, got %v", c.StopLoss.Trailing.ActivationPercent)
		}
		if c.StopLoss.Trailing.CallbackPercent <= 0 || c.StopLoss.Trailing.CallbackPercent >= 100 {
			return fmt.Errorf("stop_loss.trailing.callback_percent must be in (0, 100), got %v", c.StopLoss.Trailing.CallbackPercent)
		}
	}
	if c.TakeProfit.RiskRewardRatio <= 0 {
		return fmt.Errorf("take_profit.risk_reward_ratio must be > 0, got %v", c.TakeProfit.RiskRewardRatio)
	}
	if c.PositionSizing.MaxCapitalPerTradePercent <= 0 || c.PositionSizing.MaxCapitalPerTradePercent > 100 {
		return fmt.Errorf("position_sizing.max_capital_per_trade_percent must be in (0, 100], got %v", c.PositionSizing.MaxCapitalPerTradePercent)
	}
	if c.Volatility.HighThresholdPercent <= c.Volatility.LowThresholdPercent {
		return fmt.Errorf("volatility_adjustment thresholds inverted: high %v <= low %v",
			c.Volatility.HighThresholdPercent, c.Volatility.LowThresholdPercent)
	}
	return nil
}

// LeverageFor returns the configured max leverage for the symbol.
func (c *RiskConfig) LeverageFor(symbol string) int {
	if lev, ok := c.MaxLeverage.Symbols[symbol]; ok && lev >= 1 {
		return lev
	}
	if c.MaxLeverage.Default >= 1 {
		return c.MaxLeverage.Default
	}
	return 1
}

// BucketLeverage returns the leverage cap for a volatility bucket.
func (c *RiskConfig) BucketLeverage(b VolBucket) int {
	switch b {
	case VolHigh:
		return c.MaxLeverage.HighVolatility
	case VolLow:
		return c.MaxLeverage.LowVolatility
	default:
		return c.MaxLeverage.MedVolatility
	}
}

// BucketFor classifies a realized-volatility percentage.
func (c *RiskConfig) BucketFor(volPercent float64) VolBucket {
	switch {
	case volPercent >= c.Volatility.HighThresholdPercent:
		return VolHigh
	case volPercent > 0 && volPercent <= c.Volatility.LowThresholdPercent:
		return VolLow
	default:
		return VolMedium
	}
}

// FactorsFor returns the regime factor set, neutral factors for unknown.
func (c *RiskConfig) FactorsFor(r Regime) RegimeFactors {
	switch r {
	case RegimeTrending:
		return c.MarketAdapt.Trending
	case RegimeRanging:
		return c.MarketAdapt.Ranging
	case RegimeVolatile:
		return c.MarketAdapt.Volatile
	default:
		return RegimeFactors{LeverageFactor: 1, StopLossFactor: 1, TakeProfitFactor: 1}
	}
}

// FilterFor returns precision rules for a symbol, with broad defaults when
// the symbol is not listed.
func (c *RiskConfig) FilterFor(symbol string) SymbolFilter {
	if f, ok := c.SymbolFilters[symbol]; ok && f.TickSize > 0 && f.LotStep > 0 {
		return f
	}
	return SymbolFilter{TickSize: 0.01, LotStep: 0.001}
}

// Manager owns the live risk configuration and supports hot reload.
type Manager struct {
	mu   sync.RWMutex
	cfg  RiskConfig
	path string
}

// NewManager wraps an in-memory configuration, with no backing file.
func NewManager(cfg RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// LoadManager reads the config at path, generating and persisting defaults
// when the file is absent. A corrupt or invalid file falls back to defaults
// with a log line; it is never fatal.
func LoadManager(path string) *Manager {
	m := &Manager{path: path}
	m.cfg = loadOrDefault(path)
	return m
}

func loadOrDefault(path string) RiskConfig {
	def := DefaultRiskConfig()
	if path == "" {
		return def
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := writeConfig(path, def); werr != nil {
				log.Printf("risk config: persist defaults to %s failed: %v", path, werr)
			} else {
				log.Printf("risk config: %s not found, generated defaults", path)
			}
		} else {
			log.Printf("risk config: read %s failed, using defaults: %v", path, err)
		}
		return def
	}

	var cfg RiskConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("risk config: decode %s failed, using defaults: %v", path, err)
		return def
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("risk config: %s invalid, using defaults: %v", path, err)
		return def
	}
	return cfg
}

func writeConfig(path string, cfg RiskConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() RiskConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the document from disk. The previous configuration stays
// active when the new one fails validation.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("reload risk config: %w", err)
	}
	var cfg RiskConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("reload risk config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload risk config: %w", err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	log.Printf("risk config reloaded from %s", m.path)
	return nil
}
