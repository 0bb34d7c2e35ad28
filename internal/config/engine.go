package config

import (
	"fmt"
	"os"
	"time"

	"lv-paperdesk/internal/model"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Engine holds the simulator tunables. Zero values are replaced by defaults
// before validation.
type Engine struct {
	CommissionRate     decimal.Decimal   `yaml:"commission_rate"`
	SlippageRate       decimal.Decimal   `yaml:"slippage_rate"`
	ExecutionDelay     time.Duration     `yaml:"execution_delay"`
	TickInterval       time.Duration     `yaml:"tick_interval"`
	TickWorkers        int               `yaml:"tick_workers"`
	PriceTimeout       time.Duration     `yaml:"price_timeout"`
	PriceRetries       int               `yaml:"price_retries"`
	PriceRetryDelay    time.Duration     `yaml:"price_retry_delay"`
	StalePriceMaxAge   time.Duration     `yaml:"stale_price_max_age"`
	Leverage           decimal.Decimal   `yaml:"leverage"`
	Currency           string            `yaml:"currency"`
	InitialBalance     decimal.Decimal   `yaml:"initial_balance"`
	DefaultRiskProfile *model.RiskProfile `yaml:"default_risk_profile"`
	SimulatedFeed      SimulatedFeed     `yaml:"simulated_feed"`
}

type SimulatedFeed struct {
	Seed    int64                   `yaml:"seed"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
}

type SymbolConfig struct {
	StartPrice decimal.Decimal `yaml:"start_price"`
	// Volatility is the standard deviation of a single step as a fraction
	// of price.
	Volatility float64 `yaml:"volatility"`
}

func DefaultEngine() Engine {
	return Engine{
		CommissionRate:  decimal.RequireFromString("0.0004"),
		SlippageRate:    decimal.RequireFromString("0.0005"),
		ExecutionDelay:  100 * time.Millisecond,
		TickInterval:    time.Second,
		TickWorkers:     8,
		PriceTimeout:    2 * time.Second,
		PriceRetries:    2,
		PriceRetryDelay: 50 * time.Millisecond,
		Leverage:        decimal.NewFromInt(1),
		Currency:        "USD",
		InitialBalance:  decimal.NewFromInt(100000),
		SimulatedFeed: SimulatedFeed{
			Seed: 1,
			Symbols: map[string]SymbolConfig{
				"BTCUSD": {StartPrice: decimal.NewFromInt(45000), Volatility: 0.001},
				"ETHUSD": {StartPrice: decimal.NewFromInt(2500), Volatility: 0.0015},
			},
		},
	}
}

// LoadEngine reads a YAML engine file. An empty path yields the defaults.
func LoadEngine(path string) (Engine, error) {
	if path == "" {
		e := DefaultEngine()
		return e, e.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read engine config: %w", err)
	}
	return ParseEngine(data)
}

func ParseEngine(data []byte) (Engine, error) {
	var e Engine
	if err := yaml.Unmarshal(data, &e); err != nil {
		return Engine{}, fmt.Errorf("parse engine config: %w", err)
	}
	e.applyDefaults()
	if err := e.Validate(); err != nil {
		return Engine{}, fmt.Errorf("invalid engine config: %w", err)
	}
	return e, nil
}

func (e *Engine) applyDefaults() {
	d := DefaultEngine()
	if e.CommissionRate.IsZero() {
		e.CommissionRate = d.CommissionRate
	}
	if e.SlippageRate.IsZero() {
		e.SlippageRate = d.SlippageRate
	}
	if e.ExecutionDelay == 0 {
		e.ExecutionDelay = d.ExecutionDelay
	}
	if e.TickInterval == 0 {
		e.TickInterval = d.TickInterval
	}
	if e.TickWorkers == 0 {
		e.TickWorkers = d.TickWorkers
	}
	if e.PriceTimeout == 0 {
		e.PriceTimeout = d.PriceTimeout
	}
	if e.PriceRetries == 0 {
		e.PriceRetries = d.PriceRetries
	}
	if e.PriceRetryDelay == 0 {
		e.PriceRetryDelay = d.PriceRetryDelay
	}
	if e.Leverage.IsZero() {
		e.Leverage = d.Leverage
	}
	if e.Currency == "" {
		e.Currency = d.Currency
	}
	if e.InitialBalance.IsZero() {
		e.InitialBalance = d.InitialBalance
	}
	if len(e.SimulatedFeed.Symbols) == 0 {
		e.SimulatedFeed.Symbols = d.SimulatedFeed.Symbols
	}
	if e.SimulatedFeed.Seed == 0 {
		e.SimulatedFeed.Seed = d.SimulatedFeed.Seed
	}
}

// RiskProfile is the profile given to new accounts that do not bring one.
func (e Engine) RiskProfile() model.RiskProfile {
	if e.DefaultRiskProfile != nil {
		return e.DefaultRiskProfile.Clone()
	}
	return model.DefaultRiskProfile()
}

func (e Engine) Validate() error {
	if e.CommissionRate.IsNegative() || e.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission_rate must be in [0, 1)")
	}
	if e.SlippageRate.IsNegative() || e.SlippageRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("slippage_rate must be in [0, 1)")
	}
	if e.ExecutionDelay < 0 {
		return fmt.Errorf("execution_delay must not be negative")
	}
	if e.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if e.TickWorkers <= 0 {
		return fmt.Errorf("tick_workers must be positive")
	}
	if e.PriceTimeout <= 0 {
		return fmt.Errorf("price_timeout must be positive")
	}
	if e.PriceRetries < 0 {
		return fmt.Errorf("price_retries must not be negative")
	}
	if e.StalePriceMaxAge < 0 {
		return fmt.Errorf("stale_price_max_age must not be negative")
	}
	if !e.Leverage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("leverage must be at least 1")
	}
	if !e.InitialBalance.IsPositive() {
		return fmt.Errorf("initial_balance must be positive")
	}
	for sym, s := range e.SimulatedFeed.Symbols {
		if !s.StartPrice.IsPositive() {
			return fmt.Errorf("simulated_feed.symbols.%s.start_price must be positive", sym)
		}
		if s.Volatility < 0 {
			return fmt.Errorf("simulated_feed.symbols.%s.volatility must not be negative", sym)
		}
	}
	return nil
}
