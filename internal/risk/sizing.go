package risk

import (
	"context"

	"lv-paperdesk/internal/apperr"

	"github.com/shopspring/decimal"
)

// SizingModel is one of FixedAmount, FixedPercentage, Kelly or
// VolatilityAdjusted.
type SizingModel interface {
	Name() string
	validate() error
}

type FixedAmount struct {
	Amount decimal.Decimal
}

// FixedPercentage sizes at Percent of balance; 2 means 2%.
type FixedPercentage struct {
	Percent decimal.Decimal
}

// Kelly sizes at balance times Fraction. With Fraction nil the fraction is
// derived from the account's closed trades when FromHistory is set.
type Kelly struct {
	Fraction    *decimal.Decimal
	FromHistory bool
}

type VolatilityAdjusted struct {
	BaseFraction     decimal.Decimal
	TargetVolatility decimal.Decimal
	SymbolVolatility decimal.Decimal
}

func (FixedAmount) Name() string        { return "fixed_amount" }
func (FixedPercentage) Name() string    { return "fixed_percentage" }
func (Kelly) Name() string              { return "kelly_criterion" }
func (VolatilityAdjusted) Name() string { return "volatility_adjusted" }

func (m FixedAmount) validate() error {
	if !m.Amount.IsPositive() {
		return apperr.Validation("risk.FixedAmount", "amount must be positive")
	}
	return nil
}

func (m FixedPercentage) validate() error {
	if !m.Percent.IsPositive() || m.Percent.GreaterThan(hundred) {
		return apperr.Validation("risk.FixedPercentage", "percent must be in (0, 100]")
	}
	return nil
}

func (m Kelly) validate() error {
	if m.Fraction == nil && !m.FromHistory {
		return apperr.Validation("risk.Kelly", "fraction is required unless derived from history")
	}
	if m.Fraction != nil && (m.Fraction.IsNegative() || m.Fraction.GreaterThan(decimal.NewFromInt(1))) {
		return apperr.Validation("risk.Kelly", "fraction must be in [0, 1]")
	}
	return nil
}

func (m VolatilityAdjusted) validate() error {
	if !m.BaseFraction.IsPositive() || !m.TargetVolatility.IsPositive() || !m.SymbolVolatility.IsPositive() {
		return apperr.Validation("risk.VolatilityAdjusted", "base fraction and volatilities must be positive")
	}
	return nil
}

type SizeResult struct {
	Model string          `json:"model"`
	Value decimal.Decimal `json:"value"`
	// Clamped is set when the raw size exceeded max position value.
	Clamped bool `json:"clamped"`
	// Quantity is Value at the reference price, when one was given.
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
	// KellyFraction is the fraction used by the Kelly model.
	KellyFraction *decimal.Decimal `json:"kelly_fraction,omitempty"`
}

// CalculatePositionSize returns the notional the model allows for the
// account, clamped to the profile's max position value. A positive price
// also yields a quantity.
func (e *Engine) CalculatePositionSize(ctx context.Context, accountID string, model SizingModel, price decimal.Decimal) (SizeResult, error) {
	if model == nil {
		return SizeResult{}, apperr.Validation("risk.CalculatePositionSize", "sizing model is required")
	}
	if err := model.validate(); err != nil {
		return SizeResult{}, err
	}
	acc, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return SizeResult{}, err
	}
	profile, err := e.accounts.RiskProfile(ctx, accountID)
	if err != nil {
		return SizeResult{}, err
	}
	balance := acc.CurrentBalance
	res := SizeResult{Model: model.Name()}
	switch m := model.(type) {
	case FixedAmount:
		res.Value = m.Amount
	case FixedPercentage:
		res.Value = balance.Mul(m.Percent).Div(hundred)
	case Kelly:
		f, err := e.kellyFraction(ctx, accountID, m)
		if err != nil {
			return SizeResult{}, err
		}
		res.KellyFraction = &f
		res.Value = balance.Mul(f)
	case VolatilityAdjusted:
		res.Value = balance.Mul(m.BaseFraction).Mul(m.TargetVolatility).Div(m.SymbolVolatility)
	default:
		return SizeResult{}, apperr.Validation("risk.CalculatePositionSize", "unknown sizing model %s", model.Name())
	}
	if res.Value.GreaterThan(profile.MaxPositionValue) {
		res.Value = profile.MaxPositionValue
		res.Clamped = true
	}
	res.Value = res.Value.Round(2)
	if price.IsPositive() {
		q := res.Value.Div(price).Round(8)
		res.Quantity = &q
	}
	return res, nil
}

func (e *Engine) kellyFraction(ctx context.Context, accountID string, m Kelly) (decimal.Decimal, error) {
	if m.Fraction != nil {
		return *m.Fraction, nil
	}
	if e.stats == nil {
		return decimal.Zero, apperr.Validation("risk.Kelly", "trade history is not available")
	}
	st, err := e.stats.Stats(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	f, ok := st.Kelly()
	if !ok {
		return decimal.Zero, apperr.Validation("risk.Kelly", "not enough closed trades to derive a fraction; supply one")
	}
	return f, nil
}
