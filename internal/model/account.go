package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RiskProfile struct {
	MaxAccountRiskPercent decimal.Decimal `json:"max_account_risk_percent" yaml:"max_account_risk_percent"`
	MaxPositionValue      decimal.Decimal `json:"max_position_value" yaml:"max_position_value"`
	MaxDailyLossPercent   decimal.Decimal `json:"max_daily_loss_percent" yaml:"max_daily_loss_percent"`
	MaxDrawdownPercent    decimal.Decimal `json:"max_drawdown_percent" yaml:"max_drawdown_percent"`
	MaxLeverage           decimal.Decimal `json:"max_leverage" yaml:"max_leverage"`
	MaxOpenPositions      int             `json:"max_open_positions" yaml:"max_open_positions"`
	AllowedSymbols        []string        `json:"allowed_symbols" yaml:"allowed_symbols"`
	BlockedSymbols        []string        `json:"blocked_symbols" yaml:"blocked_symbols"`
	RequireStopLoss       bool            `json:"require_stop_loss" yaml:"require_stop_loss"`
	RequireTakeProfit     bool            `json:"require_take_profit" yaml:"require_take_profit"`
}

func DefaultRiskProfile() RiskProfile {
	return RiskProfile{
		MaxAccountRiskPercent: decimal.NewFromInt(2),
		MaxPositionValue:      decimal.NewFromInt(50000),
		MaxDailyLossPercent:   decimal.NewFromInt(5),
		MaxDrawdownPercent:    decimal.NewFromInt(20),
		MaxLeverage:           decimal.NewFromInt(3),
		MaxOpenPositions:      10,
	}
}

func (p RiskProfile) Clone() RiskProfile {
	p.AllowedSymbols = append([]string(nil), p.AllowedSymbols...)
	p.BlockedSymbols = append([]string(nil), p.BlockedSymbols...)
	return p
}

// SymbolAllowed applies the allow list (when non-empty) and the block list.
func (p RiskProfile) SymbolAllowed(symbol string) (allowed bool, blocked bool) {
	allowed = len(p.AllowedSymbols) == 0
	for _, s := range p.AllowedSymbols {
		if strings.EqualFold(s, symbol) {
			allowed = true
			break
		}
	}
	for _, s := range p.BlockedSymbols {
		if strings.EqualFold(s, symbol) {
			blocked = true
			break
		}
	}
	return allowed, blocked
}

type Account struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Currency         string          `json:"currency"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	RiskProfile      RiskProfile     `json:"risk_profile"`
	IsActive         bool            `json:"is_active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (a Account) Clone() Account {
	a.RiskProfile = a.RiskProfile.Clone()
	return a
}

// EquityPoint is a realized-equity sample appended by the ledger after every
// PnL movement.
type EquityPoint struct {
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	At          time.Time       `json:"at"`
}
