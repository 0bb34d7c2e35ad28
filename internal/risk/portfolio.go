package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/ledger"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

const minHistoryForVaR = 20

var (
	fallbackVaR  = decimal.RequireFromString("0.05")
	fallbackCVaR = decimal.RequireFromString("0.075")
)

type Metrics struct {
	AccountID       string          `json:"account_id"`
	Balance         decimal.Decimal `json:"balance"`
	Equity          decimal.Decimal `json:"equity"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	LongExposure    decimal.Decimal `json:"long_exposure"`
	ShortExposure   decimal.Decimal `json:"short_exposure"`
	GrossExposure   decimal.Decimal `json:"gross_exposure"`
	NetExposure     decimal.Decimal `json:"net_exposure"`
	Leverage        decimal.Decimal `json:"leverage"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	VaR             decimal.Decimal `json:"var"`
	CVaR            decimal.Decimal `json:"cvar"`
	HistoricalVaR   bool            `json:"historical_var"`
	OpenPositions   int             `json:"open_positions"`
	Violations      []Violation     `json:"violations"`
	RiskScore       int             `json:"risk_score"`
	RiskGrade       string          `json:"risk_grade"`
	CalculatedAt    time.Time       `json:"calculated_at"`
}

// CalculatePortfolioRisk measures exposure, leverage, drawdown and tail
// risk of the account's open book at current marks.
func (e *Engine) CalculatePortfolioRisk(ctx context.Context, accountID string) (Metrics, error) {
	acc, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return Metrics{}, err
	}
	profile, err := e.accounts.RiskProfile(ctx, accountID)
	if err != nil {
		return Metrics{}, err
	}
	open, err := e.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: types.PositionStatusOpen})
	if err != nil {
		return Metrics{}, apperr.Persistence("risk.CalculatePortfolioRisk", err)
	}
	history, err := e.repo.ListEquity(ctx, accountID, time.Time{})
	if err != nil {
		return Metrics{}, apperr.Persistence("risk.CalculatePortfolioRisk", err)
	}
	return e.metrics(acc, profile, open, history), nil
}

func (e *Engine) metrics(acc model.Account, profile model.RiskProfile, open []model.Position, history []model.EquityPoint) Metrics {
	m := Metrics{
		AccountID:     acc.ID,
		Balance:       acc.CurrentBalance,
		OpenPositions: len(open),
		CalculatedAt:  e.clock.Now(),
	}
	for _, p := range open {
		notional := p.Notional()
		if p.Side == types.PositionSideShort {
			m.ShortExposure = m.ShortExposure.Add(notional)
		} else {
			m.LongExposure = m.LongExposure.Add(notional)
		}
		m.UnrealizedPnL = m.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	m.GrossExposure = m.LongExposure.Add(m.ShortExposure)
	m.NetExposure = m.LongExposure.Sub(m.ShortExposure)
	m.Equity = acc.CurrentBalance.Add(m.UnrealizedPnL)
	if acc.CurrentBalance.IsPositive() {
		m.Leverage = m.GrossExposure.Div(acc.CurrentBalance).Round(4)
	}
	cur, maxDD := ledger.Drawdown(acc.InitialBalance, history)
	m.CurrentDrawdown = cur.Round(4)
	m.MaxDrawdown = maxDD.Round(4)

	midnight := startOfDay(m.CalculatedAt)
	dayStart := acc.InitialBalance
	for _, p := range history {
		if !p.At.Before(midnight) {
			break
		}
		dayStart = p.Balance
	}
	m.DailyPnL = m.Equity.Sub(dayStart)

	m.VaR, m.CVaR, m.HistoricalVaR = valueAtRisk(acc.CurrentBalance, history)
	m.Violations = portfolioViolations(m, profile, open, dayStart)
	m.RiskScore = riskScore(m.Leverage, m.CurrentDrawdown, len(m.Violations))
	m.RiskGrade = riskGrade(m.RiskScore)
	return m
}

func portfolioViolations(m Metrics, profile model.RiskProfile, open []model.Position, dayStart decimal.Decimal) []Violation {
	out := []Violation{}
	if profile.MaxLeverage.IsPositive() && m.Leverage.GreaterThan(profile.MaxLeverage) {
		out = append(out, Violation{
			RuleID:          RuleMaxLeverage,
			Severity:        types.SeverityError,
			CurrentValue:    m.Leverage,
			Threshold:       profile.MaxLeverage,
			Message:         fmt.Sprintf("leverage %s exceeds %s", m.Leverage.StringFixed(2), profile.MaxLeverage),
			SuggestedAction: "reduce positions",
		})
	}
	if profile.MaxDrawdownPercent.IsPositive() && m.CurrentDrawdown.GreaterThan(profile.MaxDrawdownPercent) {
		out = append(out, Violation{
			RuleID:          RuleMaxDrawdown,
			Severity:        types.SeverityCritical,
			CurrentValue:    m.CurrentDrawdown,
			Threshold:       profile.MaxDrawdownPercent,
			Message:         fmt.Sprintf("drawdown %s%% exceeds %s%%", m.CurrentDrawdown.StringFixed(2), profile.MaxDrawdownPercent),
			SuggestedAction: "emergency stop loss",
		})
	}
	if profile.MaxDailyLossPercent.IsPositive() && dayStart.IsPositive() && m.DailyPnL.IsNegative() {
		lossPct := m.DailyPnL.Neg().Div(dayStart).Mul(hundred)
		if lossPct.GreaterThanOrEqual(profile.MaxDailyLossPercent) {
			out = append(out, Violation{
				RuleID:          RuleDailyLossLimit,
				Severity:        types.SeverityCritical,
				CurrentValue:    lossPct.Round(4),
				Threshold:       profile.MaxDailyLossPercent,
				Message:         fmt.Sprintf("daily loss %s%% reached %s%%", lossPct.StringFixed(2), profile.MaxDailyLossPercent),
				SuggestedAction: "stop trading for today",
			})
		}
	}
	if len(open) > profile.MaxOpenPositions {
		out = append(out, Violation{
			RuleID:       RuleMaxOpenPositions,
			Severity:     types.SeverityWarning,
			CurrentValue: decimal.NewFromInt(int64(len(open))),
			Threshold:    decimal.NewFromInt(int64(profile.MaxOpenPositions)),
			Message:      fmt.Sprintf("%d open positions, limit %d", len(open), profile.MaxOpenPositions),
		})
	}
	for _, p := range open {
		if n := p.Notional(); n.GreaterThan(profile.MaxPositionValue) {
			out = append(out, Violation{
				RuleID:          RuleMaxPositionValue,
				Severity:        types.SeverityWarning,
				CurrentValue:    n,
				Threshold:       profile.MaxPositionValue,
				Message:         fmt.Sprintf("%s position worth %s exceeds %s", p.Symbol, n.StringFixed(2), profile.MaxPositionValue),
				SuggestedAction: "reduce " + p.Symbol,
			})
		}
	}
	return out
}

// valueAtRisk estimates one-step 95% VaR and CVaR from the equity history by
// historical simulation, or falls back to fixed fractions of balance when
// the history is too short.
func valueAtRisk(balance decimal.Decimal, history []model.EquityPoint) (decimal.Decimal, decimal.Decimal, bool) {
	if len(history) < minHistoryForVaR {
		return balance.Mul(fallbackVaR), balance.Mul(fallbackCVaR), false
	}
	returns := make([]decimal.Decimal, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1].Balance
		if !prev.IsPositive() {
			continue
		}
		returns = append(returns, history[i].Balance.Sub(prev).Div(prev))
	}
	if len(returns) == 0 {
		return balance.Mul(fallbackVaR), balance.Mul(fallbackCVaR), false
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i].LessThan(returns[j]) })
	idx := (len(returns)*5+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	cutoff := returns[idx]
	sum := decimal.Zero
	for _, r := range returns[:idx+1] {
		sum = sum.Add(r)
	}
	tail := sum.Div(decimal.NewFromInt(int64(idx + 1)))
	loss := func(r decimal.Decimal) decimal.Decimal {
		if r.IsPositive() {
			return decimal.Zero
		}
		return r.Neg().Mul(balance).Round(2)
	}
	return loss(cutoff), loss(tail), true
}

func riskScore(leverage, drawdown decimal.Decimal, violations int) int {
	score := hundred.
		Sub(decimal.Min(leverage.Mul(decimal.NewFromInt(10)), decimal.NewFromInt(30))).
		Sub(decimal.Min(drawdown.Mul(decimal.NewFromInt(2)), decimal.NewFromInt(40))).
		Sub(decimal.NewFromInt(int64(violations * 10)))
	n := int(score.Floor().IntPart())
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func riskGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
