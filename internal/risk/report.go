package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Concentration struct {
	PositionID string             `json:"position_id"`
	Symbol     string             `json:"symbol"`
	Side       types.PositionSide `json:"side"`
	Notional   decimal.Decimal    `json:"notional"`
	// Weight is the share of gross exposure in percent.
	Weight decimal.Decimal `json:"weight"`
}

type Report struct {
	Metrics         Metrics         `json:"metrics"`
	Concentration   []Concentration `json:"concentration"`
	Recommendations []string        `json:"recommendations"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

const concentrationWarnPercent = 40

func (e *Engine) GenerateRiskReport(ctx context.Context, accountID string) (Report, error) {
	m, err := e.CalculatePortfolioRisk(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	open, err := e.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: types.PositionStatusOpen})
	if err != nil {
		return Report{}, apperr.Persistence("risk.GenerateRiskReport", err)
	}
	rep := Report{Metrics: m, Concentration: []Concentration{}, GeneratedAt: m.CalculatedAt}
	for _, p := range open {
		c := Concentration{PositionID: p.ID, Symbol: p.Symbol, Side: p.Side, Notional: p.Notional()}
		if m.GrossExposure.IsPositive() {
			c.Weight = c.Notional.Div(m.GrossExposure).Mul(hundred).Round(2)
		}
		rep.Concentration = append(rep.Concentration, c)
	}
	sort.SliceStable(rep.Concentration, func(i, j int) bool {
		return rep.Concentration[i].Weight.GreaterThan(rep.Concentration[j].Weight)
	})
	rep.Recommendations = recommendations(m, rep.Concentration)
	return rep, nil
}

func recommendations(m Metrics, conc []Concentration) []string {
	out := []string{}
	for _, v := range m.Violations {
		if v.SuggestedAction != "" {
			out = append(out, fmt.Sprintf("%s: %s", v.RuleID, v.SuggestedAction))
		}
	}
	if len(conc) > 1 && conc[0].Weight.GreaterThan(decimal.NewFromInt(concentrationWarnPercent)) {
		out = append(out, fmt.Sprintf("%s is %s%% of exposure; diversify", conc[0].Symbol, conc[0].Weight.StringFixed(2)))
	}
	if m.Leverage.GreaterThan(decimal.NewFromInt(2)) {
		out = append(out, "leverage above 2x; consider reducing position sizes")
	}
	if m.MaxDrawdown.GreaterThan(decimal.NewFromInt(10)) {
		out = append(out, "drawdown has exceeded 10%; review stop-loss placement")
	}
	if m.RiskGrade == "D" || m.RiskGrade == "F" {
		out = append(out, "risk grade "+m.RiskGrade+"; de-risk before opening new positions")
	}
	if len(out) == 0 {
		out = append(out, "risk within limits")
	}
	return out
}
