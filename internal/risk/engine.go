package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/logging"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// AccountSource is the account view the engine reads on every check.
type AccountSource interface {
	Get(ctx context.Context, id string) (model.Account, error)
	RiskProfile(ctx context.Context, id string) (model.RiskProfile, error)
}

type StatsSource interface {
	Stats(ctx context.Context, accountID string) (positions.TradeStats, error)
}

var (
	hundred       = decimal.NewFromInt(100)
	reserveBuffer = decimal.RequireFromString("0.95")
)

type Engine struct {
	accounts AccountSource
	repo     store.Reader
	feed     marketdata.PriceFeed
	stats    StatsSource
	clock    clock.Clock
	log      *slog.Logger
	// marginRate is the fraction of notional an opening order must cover.
	marginRate decimal.Decimal
}

func NewEngine(accounts AccountSource, repo store.Reader, feed marketdata.PriceFeed, stats StatsSource, clk clock.Clock, leverage decimal.Decimal, log *slog.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return &Engine{
		accounts:   accounts,
		repo:       repo,
		feed:       feed,
		stats:      stats,
		clock:      clk,
		log:        log,
		marginRate: decimal.NewFromInt(1).Div(leverage),
	}
}

func (e *Engine) MarginRate() decimal.Decimal {
	return e.marginRate
}

// Intent is an order as the pre-trade check sees it.
type Intent struct {
	Symbol     string           `json:"symbol"`
	Side       types.OrderSide  `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

type CheckResult struct {
	Approved         bool             `json:"approved"`
	Violations       []Violation      `json:"violations"`
	AdjustedQuantity *decimal.Decimal `json:"adjusted_quantity,omitempty"`
	ReferencePrice   decimal.Decimal  `json:"reference_price"`
	PositionValue    decimal.Decimal  `json:"position_value"`
	// ReduceOnly is set when the intent only shrinks an open position.
	// Such orders reserve no margin; every rule still applies to them.
	ReduceOnly bool `json:"reduce_only"`
}

// CheckPreTradeRisk evaluates intent for accountID. Failed rules come back
// as violations; errors are reserved for missing accounts and an
// unavailable price.
func (e *Engine) CheckPreTradeRisk(ctx context.Context, accountID string, in Intent) (CheckResult, error) {
	const op = "risk.CheckPreTradeRisk"
	if strings.TrimSpace(in.Symbol) == "" || !in.Side.Valid() || !in.Quantity.IsPositive() {
		return CheckResult{}, apperr.Validation(op, "symbol, side and a positive quantity are required")
	}
	acc, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return CheckResult{}, err
	}
	profile, err := e.accounts.RiskProfile(ctx, accountID)
	if err != nil {
		return CheckResult{}, err
	}
	ref, err := e.referencePrice(ctx, in)
	if err != nil {
		return CheckResult{}, err
	}
	open, err := e.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: types.PositionStatusOpen})
	if err != nil {
		return CheckResult{}, apperr.Persistence(op, err)
	}

	res := CheckResult{ReferencePrice: ref, PositionValue: in.Quantity.Mul(ref)}
	for _, p := range open {
		if p.Symbol == in.Symbol && p.Side != in.Side.PositionSide() && !in.Quantity.GreaterThan(p.Size) {
			res.ReduceOnly = true
		}
	}
	balance := acc.CurrentBalance
	value := res.PositionValue

	if balance.IsPositive() {
		riskPct := value.Div(balance).Mul(hundred)
		if riskPct.GreaterThan(profile.MaxAccountRiskPercent) {
			res.Violations = append(res.Violations, Violation{
				RuleID:          RuleMaxAccountRisk,
				Severity:        types.SeverityError,
				CurrentValue:    riskPct.Round(4),
				Threshold:       profile.MaxAccountRiskPercent,
				Message:         fmt.Sprintf("position is %s%% of balance, limit %s%%", riskPct.StringFixed(2), profile.MaxAccountRiskPercent),
				SuggestedAction: "reduce quantity",
			})
		}
	}
	if value.GreaterThan(profile.MaxPositionValue) {
		res.Violations = append(res.Violations, Violation{
			RuleID:          RuleMaxPositionValue,
			Severity:        types.SeverityError,
			CurrentValue:    value,
			Threshold:       profile.MaxPositionValue,
			Message:         fmt.Sprintf("position value %s exceeds %s", value.StringFixed(2), profile.MaxPositionValue),
			SuggestedAction: "reduce quantity",
		})
	}
	if len(open) >= profile.MaxOpenPositions {
		res.Violations = append(res.Violations, Violation{
			RuleID:          RuleMaxOpenPositions,
			Severity:        types.SeverityError,
			CurrentValue:    decimal.NewFromInt(int64(len(open))),
			Threshold:       decimal.NewFromInt(int64(profile.MaxOpenPositions)),
			Message:         fmt.Sprintf("%d open positions, limit %d", len(open), profile.MaxOpenPositions),
			SuggestedAction: "close a position first",
		})
	}
	margin := value.Mul(e.marginRate)
	limit := acc.AvailableBalance.Mul(reserveBuffer)
	if margin.GreaterThan(limit) {
		res.Violations = append(res.Violations, Violation{
			RuleID:          RuleInsufficientFunds,
			Severity:        types.SeverityCritical,
			CurrentValue:    margin,
			Threshold:       limit,
			Message:         fmt.Sprintf("required %s exceeds 95%% of available balance %s", margin.StringFixed(2), acc.AvailableBalance.StringFixed(2)),
			SuggestedAction: "reduce quantity",
		})
	}
	if lev := e.leverageAfter(open, value, balance); profile.MaxLeverage.IsPositive() && lev.GreaterThan(profile.MaxLeverage) {
		res.Violations = append(res.Violations, Violation{
			RuleID:          RuleMaxLeverage,
			Severity:        types.SeverityError,
			CurrentValue:    lev.Round(4),
			Threshold:       profile.MaxLeverage,
			Message:         fmt.Sprintf("leverage would be %s, limit %s", lev.StringFixed(2), profile.MaxLeverage),
			SuggestedAction: "reduce exposure",
		})
	}
	if v, ok, err := e.dailyLoss(ctx, acc, profile, open); err != nil {
		return CheckResult{}, err
	} else if ok {
		res.Violations = append(res.Violations, v)
	}

	if profile.RequireStopLoss && in.StopLoss == nil {
		res.Violations = append(res.Violations, Violation{
			RuleID:          RuleStopLossRequired,
			Severity:        types.SeverityWarning,
			Message:         "risk profile requires a stop loss",
			SuggestedAction: "attach a stop loss",
		})
	}
	if profile.RequireTakeProfit && in.TakeProfit == nil {
		res.Violations = append(res.Violations, Violation{
			RuleID:          RuleTakeProfitRequired,
			Severity:        types.SeverityWarning,
			Message:         "risk profile requires a take profit",
			SuggestedAction: "attach a take profit",
		})
	}
	allowed, blocked := profile.SymbolAllowed(in.Symbol)
	if !allowed {
		res.Violations = append(res.Violations, Violation{
			RuleID:   RuleSymbolNotAllowed,
			Severity: types.SeverityCritical,
			Message:  fmt.Sprintf("%s is not in the allowed symbols", in.Symbol),
		})
	}
	if blocked {
		res.Violations = append(res.Violations, Violation{
			RuleID:   RuleSymbolBlocked,
			Severity: types.SeverityCritical,
			Message:  fmt.Sprintf("%s is blocked", in.Symbol),
		})
	}

	capValue := decimal.Min(profile.MaxAccountRiskPercent.Div(hundred).Mul(balance), profile.MaxPositionValue)
	adjusted := capValue.Div(ref).Floor()
	if adjusted.IsNegative() {
		adjusted = decimal.Zero
	}
	if !adjusted.Equal(in.Quantity) {
		res.AdjustedQuantity = &adjusted
	}
	res.Approved = !Blocking(res.Violations)
	if res.Violations == nil {
		res.Violations = []Violation{}
	}
	return res, nil
}

func (e *Engine) referencePrice(ctx context.Context, in Intent) (decimal.Decimal, error) {
	if in.Price != nil && in.Price.IsPositive() {
		return *in.Price, nil
	}
	p, err := e.feed.CurrentPrice(ctx, in.Symbol)
	if err != nil {
		return decimal.Zero, apperr.Feed("risk.referencePrice", in.Symbol, err)
	}
	return p, nil
}

func (e *Engine) leverageAfter(open []model.Position, add, balance decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() {
		return decimal.Zero
	}
	gross := add
	for _, p := range open {
		gross = gross.Add(p.Notional())
	}
	return gross.Div(balance)
}

// dailyLoss compares today's equity change, realized and unrealized, with
// the profile's daily loss limit.
func (e *Engine) dailyLoss(ctx context.Context, acc model.Account, profile model.RiskProfile, open []model.Position) (Violation, bool, error) {
	if !profile.MaxDailyLossPercent.IsPositive() {
		return Violation{}, false, nil
	}
	start, err := e.dayStartBalance(ctx, acc)
	if err != nil {
		return Violation{}, false, err
	}
	if !start.IsPositive() {
		return Violation{}, false, nil
	}
	equity := acc.CurrentBalance
	for _, p := range open {
		equity = equity.Add(p.UnrealizedPnL)
	}
	lossPct := start.Sub(equity).Div(start).Mul(hundred)
	if !lossPct.GreaterThanOrEqual(profile.MaxDailyLossPercent) {
		return Violation{}, false, nil
	}
	return Violation{
		RuleID:          RuleDailyLossLimit,
		Severity:        types.SeverityCritical,
		CurrentValue:    lossPct.Round(4),
		Threshold:       profile.MaxDailyLossPercent,
		Message:         fmt.Sprintf("daily loss %s%% reached limit %s%%", lossPct.StringFixed(2), profile.MaxDailyLossPercent),
		SuggestedAction: "stop trading for today",
	}, true, nil
}

// dayStartBalance is the realized balance at the last UTC midnight.
func (e *Engine) dayStartBalance(ctx context.Context, acc model.Account) (decimal.Decimal, error) {
	pts, err := e.repo.ListEquity(ctx, acc.ID, time.Time{})
	if err != nil {
		return decimal.Zero, apperr.Persistence("risk.dayStartBalance", err)
	}
	midnight := startOfDay(e.clock.Now())
	start := acc.InitialBalance
	for _, p := range pts {
		if !p.At.Before(midnight) {
			break
		}
		start = p.Balance
	}
	return start, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
