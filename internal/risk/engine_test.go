package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-paperdesk/internal/accounts"
	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fixture struct {
	engine    *Engine
	repo      *store.Memory
	feed      *marketdata.Static
	accounts  *accounts.Service
	positions *positions.Service
	account   model.Account
}

func newFixture(t *testing.T, mutate func(p *model.RiskProfile)) fixture {
	t.Helper()
	repo := store.NewMemory()
	clk := clock.NewFake(t0)
	feed := marketdata.NewStatic()
	feed.Set("BTCUSD", d("45000"))
	feed.Set("ETHUSD", d("2500"))
	profile := model.DefaultRiskProfile()
	if mutate != nil {
		mutate(&profile)
	}
	accs := accounts.NewService(repo, clk, nil, nil, accounts.Defaults{InitialBalance: d("100000"), RiskProfile: profile})
	acc, err := accs.Create(context.Background(), "u1", accounts.CreateRequest{})
	require.NoError(t, err)
	pos := positions.NewService(repo, clk)
	return fixture{
		engine:    NewEngine(accs, repo, feed, pos, clk, decimal.NewFromInt(1), nil),
		repo:      repo,
		feed:      feed,
		accounts:  accs,
		positions: pos,
		account:   acc,
	}
}

func (f fixture) fill(t *testing.T, symbol string, side types.OrderSide, price, qty string) model.Position {
	t.Helper()
	var res positions.FillResult
	require.NoError(t, f.repo.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		res, err = f.positions.ApplyFill(context.Background(), tx, positions.Fill{
			AccountID: f.account.ID, Symbol: symbol, Side: side,
			Price: d(price), Quantity: d(qty), MarginRate: decimal.NewFromInt(1),
		})
		return err
	}))
	return res.Position
}

func (f fixture) mark(t *testing.T, symbol, price string) {
	t.Helper()
	require.NoError(t, f.repo.InTx(context.Background(), func(tx store.Tx) error {
		_, err := f.positions.MarkToMarket(context.Background(), tx, symbol, d(price))
		return err
	}))
}

func rules(vs []Violation) []RuleID {
	out := make([]RuleID, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.RuleID)
	}
	return out
}

func TestPreTradeAccountRiskExample(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{
		Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("1"),
	})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, []RuleID{RuleMaxAccountRisk}, rules(res.Violations))
	require.NotNil(t, res.AdjustedQuantity)
	assert.True(t, res.AdjustedQuantity.IsZero())
	assert.True(t, res.PositionValue.Equal(d("2500")))
}

func TestPreTradeApprovesWithinLimits(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{
		Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("0.5"), Price: dp("2400"),
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Empty(t, res.Violations)
	assert.True(t, res.ReferencePrice.Equal(d("2400")), "limit price is the reference")
}

func TestPreTradeWarningsDoNotBlock(t *testing.T) {
	f := newFixture(t, func(p *model.RiskProfile) {
		p.RequireStopLoss = true
		p.RequireTakeProfit = true
	})
	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{
		Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("0.5"),
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.ElementsMatch(t, []RuleID{RuleStopLossRequired, RuleTakeProfitRequired}, rules(res.Violations))
	for _, v := range res.Violations {
		assert.Equal(t, types.SeverityWarning, v.Severity)
	}
}

func TestPreTradeSymbolLists(t *testing.T) {
	f := newFixture(t, func(p *model.RiskProfile) {
		p.AllowedSymbols = []string{"BTCUSD"}
		p.BlockedSymbols = []string{"DOGEUSD"}
	})
	f.feed.Set("DOGEUSD", d("0.1"))

	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("0.1")})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, rules(res.Violations), RuleSymbolNotAllowed)

	res, err = f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "DOGEUSD", Side: types.OrderSideBuy, Quantity: d("1")})
	require.NoError(t, err)
	assert.Contains(t, rules(res.Violations), RuleSymbolBlocked)
}

func TestPreTradeOpenPositionsAndFunds(t *testing.T) {
	f := newFixture(t, func(p *model.RiskProfile) {
		p.MaxOpenPositions = 1
		p.MaxAccountRiskPercent = decimal.NewFromInt(100)
		p.MaxPositionValue = decimal.NewFromInt(1000000)
		p.MaxLeverage = decimal.NewFromInt(10)
	})
	f.fill(t, "BTCUSD", types.OrderSideBuy, "45000", "0.1")

	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("39")})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.ElementsMatch(t, []RuleID{RuleMaxOpenPositions, RuleInsufficientFunds}, rules(res.Violations))
}

func TestPreTradeReducingOrderStillChecksAccountRisk(t *testing.T) {
	f := newFixture(t, func(p *model.RiskProfile) {
		p.MaxAccountRiskPercent = decimal.NewFromInt(100)
	})
	f.fill(t, "BTCUSD", types.OrderSideBuy, "45000", "1")
	_, err := f.accounts.UpdateRiskProfile(context.Background(), f.account.ID, model.DefaultRiskProfile())
	require.NoError(t, err)

	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "BTCUSD", Side: types.OrderSideSell, Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, res.ReduceOnly)
	assert.False(t, res.Approved)
	assert.Contains(t, rules(res.Violations), RuleMaxAccountRisk)
	require.NotNil(t, res.AdjustedQuantity)
	assert.True(t, res.AdjustedQuantity.IsZero())
}

func TestPreTradeFundsUseMarginUnderLeverage(t *testing.T) {
	f := newFixture(t, func(p *model.RiskProfile) {
		p.MaxAccountRiskPercent = decimal.NewFromInt(100)
		p.MaxPositionValue = decimal.NewFromInt(1000000)
		p.MaxLeverage = decimal.NewFromInt(10)
	})
	engine := NewEngine(f.accounts, f.repo, f.feed, f.positions, clock.NewFake(t0), decimal.NewFromInt(4), nil)
	assert.True(t, engine.MarginRate().Equal(d("0.25")))

	// 96000 notional needs 24000 margin, well inside 95% of 100000.
	res, err := engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("38.4")})
	require.NoError(t, err)
	assert.True(t, res.Approved, "violations %v", rules(res.Violations))
	assert.NotContains(t, rules(res.Violations), RuleInsufficientFunds)

	// 400000 notional needs 100000 margin, above the 95000 limit.
	res, err = engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("160")})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, rules(res.Violations), RuleInsufficientFunds)
	for _, v := range res.Violations {
		if v.RuleID == RuleInsufficientFunds {
			assert.True(t, v.CurrentValue.Equal(d("100000")), v.CurrentValue.String())
			assert.True(t, v.Threshold.Equal(d("95000")), v.Threshold.String())
		}
	}
}

func TestPreTradeDailyLossLimit(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.repo.InTx(context.Background(), func(tx store.Tx) error {
		acc, err := tx.GetAccount(context.Background(), f.account.ID)
		if err != nil {
			return err
		}
		acc.CurrentBalance = d("94000")
		acc.AvailableBalance = d("94000")
		acc.RealizedPnL = d("-6000")
		if err := tx.UpdateAccount(context.Background(), acc); err != nil {
			return err
		}
		return tx.InsertEquity(context.Background(), model.EquityPoint{AccountID: acc.ID, Balance: acc.CurrentBalance, At: t0})
	}))
	res, err := f.engine.CheckPreTradeRisk(context.Background(), f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("0.1")})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, rules(res.Violations), RuleDailyLossLimit)
}

func TestPreTradeErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.CheckPreTradeRisk(ctx, f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.CheckPreTradeRisk(ctx, "missing", Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("1")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.feed.Fail("ETHUSD", errors.New("down"))
	_, err = f.engine.CheckPreTradeRisk(ctx, f.account.ID, Intent{Symbol: "ETHUSD", Side: types.OrderSideBuy, Quantity: d("1")})
	assert.ErrorIs(t, err, apperr.ErrExternalFeed)
}

func TestCalculatePortfolioRisk(t *testing.T) {
	f := newFixture(t, nil)
	f.fill(t, "BTCUSD", types.OrderSideBuy, "45000", "1")
	f.fill(t, "ETHUSD", types.OrderSideSell, "2500", "2")
	f.mark(t, "BTCUSD", "46000")

	m, err := f.engine.CalculatePortfolioRisk(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.True(t, m.LongExposure.Equal(d("46000")))
	assert.True(t, m.ShortExposure.Equal(d("5000")))
	assert.True(t, m.GrossExposure.Equal(d("51000")))
	assert.True(t, m.NetExposure.Equal(d("41000")))
	assert.True(t, m.Leverage.Equal(d("0.51")), m.Leverage.String())
	assert.True(t, m.UnrealizedPnL.Equal(d("1000")))
	assert.True(t, m.Equity.Equal(d("101000")))
	assert.False(t, m.HistoricalVaR)
	assert.True(t, m.VaR.Equal(d("5000")))
	assert.True(t, m.CVaR.Equal(d("7500")))
	assert.Empty(t, m.Violations)
	assert.Equal(t, 94, m.RiskScore)
	assert.Equal(t, "A", m.RiskGrade)
	assert.Equal(t, 2, m.OpenPositions)
}

func TestHistoricalVaR(t *testing.T) {
	var hist []model.EquityPoint
	bal := d("1000")
	for i := 0; i < 21; i++ {
		if i == 10 {
			bal = bal.Mul(d("0.9"))
		} else if i > 0 {
			bal = bal.Mul(d("1.01"))
		}
		hist = append(hist, model.EquityPoint{Balance: bal, At: t0.Add(time.Duration(i) * time.Minute)})
	}
	v, cv, historical := valueAtRisk(d("1000"), hist)
	assert.True(t, historical)
	assert.True(t, v.Equal(d("100")), v.String())
	assert.True(t, cv.Equal(d("100")), cv.String())
}

func TestRiskScoreAndGrade(t *testing.T) {
	cases := []struct {
		lev, dd    string
		violations int
		score      int
		grade      string
	}{
		{"0", "0", 0, 100, "A"},
		{"1", "0", 0, 90, "A"},
		{"1.5", "0", 0, 85, "B"},
		{"5", "0", 0, 70, "C"},
		{"0", "18", 0, 64, "D"},
		{"10", "50", 0, 30, "F"},
		{"10", "50", 5, 0, "F"},
	}
	for _, c := range cases {
		score := riskScore(d(c.lev), d(c.dd), c.violations)
		assert.Equal(t, c.score, score, "lev=%s dd=%s v=%d", c.lev, c.dd, c.violations)
		assert.Equal(t, c.grade, riskGrade(score))
	}
}

func TestGenerateRiskReport(t *testing.T) {
	f := newFixture(t, nil)
	f.fill(t, "BTCUSD", types.OrderSideBuy, "45000", "1")
	f.fill(t, "ETHUSD", types.OrderSideBuy, "2500", "2")

	rep, err := f.engine.GenerateRiskReport(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.Len(t, rep.Concentration, 2)
	assert.Equal(t, "BTCUSD", rep.Concentration[0].Symbol)
	assert.True(t, rep.Concentration[0].Weight.Equal(d("90")), rep.Concentration[0].Weight.String())
	assert.NotEmpty(t, rep.Recommendations)
}

func TestRejectedErrorMatching(t *testing.T) {
	err := error(&RejectedError{Violations: []Violation{{RuleID: RuleMaxAccountRisk, Severity: types.SeverityError}}})
	assert.ErrorIs(t, err, apperr.ErrRiskRejected)
	assert.NotErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Len(t, ViolationsOf(err), 1)

	err = &RejectedError{Violations: []Violation{{RuleID: RuleInsufficientFunds, Severity: types.SeverityCritical}}}
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "insufficient_funds")
}
