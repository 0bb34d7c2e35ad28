package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lv-paperdesk/internal/accounts"
	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/ledger"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/risk"
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
	svc      *Service
	repo     *store.Memory
	clock    *clock.Fake
	feed     *marketdata.Static
	accounts *accounts.Service
	events   *events.Recorder
	account  model.Account
}

type option func(p *model.RiskProfile, cfg *Config)

func withDelay(delay time.Duration) option {
	return func(_ *model.RiskProfile, cfg *Config) { cfg.ExecutionDelay = delay }
}

func withProfile(fn func(p *model.RiskProfile)) option {
	return func(p *model.RiskProfile, _ *Config) { fn(p) }
}

// newFixture builds the simulator on the in-memory store with a profile
// loose enough for whole-coin BTC orders.
func newFixture(t *testing.T, opts ...option) fixture {
	t.Helper()
	repo := store.NewMemory()
	clk := clock.NewFake(t0)
	feed := marketdata.NewStatic()
	feed.Set("BTCUSD", d("45000"))
	feed.Set("ETHUSD", d("2500"))
	rec := &events.Recorder{}

	profile := model.DefaultRiskProfile()
	profile.MaxAccountRiskPercent = d("100")
	cfg := Config{CommissionRate: d("0.0004")}
	for _, opt := range opts {
		opt(&profile, &cfg)
	}

	accs := accounts.NewService(repo, clk, rec, nil, accounts.Defaults{InitialBalance: d("100000"), RiskProfile: profile})
	acc, err := accs.Create(context.Background(), "u1", accounts.CreateRequest{})
	require.NoError(t, err)
	guarded := marketdata.NewGuarded(feed, clk, marketdata.GuardOptions{Timeout: time.Second}, nil)
	pos := positions.NewService(repo, clk)
	engine := risk.NewEngine(accs, repo, guarded, pos, clk, decimal.NewFromInt(1), nil)
	svc := NewService(Deps{
		Repo:      repo,
		Feed:      guarded,
		Risk:      engine,
		Positions: pos,
		Ledger:    ledger.NewService(repo, clk),
		Accounts:  accs,
		Sink:      rec,
		Clock:     clk,
	}, cfg)
	return fixture{svc: svc, repo: repo, clock: clk, feed: feed, accounts: accs, events: rec, account: acc}
}

func (f fixture) reload(t *testing.T) model.Account {
	t.Helper()
	acc, err := f.repo.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	return acc
}

func (f fixture) tick(t *testing.T, symbol, price string) TickResult {
	t.Helper()
	f.clock.Advance(time.Second)
	res, err := f.svc.OnPrice(context.Background(), symbol, d(price), f.clock.Now())
	require.NoError(t, err)
	return res
}

func market(symbol string, side types.OrderSide, qty string) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: types.OrderTypeMarket, Quantity: d(qty)}
}

func limit(symbol string, side types.OrderSide, qty, price string) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: types.OrderTypeLimit, Quantity: d(qty), Price: dp(price)}
}

func assertBalanced(t *testing.T, acc model.Account) {
	t.Helper()
	assert.False(t, acc.AvailableBalance.IsNegative(), "available %s", acc.AvailableBalance)
	assert.True(t, acc.CurrentBalance.Sub(acc.InitialBalance).Equal(acc.RealizedPnL),
		"balance %s initial %s realized %s", acc.CurrentBalance, acc.InitialBalance, acc.RealizedPnL)
	assert.True(t, acc.CurrentBalance.Sub(acc.MarginUsed).Equal(acc.AvailableBalance),
		"balance %s margin %s available %s", acc.CurrentBalance, acc.MarginUsed, acc.AvailableBalance)
}

func TestMarketOrderRoundTripFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.account.ID, market("btcusd", types.OrderSideBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, o.Status)
	assert.Equal(t, "BTCUSD", o.Symbol)
	assert.True(t, o.FilledQuantity.Equal(d("1")))
	assert.True(t, o.RemainingQuantity.IsZero())
	assert.True(t, o.AverageFillPrice.Equal(d("45000")))
	assert.True(t, o.Commission.Equal(d("18")))
	require.NotEmpty(t, o.PositionID)

	acc := f.reload(t)
	assert.True(t, acc.CurrentBalance.Equal(d("99982")), acc.CurrentBalance.String())
	assert.True(t, acc.MarginUsed.Equal(d("45000")))
	assertBalanced(t, acc)

	f.feed.Set("BTCUSD", d("46000"))
	closeOrder, err := f.svc.ClosePosition(ctx, f.account.ID, o.PositionID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, closeOrder.Status)
	assert.Equal(t, types.OrderReasonManualClose, closeOrder.Reason)
	assert.True(t, closeOrder.Commission.Equal(d("18.4")))

	pos, err := f.svc.positions.Get(ctx, f.account.ID, o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosed, pos.Status)
	require.NotNil(t, pos.RealizedPnL)
	assert.True(t, pos.RealizedPnL.Equal(d("963.6")), pos.RealizedPnL.String())

	acc = f.reload(t)
	assert.True(t, acc.RealizedPnL.Equal(d("963.6")), "fees are charged once: %s", acc.RealizedPnL)
	assert.True(t, acc.MarginUsed.IsZero())
	assertBalanced(t, acc)

	trades, err := f.repo.ListTrades(ctx, store.TradeFilter{PositionID: o.PositionID})
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tr := range trades {
		if tr.RealizedPnL != nil {
			sum = sum.Add(*tr.RealizedPnL)
		}
	}
	assert.True(t, sum.Equal(*pos.RealizedPnL))

	_, err = f.svc.ClosePosition(ctx, f.account.ID, o.PositionID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSlippageWorksAgainstTrader(t *testing.T) {
	f := newFixture(t, func(_ *model.RiskProfile, cfg *Config) { cfg.SlippageRate = d("0.0005") })
	ctx := context.Background()

	buy, err := f.svc.CreateOrder(ctx, f.account.ID, market("BTCUSD", types.OrderSideBuy, "1"))
	require.NoError(t, err)
	assert.True(t, buy.AverageFillPrice.Equal(d("45022.5")))
	assert.True(t, buy.Commission.Equal(d("18")), "commission is charged on the quoted price")

	sell, err := f.svc.CreateOrder(ctx, f.account.ID, market("BTCUSD", types.OrderSideSell, "0.5"))
	require.NoError(t, err)
	assert.True(t, sell.AverageFillPrice.Equal(d("44977.5")))
}

func TestReduceThenClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.svc.CreateOrder(ctx, f.account.ID, market("BTCUSD", types.OrderSideBuy, "1"))
	require.NoError(t, err)

	f.feed.Set("BTCUSD", d("46000"))
	red, err := f.svc.ReducePosition(ctx, f.account.ID, o.PositionID, d("0.4"), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderReasonReduce, red.Reason)

	pos, err := f.svc.positions.Get(ctx, f.account.ID, o.PositionID)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen())
	assert.True(t, pos.Size.Equal(d("0.6")))
	assert.True(t, pos.EntryPrice.Equal(d("45000")))
	assert.True(t, f.reload(t).MarginUsed.Equal(d("27000")))

	_, err = f.svc.ClosePosition(ctx, f.account.ID, o.PositionID, "")
	require.NoError(t, err)
	pos, err = f.svc.positions.Get(ctx, f.account.ID, o.PositionID)
	require.NoError(t, err)
	require.NotNil(t, pos.RealizedPnL)
	assert.True(t, pos.RealizedPnL.Equal(d("963.6")), pos.RealizedPnL.String())
	assertBalanced(t, f.reload(t))
}

func TestStopLossTriggersExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := market("BTCUSD", types.OrderSideBuy, "1")
	req.StopLoss = dp("44000")
	o, err := f.svc.CreateOrder(ctx, f.account.ID, req)
	require.NoError(t, err)

	var triggered []int
	for i, price := range []string{"45500", "44800", "43900", "43000"} {
		res := f.tick(t, "BTCUSD", price)
		if len(res.Triggered) > 0 {
			triggered = append(triggered, i)
		}
	}
	assert.Equal(t, []int{2}, triggered)

	pos, err := f.svc.positions.Get(ctx, f.account.ID, o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosed, pos.Status)
	assert.Equal(t, types.OrderReasonStopLoss, pos.CloseReason)
	require.NotNil(t, pos.ExitPrice)
	assert.True(t, pos.ExitPrice.Equal(d("43900")))

	all, err := f.svc.ListOrders(ctx, f.account.ID, ListFilter{})
	require.NoError(t, err)
	stops := 0
	for _, o := range all {
		if o.Reason == types.OrderReasonStopLoss {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
	assertBalanced(t, f.reload(t))
}

func TestTakeProfitOnShort(t *testing.T) {
	f := newFixture(t)
	req := market("ETHUSD", types.OrderSideSell, "4")
	req.TakeProfit = dp("2300")
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
	require.NoError(t, err)

	res := f.tick(t, "ETHUSD", "2250")
	require.Len(t, res.Triggered, 1)
	pos, err := f.svc.positions.Get(context.Background(), f.account.ID, o.PositionID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderReasonTakeProfit, pos.CloseReason)
	// (2500 - 2250) * 4 - (4 + 3.6)
	assert.True(t, pos.RealizedPnL.Equal(d("992.4")), pos.RealizedPnL.String())
}

func TestConcurrentOrdersCannotJointlyExceedFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reqs := []OrderRequest{
		market("ETHUSD", types.OrderSideBuy, "20"),
		market("BTCUSD", types.OrderSideBuy, "1.1"),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req OrderRequest) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateOrder(ctx, f.account.ID, req)
		}(i, req)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
			assert.ErrorIs(t, err, apperr.ErrRiskRejected)
		}
	}
	assert.Equal(t, 1, failed, "each order fits alone, both together do not")

	acc := f.reload(t)
	assertBalanced(t, acc)
	open, err := f.svc.ListPositions(ctx, f.account.ID, types.PositionStatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, acc.MarginUsed.Equal(open[0].Margin))
}

func TestFeedDownRejectsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feed.Fail("BTCUSD", errors.New("connection refused"))

	o, err := f.svc.CreateOrder(ctx, f.account.ID, market("BTCUSD", types.OrderSideBuy, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrExternalFeed)
	assert.Equal(t, types.OrderStatusRejected, o.Status)
	assert.Equal(t, RejectPriceUnavailable, o.RejectReason)

	stored, err := f.svc.GetOrder(ctx, f.account.ID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, stored.Status)
	assert.True(t, stored.FilledQuantity.IsZero())

	acc := f.reload(t)
	assert.True(t, acc.AvailableBalance.Equal(d("100000")))
	assert.True(t, acc.MarginUsed.IsZero())
}

func TestRiskRejectionIsPersisted(t *testing.T) {
	f := newFixture(t, withProfile(func(p *model.RiskProfile) { p.MaxAccountRiskPercent = d("2") }))
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, market("ETHUSD", types.OrderSideBuy, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRiskRejected)
	assert.NotErrorIs(t, err, apperr.ErrInsufficientFunds)
	vs := risk.ViolationsOf(err)
	require.Len(t, vs, 1)
	assert.Equal(t, risk.RuleMaxAccountRisk, vs[0].RuleID)
	assert.Equal(t, types.OrderStatusRejected, o.Status)
	assert.Equal(t, RejectRisk, o.RejectReason)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]OrderRequest{
		"no symbol":          {Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1")},
		"bad side":           {Symbol: "BTCUSD", Side: "hold", Type: types.OrderTypeMarket, Quantity: d("1")},
		"zero quantity":      {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket},
		"limit without":      {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("1")},
		"stop without":       {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeStop, Quantity: d("1")},
		"market with price":  {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1"), Price: dp("1")},
		"bad tif":            {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1"), TimeInForce: "forever"},
		"stop above target":  {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1"), StopLoss: dp("50000"), TakeProfit: dp("40000")},
		"expiry in the past": {Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1"), ExpiresAt: &t0},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	all, err := f.svc.ListOrders(context.Background(), f.account.ID, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "invalid orders are never created")

	_, err = f.svc.CreateOrder(context.Background(), "missing", market("BTCUSD", types.OrderSideBuy, "1"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLimitOrderRestsThenFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.svc.CreateOrder(ctx, f.account.ID, limit("BTCUSD", types.OrderSideBuy, "1", "44000"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusNew, o.Status)
	assert.True(t, o.ReservedMargin.Equal(d("44000")))
	acc := f.reload(t)
	assert.True(t, acc.MarginUsed.Equal(d("44000")))
	assertBalanced(t, acc)

	res := f.tick(t, "BTCUSD", "44500")
	assert.Empty(t, res.Filled)

	res = f.tick(t, "BTCUSD", "43900")
	require.Len(t, res.Filled, 1)
	filled := res.Filled[0]
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
	assert.True(t, filled.AverageFillPrice.Equal(d("43900")), "limit fills at the limit or better")
	assert.True(t, filled.ReservedMargin.IsZero())

	acc = f.reload(t)
	assert.True(t, acc.MarginUsed.Equal(d("43900")))
	assert.True(t, acc.CurrentBalance.Equal(d("99982.44")), acc.CurrentBalance.String())
	assertBalanced(t, acc)
}

func TestStopOrderTriggers(t *testing.T) {
	f := newFixture(t)
	req := OrderRequest{Symbol: "BTCUSD", Side: types.OrderSideBuy, Type: types.OrderTypeStop, Quantity: d("1"), StopPrice: dp("46000")}
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusNew, o.Status)
	assert.True(t, o.ReservedMargin.Equal(d("46000")), "an untriggered stop reserves at the stop price")

	assert.Empty(t, f.tick(t, "BTCUSD", "45900").Filled)
	res := f.tick(t, "BTCUSD", "46100")
	require.Len(t, res.Filled, 1)
	assert.True(t, res.Filled[0].StopTriggered)
	assert.True(t, res.Filled[0].AverageFillPrice.Equal(d("46100")))
	assertBalanced(t, f.reload(t))
}

func TestStopLimitArmsThenFills(t *testing.T) {
	f := newFixture(t)
	req := OrderRequest{Symbol: "BTCUSD", Side: types.OrderSideSell, Type: types.OrderTypeStopLimit, Quantity: d("1"), StopPrice: dp("44000"), Price: dp("43800")}
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
	require.NoError(t, err)

	assert.Empty(t, f.tick(t, "BTCUSD", "43500").Filled, "stop hit but below the limit")
	armed, err := f.svc.GetOrder(context.Background(), f.account.ID, o.ID)
	require.NoError(t, err)
	assert.True(t, armed.StopTriggered)
	assert.Equal(t, types.OrderStatusNew, armed.Status)

	res := f.tick(t, "BTCUSD", "43850")
	require.Len(t, res.Filled, 1)
	assert.True(t, res.Filled[0].AverageFillPrice.Equal(d("43850")))
}

func TestIOCNotMarketableIsCanceled(t *testing.T) {
	f := newFixture(t)
	req := limit("BTCUSD", types.OrderSideBuy, "1", "44000")
	req.TimeInForce = types.TimeInForceIOC
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCanceled, o.Status)
	assert.NotNil(t, o.CanceledAt)
	acc := f.reload(t)
	assert.True(t, acc.MarginUsed.IsZero())
	assert.True(t, acc.AvailableBalance.Equal(d("100000")))
}

func TestDayOrderExpires(t *testing.T) {
	f := newFixture(t)
	req := limit("BTCUSD", types.OrderSideBuy, "1", "44000")
	req.TimeInForce = types.TimeInForceDay
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
	require.NoError(t, err)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), *o.ExpiresAt)

	n, err := f.svc.ExpireOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(13 * time.Hour)
	n, err = f.svc.ExpireOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetOrder(context.Background(), f.account.ID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusExpired, got.Status)
	assert.True(t, f.reload(t).MarginUsed.IsZero())
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.svc.CreateOrder(ctx, f.account.ID, limit("BTCUSD", types.OrderSideBuy, "1", "44000"))
	require.NoError(t, err)

	ok, err := f.svc.CancelOrder(ctx, f.account.ID, o.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.CancelOrder(ctx, f.account.ID, o.ID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal orders never transition again")

	got, err := f.svc.GetOrder(ctx, f.account.ID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCanceled, got.Status)
	assert.True(t, got.RemainingQuantity.Equal(got.Quantity.Sub(got.FilledQuantity)))
	assert.True(t, f.reload(t).MarginUsed.IsZero())

	_, err = f.svc.CancelOrder(ctx, "someone-else", o.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	filled, err := f.svc.CreateOrder(ctx, f.account.ID, market("BTCUSD", types.OrderSideBuy, "0.1"))
	require.NoError(t, err)
	ok, err = f.svc.CancelOrder(ctx, f.account.ID, filled.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientOrderIDMustBeUniqueWhileLive(t *testing.T) {
	f := newFixture(t)
	req := limit("BTCUSD", types.OrderSideBuy, "0.1", "44000")
	req.ClientOrderID = "grid-1"
	_, err := f.svc.CreateOrder(context.Background(), f.account.ID, req)
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(context.Background(), f.account.ID, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestInactiveAccountRejectsOrders(t *testing.T) {
	f := newFixture(t)
	_, err := f.accounts.Deactivate(context.Background(), f.account.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(context.Background(), f.account.ID, market("BTCUSD", types.OrderSideBuy, "0.1"))
	assert.ErrorIs(t, err, apperr.ErrInactiveAccount)
}

func TestOutOfOrderTickIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.OnPrice(ctx, "BTCUSD", d("45000"), t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = f.svc.OnPrice(ctx, "BTCUSD", d("44000"), t0)
	assert.ErrorIs(t, err, ErrStaleTick)
	_, err = f.svc.OnPrice(ctx, "BTCUSD", d("0"), t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMarkToMarketFeedsPortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateOrder(ctx, f.account.ID, market("BTCUSD", types.OrderSideBuy, "1"))
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, f.account.ID, limit("ETHUSD", types.OrderSideBuy, "1", "2000"))
	require.NoError(t, err)

	res := f.tick(t, "BTCUSD", "45500")
	assert.Equal(t, 1, res.Marked)

	p, err := f.svc.GetPortfolio(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, p.UnrealizedPnL.Equal(d("500")))
	assert.True(t, p.Equity.Equal(d("100482")))
	assert.True(t, p.MarginUsed.Equal(d("47000")))
	assert.True(t, p.FreeMargin.Equal(d("53482")))
	assert.True(t, p.MarginLevel.Equal(d("213.79")), p.MarginLevel.String())
	assert.Len(t, p.Positions, 1)
	assert.Len(t, p.Orders, 1)

	var priceUpdate *events.PositionUpdate
	for _, e := range f.events.OfType(events.TopicPosition) {
		if u, ok := e.Data.(events.PositionUpdate); ok && !u.PriceChange.IsZero() {
			priceUpdate = &u
		}
	}
	require.NotNil(t, priceUpdate)
	assert.True(t, priceUpdate.PriceChange.Equal(d("500")))
	assert.True(t, priceUpdate.PnLChange.Equal(d("500")))
	assert.NotEmpty(t, f.events.OfType(events.TopicPortfolio))
}

func TestFillEmitsExecutionReport(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.CreateOrder(context.Background(), f.account.ID, market("BTCUSD", types.OrderSideBuy, "1"))
	require.NoError(t, err)

	var report *events.ExecutionReport
	for _, e := range f.events.OfType(events.TopicOrder) {
		if u := e.Data.(events.OrderUpdate); u.Order.ID == o.ID && u.ExecutionReport != nil {
			report = u.ExecutionReport
		}
	}
	require.NotNil(t, report)
	assert.Equal(t, types.OrderStatusFilled, report.Status)
	assert.True(t, report.FillQuantity.Equal(d("1")))
	assert.False(t, report.StalePrice)

	trades := f.events.OfType(events.TopicTrade)
	require.Len(t, trades, 1)
	te := trades[0].Data.(events.TradeExecution)
	assert.Equal(t, o.PositionID, te.Position.ID)
	assert.True(t, te.NewBalance.Equal(d("99982")))
}

// waitLive blocks until the order with the given client id is stored.
func waitLive(t *testing.T, f fixture, clientID string) model.Order {
	t.Helper()
	var found model.Order
	require.Eventually(t, func() bool {
		live, err := f.svc.ListOrders(context.Background(), f.account.ID, ListFilter{Live: true})
		if err != nil {
			return false
		}
		for _, o := range live {
			if o.ClientOrderID == clientID {
				found = o
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return found
}

func TestExecutionDelayDoesNotHoldAccountLock(t *testing.T) {
	f := newFixture(t, withDelay(100*time.Millisecond))
	ctx := context.Background()

	resting, err := f.svc.CreateOrder(ctx, f.account.ID, limit("BTCUSD", types.OrderSideBuy, "0.1", "40000"))
	require.NoError(t, err)

	type result struct {
		order model.Order
		err   error
	}
	submit := func(clientID, qty string) chan result {
		ch := make(chan result, 1)
		req := market("ETHUSD", types.OrderSideBuy, qty)
		req.ClientOrderID = clientID
		go func() {
			o, err := f.svc.CreateOrder(ctx, f.account.ID, req)
			ch <- result{o, err}
		}()
		return ch
	}
	first := submit("first", "1")
	firstOrder := waitLive(t, f, "first")
	second := submit("second", "2")
	waitLive(t, f, "second")

	ok, err := f.svc.CancelOrder(ctx, f.account.ID, resting.ID)
	require.NoError(t, err)
	assert.True(t, ok, "cancel proceeds while fills wait out the delay")

	var results []result
	require.Eventually(t, func() bool {
		f.clock.Advance(50 * time.Millisecond)
		for _, ch := range []chan result{first, second} {
			select {
			case r := <-ch:
				results = append(results, r)
			default:
			}
		}
		return len(results) == 2
	}, 2*time.Second, time.Millisecond)
	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, types.OrderStatusFilled, r.order.Status)
	}

	trades, err := f.repo.ListTrades(ctx, store.TradeFilter{AccountID: f.account.ID})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, firstOrder.ID, trades[0].OrderID, "fills apply in submission order")
}

func TestTickAppliesAcceptedFillsBeforeTriggers(t *testing.T) {
	f := newFixture(t, withDelay(100*time.Millisecond))
	ctx := context.Background()

	submit := func(req OrderRequest) chan model.Order {
		ch := make(chan model.Order, 1)
		go func() {
			o, err := f.svc.CreateOrder(ctx, f.account.ID, req)
			assert.NoError(t, err)
			ch <- o
		}()
		return ch
	}

	open := market("BTCUSD", types.OrderSideBuy, "1")
	open.StopLoss = dp("44000")
	opened := submit(open)
	f.clock.BlockUntil(1)
	f.clock.Advance(100 * time.Millisecond)
	first := <-opened
	require.Equal(t, types.OrderStatusFilled, first.Status)

	added := submit(market("BTCUSD", types.OrderSideBuy, "1"))
	f.clock.BlockUntil(1)

	res, err := f.svc.OnPrice(ctx, "BTCUSD", d("43900"), f.clock.Now())
	require.NoError(t, err)
	require.Len(t, res.Triggered, 1)
	assert.True(t, res.Triggered[0].FilledQuantity.Equal(d("2")), "the stop closes the added size too")

	f.clock.Advance(100 * time.Millisecond)
	add := <-added
	assert.Equal(t, types.OrderStatusFilled, add.Status)
	assert.Equal(t, first.PositionID, add.PositionID)

	trades, err := f.repo.ListTrades(ctx, store.TradeFilter{AccountID: f.account.ID})
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, first.ID, trades[0].OrderID)
	assert.Equal(t, add.ID, trades[1].OrderID)
	assert.Equal(t, res.Triggered[0].ID, trades[2].OrderID)
	assert.Equal(t, types.OrderSideSell, trades[2].Side)

	remaining, err := f.repo.ListPositions(ctx, store.PositionFilter{AccountID: f.account.ID, Status: types.PositionStatusOpen})
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assertBalanced(t, f.reload(t))
}
