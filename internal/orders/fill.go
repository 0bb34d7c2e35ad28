package orders

import (
	"context"
	"errors"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// execution is the price context of one fill. market is the observed price
// commission is charged on; price is what the order fills at.
type execution struct {
	market    decimal.Decimal
	price     decimal.Decimal
	stale     bool
	triggered bool
}

// slipped moves price against the trader by the slippage rate.
func (s *Service) slipped(side types.OrderSide, price decimal.Decimal) decimal.Decimal {
	adj := price.Mul(s.cfg.SlippageRate)
	if side == types.OrderSideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func stopHit(side types.OrderSide, stop, market decimal.Decimal) bool {
	if side == types.OrderSideBuy {
		return market.GreaterThanOrEqual(stop)
	}
	return market.LessThanOrEqual(stop)
}

// marketable reports whether o executes at market and at what price. A stop
// that is hit arms the order: stops turn into market orders, stop-limits
// into limits. Limits fill at the limit price or better.
func (s *Service) marketable(o *model.Order, market decimal.Decimal) (decimal.Decimal, bool) {
	switch o.Type {
	case types.OrderTypeMarket:
		return s.slipped(o.Side, market), true
	case types.OrderTypeStop:
		if !o.StopTriggered && !stopHit(o.Side, *o.StopPrice, market) {
			return decimal.Zero, false
		}
		o.StopTriggered = true
		return s.slipped(o.Side, market), true
	case types.OrderTypeStopLimit:
		if !o.StopTriggered {
			if !stopHit(o.Side, *o.StopPrice, market) {
				return decimal.Zero, false
			}
			o.StopTriggered = true
		}
	}
	limit := *o.Price
	fill := s.slipped(o.Side, market)
	if o.Side == types.OrderSideBuy {
		if market.GreaterThan(limit) {
			return decimal.Zero, false
		}
		return decimal.Min(fill, limit), true
	}
	if market.LessThan(limit) {
		return decimal.Zero, false
	}
	return decimal.Max(fill, limit), true
}

// fill executes the remaining quantity of an order in one transaction:
// position, balance and order change together or not at all. Orders that
// became terminal meanwhile are returned untouched. A closing order whose
// position shrank fills what is left and cancels the rest.
func (s *Service) fill(ctx context.Context, orderID string, ex execution) (model.Order, error) {
	var (
		out      model.Order
		res      positions.FillResult
		qty, fee decimal.Decimal
		balance  decimal.Decimal
		filled   bool
	)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		out = o
		if o.Status.Terminal() {
			return nil
		}
		now := s.clock.Now()
		qty = o.RemainingQuantity
		if o.PositionID != "" && o.FilledQuantity.IsZero() {
			pos, err := tx.GetPosition(ctx, o.PositionID)
			if err != nil {
				return err
			}
			if !pos.IsOpen() {
				o.Cancel(now)
				out = o
				return tx.UpdateOrder(ctx, o)
			}
			qty = decimal.Min(qty, pos.Size)
		}
		fee = qty.Mul(ex.market).Mul(s.cfg.CommissionRate)
		res, err = s.positions.ApplyFill(ctx, tx, positions.Fill{
			AccountID:  o.AccountID,
			OrderID:    o.ID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Price:      ex.price,
			Quantity:   qty,
			Fee:        fee,
			Reason:     o.Reason,
			MarginRate: s.risk.MarginRate(),
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
		})
		if err != nil {
			return err
		}
		// Released margin is credited before a loss is debited so the
		// negative balance clamp sees the whole available balance.
		margin := res.MarginDelta.Sub(o.ReservedMargin)
		if margin.IsNegative() {
			if _, err := s.ledger.ApplyBalanceDelta(ctx, tx, o.AccountID, types.BalanceDeltaMargin, margin); err != nil {
				return err
			}
		}
		lr, err := s.ledger.ApplyBalanceDelta(ctx, tx, o.AccountID, types.BalanceDeltaPnL, res.GrossPnL.Sub(fee))
		if err != nil {
			return err
		}
		balance = lr.Account.CurrentBalance
		if margin.IsPositive() {
			if _, err := s.ledger.ApplyBalanceDelta(ctx, tx, o.AccountID, types.BalanceDeltaMargin, margin); err != nil {
				return err
			}
		}
		o.ReservedMargin = decimal.Zero
		if ex.triggered {
			o.StopTriggered = true
		}
		if err := o.ApplyExecution(qty, ex.price, fee, now); err != nil {
			return err
		}
		if o.RemainingQuantity.IsPositive() {
			o.Cancel(now)
		}
		if o.PositionID == "" {
			o.PositionID = res.Position.ID
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		filled = true
		return nil
	})
	if err != nil {
		s.log.Error("fill failed", "order_id", orderID, "err", err)
		if rejected, _, rerr := s.settle(ctx, orderID, func(o *model.Order, now time.Time) bool {
			return o.Reject(RejectFillFailed, now)
		}); rerr == nil {
			out = rejected
		}
		if errors.Is(err, store.ErrNotFound) {
			return out, apperr.NotFound("orders.fill", "order", orderID)
		}
		return out, apperr.Persistence("orders.fill", err)
	}
	if !filled {
		if out.Status == types.OrderStatusCanceled {
			s.publishOrder(out, nil)
		}
		return out, nil
	}

	s.publishOrder(out, &events.ExecutionReport{
		OrderID:      out.ID,
		Status:       out.Status,
		FillPrice:    ex.price,
		FillQuantity: qty,
		MarketPrice:  ex.market,
		Commission:   fee,
		StalePrice:   ex.stale,
		Reason:       out.Reason,
		ExecutedAt:   out.UpdatedAt,
	})
	touched := res.Touched()
	for _, t := range res.Trades {
		for _, p := range touched {
			if p.ID == t.PositionID {
				s.publish(events.TopicTrade, out.AccountID, events.TradeExecution{Trade: t, Position: p, NewBalance: balance})
			}
		}
	}
	for _, p := range touched {
		s.publish(events.TopicPosition, out.AccountID, events.PositionUpdate{Position: p})
	}
	s.publishPortfolio(ctx, out.AccountID)
	s.log.Info("order filled",
		"order_id", out.ID,
		"account_id", out.AccountID,
		"symbol", out.Symbol,
		"side", out.Side,
		"qty", qty.String(),
		"price", ex.price.String(),
		"fee", fee.String(),
		"reason", out.Reason,
		"stale", ex.stale,
	)
	return out, nil
}

// settle applies a terminal transition to a live order and releases its
// reserved margin in the same transaction. changed is false when the
// transition did not apply.
func (s *Service) settle(ctx context.Context, orderID string, transition func(o *model.Order, now time.Time) bool) (model.Order, bool, error) {
	const op = "orders.settle"
	var (
		out     model.Order
		changed bool
	)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound(op, "order", orderID)
			}
			return err
		}
		out = o
		if !transition(&o, s.clock.Now()) {
			return nil
		}
		if o.ReservedMargin.IsPositive() {
			if _, err := s.ledger.ApplyBalanceDelta(ctx, tx, o.AccountID, types.BalanceDeltaMargin, o.ReservedMargin.Neg()); err != nil {
				return err
			}
			o.ReservedMargin = decimal.Zero
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		changed = true
		return nil
	})
	if err != nil {
		return model.Order{}, false, apperr.Persistence(op, err)
	}
	if changed {
		s.publishOrder(out, nil)
	}
	return out, changed, nil
}

func (s *Service) publish(topic, accountID string, data any) {
	s.sink.Publish(events.Event{Type: topic, AccountID: accountID, Data: data, At: s.clock.Now()})
}

func (s *Service) publishOrder(o model.Order, report *events.ExecutionReport) {
	s.publish(events.TopicOrder, o.AccountID, events.OrderUpdate{Order: o, ExecutionReport: report})
}

// publishPortfolio emits the account and portfolio summaries. Failures only
// cost an event.
func (s *Service) publishPortfolio(ctx context.Context, accountID string) {
	p, err := s.GetPortfolio(ctx, accountID)
	if err != nil {
		s.log.Warn("portfolio snapshot", "account_id", accountID, "err", err)
		return
	}
	s.publish(events.TopicAccount, accountID, events.AccountUpdate{
		Balance:       p.Balance,
		Equity:        p.Equity,
		UnrealizedPnL: p.UnrealizedPnL,
		MarginLevel:   p.MarginLevel,
	})
	s.publish(events.TopicPortfolio, accountID, events.PortfolioUpdate{Summary: events.PortfolioSummary{
		Equity:        p.Equity,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		OpenPositions: len(p.Positions),
		OpenOrders:    len(p.Orders),
	}})
}
