package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/risk"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// ErrStaleTick is returned by OnPrice for a tick older than the last one
// applied to the symbol.
var ErrStaleTick = errors.New("tick older than the last applied tick")

// TickResult is what one price tick did.
type TickResult struct {
	Symbol    string        `json:"symbol"`
	Price     string        `json:"price"`
	Marked    int           `json:"marked"`
	Triggered []model.Order `json:"triggered"`
	Filled    []model.Order `json:"filled"`
	Expired   int           `json:"expired"`
	Failures  int           `json:"failures"`
}

// OnPrice applies a price tick: it marks open positions in symbol, closes
// positions whose stop-loss or take-profit is hit and executes resting
// orders the price reaches. Ticks for one symbol apply in arrival order;
// an older tick is refused with ErrStaleTick.
//
// Per-account failures are logged and counted; they do not stop the tick
// for other accounts.
func (s *Service) OnPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) (TickResult, error) {
	const op = "orders.OnPrice"
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	res := TickResult{Symbol: symbol, Price: price.String()}
	if !price.IsPositive() {
		return res, apperr.Validation(op, "price must be positive")
	}
	sym := s.symbol(symbol)
	sym.mu.Lock()
	defer sym.mu.Unlock()
	if at.Before(sym.last) {
		return res, fmt.Errorf("%s: %w: %s at %s, last %s", op, ErrStaleTick, symbol, at.Format(time.RFC3339Nano), sym.last.Format(time.RFC3339Nano))
	}
	sym.last = at

	var updates []positions.Update
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		updates, err = s.positions.MarkToMarket(ctx, tx, symbol, price)
		return err
	})
	if err != nil {
		return res, apperr.Persistence(op, err)
	}
	res.Marked = len(updates)
	touched := make(map[string]struct{})
	for _, u := range updates {
		touched[u.Position.AccountID] = struct{}{}
		s.publish(events.TopicPosition, u.Position.AccountID, events.PositionUpdate{
			Position:    u.Position,
			PriceChange: u.PriceChange,
			PnLChange:   u.PnLChange,
		})
	}

	accounts, err := s.exposedAccounts(ctx, symbol)
	if err != nil {
		return res, err
	}
	for _, accountID := range accounts {
		st := s.lock(accountID)
		s.evaluate(ctx, st, accountID, symbol, price, &res)
		st.mu.Unlock()
		touched[accountID] = struct{}{}
	}
	for accountID := range touched {
		s.publishPortfolio(ctx, accountID)
	}
	return res, nil
}

// exposedAccounts lists accounts with an open position or live order in
// symbol, sorted.
func (s *Service) exposedAccounts(ctx context.Context, symbol string) ([]string, error) {
	const op = "orders.OnPrice"
	seen := make(map[string]struct{})
	open, err := s.repo.ListPositions(ctx, store.PositionFilter{Symbol: symbol, Status: types.PositionStatusOpen})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	for _, p := range open {
		seen[p.AccountID] = struct{}{}
	}
	live, err := s.repo.ListOrders(ctx, store.OrderFilter{Symbol: symbol, Statuses: store.LiveOrderStatuses})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	for _, o := range live {
		seen[o.AccountID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// evaluate runs with the account lock held. Fills accepted before the tick
// are applied first so triggers never overtake them. Positions are re-read
// here so a position closed by an earlier tick or order is never triggered
// again.
func (s *Service) evaluate(ctx context.Context, st *accountState, accountID, symbol string, price decimal.Decimal, res *TickResult) {
	s.drain(context.WithoutCancel(ctx), st, nil)
	open, err := s.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Symbol: symbol, Status: types.PositionStatusOpen})
	if err != nil {
		s.log.Error("list positions for triggers", "account_id", accountID, "symbol", symbol, "err", err)
		res.Failures++
		return
	}
	for _, p := range open {
		reason, hit := risk.Trigger(p, price)
		if !hit {
			continue
		}
		o, err := s.closeAt(ctx, p, reason, price)
		if err != nil {
			s.log.Error("trigger close failed", "account_id", accountID, "position_id", p.ID, "reason", reason, "err", err)
			res.Failures++
			continue
		}
		s.log.Info("position closed by trigger", "account_id", accountID, "position_id", p.ID, "reason", reason, "price", price.String())
		res.Triggered = append(res.Triggered, o)
	}

	live, err := s.repo.ListOrders(ctx, store.OrderFilter{AccountID: accountID, Symbol: symbol, Statuses: store.LiveOrderStatuses})
	if err != nil {
		s.log.Error("list resting orders", "account_id", accountID, "symbol", symbol, "err", err)
		res.Failures++
		return
	}
	now := s.clock.Now()
	for _, o := range live {
		if o.Expired(now) {
			if _, changed, err := s.settle(ctx, o.ID, func(o *model.Order, now time.Time) bool { return o.Expire(now) }); err != nil {
				res.Failures++
			} else if changed {
				res.Expired++
			}
			continue
		}
		// Market orders are in flight through CreateOrder.
		if o.Type == types.OrderTypeMarket {
			continue
		}
		armed := o.StopTriggered
		fillPrice, ok := s.marketable(&o, price)
		if !ok {
			if o.StopTriggered && !armed {
				s.arm(ctx, o.ID)
			}
			continue
		}
		filled, err := s.fill(ctx, o.ID, execution{market: price, price: fillPrice, triggered: o.StopTriggered})
		if err != nil {
			res.Failures++
			continue
		}
		res.Filled = append(res.Filled, filled)
	}
}

// closeAt closes p at the tick price without the execution delay; the
// caller holds the account lock.
func (s *Service) closeAt(ctx context.Context, p model.Position, reason types.OrderReason, market decimal.Decimal) (model.Order, error) {
	sub := closing(p, p.Size, reason)
	o := s.newOrder(p.AccountID, sub.OrderRequest, reason, p.ID)
	if err := s.insert(ctx, o, decimal.Zero); err != nil {
		return model.Order{}, err
	}
	s.publishOrder(o, nil)
	return s.fill(ctx, o.ID, execution{market: market, price: s.slipped(o.Side, market)})
}

// arm records that a stop-limit's stop was hit; it now rests as a limit.
func (s *Service) arm(ctx context.Context, orderID string) {
	var out model.Order
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return nil
		}
		o.StopTriggered = true
		o.UpdatedAt = s.clock.Now()
		out = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		s.log.Error("arm stop-limit", "order_id", orderID, "err", err)
		return
	}
	if out.ID != "" {
		s.publishOrder(out, nil)
	}
}

// ExpireOrders expires every DAY and GTD order past its expiry and releases
// its margin.
func (s *Service) ExpireOrders(ctx context.Context) (int, error) {
	live, err := s.repo.ListOrders(ctx, store.OrderFilter{Statuses: store.LiveOrderStatuses})
	if err != nil {
		return 0, apperr.Persistence("orders.ExpireOrders", err)
	}
	now := s.clock.Now()
	n := 0
	var errs []error
	for _, o := range live {
		if !o.Expired(now) {
			continue
		}
		st := s.lock(o.AccountID)
		_, changed, err := s.settle(ctx, o.ID, func(o *model.Order, now time.Time) bool { return o.Expire(now) })
		st.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
			s.log.Info("order expired", "order_id", o.ID, "account_id", o.AccountID)
		}
	}
	return n, errors.Join(errs...)
}

// ActiveSymbols lists symbols with an open position or live order.
func (s *Service) ActiveSymbols(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	open, err := s.repo.ListPositions(ctx, store.PositionFilter{Status: types.PositionStatusOpen})
	if err != nil {
		return nil, apperr.Persistence("orders.ActiveSymbols", err)
	}
	for _, p := range open {
		seen[p.Symbol] = struct{}{}
	}
	live, err := s.repo.ListOrders(ctx, store.OrderFilter{Statuses: store.LiveOrderStatuses})
	if err != nil {
		return nil, apperr.Persistence("orders.ActiveSymbols", err)
	}
	for _, o := range live {
		seen[o.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}
