package orders

import (
	"context"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/risk"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// ClosePosition closes an open position at market. The closing order skips
// the pre-trade check and is tagged with reason.
func (s *Service) ClosePosition(ctx context.Context, accountID, positionID string, reason types.OrderReason) (model.Order, error) {
	pos, err := s.openPosition(ctx, accountID, positionID)
	if err != nil {
		return model.Order{}, err
	}
	if reason == "" {
		reason = types.OrderReasonManualClose
	}
	return s.submit(ctx, accountID, closing(pos, pos.Size, reason))
}

// ReducePosition shrinks an open position by qty at market. A qty at least
// the position size closes it.
func (s *Service) ReducePosition(ctx context.Context, accountID, positionID string, qty decimal.Decimal, reason types.OrderReason) (model.Order, error) {
	if !qty.IsPositive() {
		return model.Order{}, apperr.Validation("orders.ReducePosition", "quantity must be positive")
	}
	pos, err := s.openPosition(ctx, accountID, positionID)
	if err != nil {
		return model.Order{}, err
	}
	if reason == "" {
		reason = types.OrderReasonReduce
	}
	return s.submit(ctx, accountID, closing(pos, decimal.Min(qty, pos.Size), reason))
}

func closing(pos model.Position, qty decimal.Decimal, reason types.OrderReason) submission {
	return submission{
		OrderRequest: OrderRequest{
			Symbol:      pos.Symbol,
			Side:        pos.Side.ClosingSide(),
			Type:        types.OrderTypeMarket,
			Quantity:    qty,
			TimeInForce: types.TimeInForceIOC,
		},
		reason:     reason,
		positionID: pos.ID,
		bypassRisk: true,
	}
}

func (s *Service) openPosition(ctx context.Context, accountID, positionID string) (model.Position, error) {
	pos, err := s.positions.Get(ctx, accountID, positionID)
	if err != nil {
		return model.Position{}, err
	}
	if !pos.IsOpen() {
		return model.Position{}, apperr.Validation("orders.ClosePosition", "position %s is already closed", positionID)
	}
	return pos, nil
}

// UpdatePositionProtection replaces the stop-loss and take-profit levels of
// an open position. The next tick evaluates them.
func (s *Service) UpdatePositionProtection(ctx context.Context, accountID, positionID string, stopLoss, takeProfit *decimal.Decimal) (model.Position, error) {
	st := s.lock(accountID)
	defer st.mu.Unlock()
	var out model.Position
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.positions.UpdateProtection(ctx, tx, accountID, positionID, stopLoss, takeProfit)
		return err
	})
	if err != nil {
		return model.Position{}, apperr.Persistence("orders.UpdatePositionProtection", err)
	}
	s.publish(events.TopicPosition, accountID, events.PositionUpdate{Position: out})
	return out, nil
}

func (s *Service) ListPositions(ctx context.Context, accountID string, status types.PositionStatus) ([]model.Position, error) {
	return s.positions.List(ctx, accountID, status)
}

var _ risk.Executor = (*Service)(nil)
