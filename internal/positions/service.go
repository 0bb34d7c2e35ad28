// Package positions is the position ledger: it merges fills into positions,
// marks them to market and realizes PnL on close.
package positions

import (
	"context"
	"errors"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Service struct {
	repo  store.Repository
	clock clock.Clock
}

func NewService(repo store.Repository, clk clock.Clock) *Service {
	return &Service{repo: repo, clock: clk}
}

// Fill is one execution handed to the ledger by the order simulator.
type Fill struct {
	AccountID string
	OrderID   string
	Symbol    string
	Side      types.OrderSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Fee       decimal.Decimal
	Reason    types.OrderReason
	// MarginRate is the fraction of notional held as margin (1 / leverage).
	MarginRate decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

type FillResult struct {
	// Position is the open position after the fill, or the closed one when
	// the fill flattened the account in this symbol.
	Position model.Position
	// Closed is set when the fill closed a position.
	Closed *model.Position
	Trades []model.Trade
	// GrossPnL is the price PnL realized by this fill, before fees. It is
	// non-zero only when a position closed.
	GrossPnL decimal.Decimal
	// MarginDelta is the change of margin held by positions.
	MarginDelta decimal.Decimal
}

// Touched lists every position the fill changed, closed first.
func (r FillResult) Touched() []model.Position {
	if r.Closed != nil && r.Closed.ID != r.Position.ID {
		return []model.Position{*r.Closed, r.Position}
	}
	return []model.Position{r.Position}
}

// ApplyFill merges f into the account's open position for the symbol.
//
// Same side grows the position at the volume-weighted entry. Opposite side
// smaller than the position reduces it, holding the slice's gross PnL until
// close. Opposite side at least the position size closes it and opens the
// remainder, if any, as a new position on the fill's side.
func (s *Service) ApplyFill(ctx context.Context, tx store.Tx, f Fill) (FillResult, error) {
	const op = "positions.ApplyFill"
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return FillResult{}, apperr.Validation(op, "fill quantity and price must be positive")
	}
	if f.Fee.IsNegative() {
		return FillResult{}, apperr.Validation(op, "fee must not be negative")
	}
	open, err := s.openPosition(ctx, tx, f.AccountID, f.Symbol)
	if err != nil {
		return FillResult{}, apperr.Persistence(op, err)
	}
	now := s.clock.Now()

	if open == nil {
		pos, trade := s.newPosition(f, f.Quantity, f.Fee, now)
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return FillResult{}, apperr.Persistence(op, err)
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return FillResult{}, apperr.Persistence(op, err)
		}
		return FillResult{Position: pos, Trades: []model.Trade{trade}, MarginDelta: pos.Margin}, nil
	}

	pos := *open
	if pos.Side == f.Side.PositionSide() {
		addMargin := f.Price.Mul(f.Quantity).Mul(f.MarginRate)
		pos.EntryPrice = WeightedEntry(pos.EntryPrice, pos.Size, f.Price, f.Quantity)
		pos.Size = pos.Size.Add(f.Quantity)
		pos.TotalFees = pos.TotalFees.Add(f.Fee)
		pos.Margin = pos.Margin.Add(addMargin)
		if f.StopLoss != nil {
			pos.StopLoss = f.StopLoss
		}
		if f.TakeProfit != nil {
			pos.TakeProfit = f.TakeProfit
		}
		s.remark(&pos, f.Price, now)
		trade := newTrade(f, pos.ID, f.Quantity, f.Fee, nil, now)
		if err := s.persist(ctx, tx, pos, trade); err != nil {
			return FillResult{}, apperr.Persistence(op, err)
		}
		return FillResult{Position: pos, Trades: []model.Trade{trade}, MarginDelta: addMargin}, nil
	}

	if f.Quantity.LessThan(pos.Size) {
		released := pos.Margin.Mul(f.Quantity).Div(pos.Size)
		pos.ReducedPnL = pos.ReducedPnL.Add(PriceDiff(pos.Side, pos.EntryPrice, f.Price).Mul(f.Quantity))
		pos.Size = pos.Size.Sub(f.Quantity)
		pos.TotalFees = pos.TotalFees.Add(f.Fee)
		pos.Margin = pos.Margin.Sub(released)
		s.remark(&pos, f.Price, now)
		trade := newTrade(f, pos.ID, f.Quantity, f.Fee, nil, now)
		if err := s.persist(ctx, tx, pos, trade); err != nil {
			return FillResult{}, apperr.Persistence(op, err)
		}
		return FillResult{Position: pos, Trades: []model.Trade{trade}, MarginDelta: released.Neg()}, nil
	}

	closeQty := pos.Size
	closeFee := f.Fee
	remainder := f.Quantity.Sub(closeQty)
	if remainder.IsPositive() {
		closeFee = f.Fee.Mul(closeQty).Div(f.Quantity)
	}
	gross := PriceDiff(pos.Side, pos.EntryPrice, f.Price).Mul(closeQty).Add(pos.ReducedPnL)
	released := pos.Margin
	pos.TotalFees = pos.TotalFees.Add(closeFee)
	realized := gross.Sub(pos.TotalFees)
	exit := f.Price
	pos.Status = types.PositionStatusClosed
	pos.CurrentPrice = f.Price
	pos.UnrealizedPnL = decimal.Zero
	pos.RealizedPnL = &realized
	pos.ExitPrice = &exit
	pos.Margin = decimal.Zero
	pos.CloseReason = f.Reason
	pos.UpdatedAt = now
	pos.ClosedAt = &now
	closeTrade := newTrade(f, pos.ID, closeQty, closeFee, &realized, now)
	if err := s.persist(ctx, tx, pos, closeTrade); err != nil {
		return FillResult{}, apperr.Persistence(op, err)
	}
	res := FillResult{
		Position:    pos,
		Trades:      []model.Trade{closeTrade},
		GrossPnL:    gross,
		MarginDelta: released.Neg(),
	}
	closed := pos
	res.Closed = &closed
	if remainder.IsPositive() {
		flip, trade := s.newPosition(f, remainder, f.Fee.Sub(closeFee), now)
		if err := tx.InsertPosition(ctx, flip); err != nil {
			return FillResult{}, apperr.Persistence(op, err)
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return FillResult{}, apperr.Persistence(op, err)
		}
		res.Position = flip
		res.Trades = append(res.Trades, trade)
		res.MarginDelta = res.MarginDelta.Add(flip.Margin)
	}
	return res, nil
}

// Update is a position whose mark moved.
type Update struct {
	Position    model.Position
	PriceChange decimal.Decimal
	PnLChange   decimal.Decimal
}

// MarkToMarket revalues every open position in symbol at price and returns
// those whose mark changed.
func (s *Service) MarkToMarket(ctx context.Context, tx store.Tx, symbol string, price decimal.Decimal) ([]Update, error) {
	const op = "positions.MarkToMarket"
	if !price.IsPositive() {
		return nil, apperr.Validation(op, "price must be positive")
	}
	open, err := tx.ListPositions(ctx, store.PositionFilter{Symbol: symbol, Status: types.PositionStatusOpen})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	now := s.clock.Now()
	var out []Update
	for _, p := range open {
		if p.CurrentPrice.Equal(price) {
			continue
		}
		prevPrice := p.MarkPrice()
		prevPnL := p.UnrealizedPnL
		s.remark(&p, price, now)
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return nil, apperr.Persistence(op, err)
		}
		out = append(out, Update{
			Position:    p,
			PriceChange: price.Sub(prevPrice),
			PnLChange:   p.UnrealizedPnL.Sub(prevPnL),
		})
	}
	return out, nil
}

// UpdateProtection replaces the stop-loss and take-profit of an open
// position. Nil clears a level.
func (s *Service) UpdateProtection(ctx context.Context, tx store.Tx, accountID, positionID string, stopLoss, takeProfit *decimal.Decimal) (model.Position, error) {
	const op = "positions.UpdateProtection"
	pos, err := tx.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Position{}, apperr.NotFound(op, "position", positionID)
		}
		return model.Position{}, apperr.Persistence(op, err)
	}
	if pos.AccountID != accountID {
		return model.Position{}, apperr.NotFound(op, "position", positionID)
	}
	if !pos.IsOpen() {
		return model.Position{}, apperr.Validation(op, "position %s is closed", positionID)
	}
	if err := ValidateProtection(pos.Side, stopLoss, takeProfit); err != nil {
		return model.Position{}, err
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	pos.UpdatedAt = s.clock.Now()
	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return model.Position{}, apperr.Persistence(op, err)
	}
	return pos, nil
}

// ValidateProtection checks the levels are positive and on the right sides
// of each other for the position side.
func ValidateProtection(side types.PositionSide, stopLoss, takeProfit *decimal.Decimal) error {
	const op = "positions.ValidateProtection"
	if stopLoss != nil && !stopLoss.IsPositive() {
		return apperr.Validation(op, "stop_loss must be positive")
	}
	if takeProfit != nil && !takeProfit.IsPositive() {
		return apperr.Validation(op, "take_profit must be positive")
	}
	if stopLoss == nil || takeProfit == nil {
		return nil
	}
	if side == types.PositionSideLong && !stopLoss.LessThan(*takeProfit) {
		return apperr.Validation(op, "long stop_loss must be below take_profit")
	}
	if side == types.PositionSideShort && !stopLoss.GreaterThan(*takeProfit) {
		return apperr.Validation(op, "short stop_loss must be above take_profit")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, accountID, positionID string) (model.Position, error) {
	pos, err := s.repo.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Position{}, apperr.NotFound("positions.Get", "position", positionID)
		}
		return model.Position{}, apperr.Persistence("positions.Get", err)
	}
	if pos.AccountID != accountID {
		return model.Position{}, apperr.NotFound("positions.Get", "position", positionID)
	}
	return pos, nil
}

func (s *Service) List(ctx context.Context, accountID string, status types.PositionStatus) ([]model.Position, error) {
	out, err := s.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: status})
	if err != nil {
		return nil, apperr.Persistence("positions.List", err)
	}
	return out, nil
}

func (s *Service) openPosition(ctx context.Context, tx store.Tx, accountID, symbol string) (*model.Position, error) {
	open, err := tx.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Symbol: symbol, Status: types.PositionStatusOpen})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	p := open[0]
	return &p, nil
}

func (s *Service) newPosition(f Fill, qty, fee decimal.Decimal, now time.Time) (model.Position, model.Trade) {
	pos := model.Position{
		ID:           model.NewID(),
		AccountID:    f.AccountID,
		Symbol:       f.Symbol,
		Side:         f.Side.PositionSide(),
		Size:         qty,
		EntryPrice:   f.Price,
		CurrentPrice: f.Price,
		StopLoss:     f.StopLoss,
		TakeProfit:   f.TakeProfit,
		TotalFees:    fee,
		Margin:       f.Price.Mul(qty).Mul(f.MarginRate),
		Status:       types.PositionStatusOpen,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	return pos, newTrade(f, pos.ID, qty, fee, nil, now)
}

func (s *Service) remark(p *model.Position, price decimal.Decimal, now time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = UnrealizedPnL(p.Side, p.EntryPrice, price, p.Size)
	p.UpdatedAt = now
}

func (s *Service) persist(ctx context.Context, tx store.Tx, p model.Position, t model.Trade) error {
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return err
	}
	return tx.InsertTrade(ctx, t)
}

func newTrade(f Fill, positionID string, qty, fee decimal.Decimal, realized *decimal.Decimal, now time.Time) model.Trade {
	return model.Trade{
		ID:          model.NewID(),
		AccountID:   f.AccountID,
		PositionID:  positionID,
		OrderID:     f.OrderID,
		Symbol:      f.Symbol,
		Side:        f.Side,
		Quantity:    qty,
		Price:       f.Price,
		Commission:  fee,
		RealizedPnL: realized,
		ExecutedAt:  now,
	}
}
