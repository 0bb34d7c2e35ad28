package orders

import (
	"context"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Portfolio struct {
	AccountID        string           `json:"account_id"`
	Currency         string           `json:"currency"`
	Balance          decimal.Decimal  `json:"balance"`
	AvailableBalance decimal.Decimal  `json:"available_balance"`
	Equity           decimal.Decimal  `json:"equity"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`
	MarginUsed       decimal.Decimal  `json:"margin_used"`
	FreeMargin       decimal.Decimal  `json:"free_margin"`
	MarginLevel      decimal.Decimal  `json:"margin_level"`
	Positions        []model.Position `json:"positions"`
	Orders           []model.Order    `json:"orders"`
	At               time.Time        `json:"at"`
}

// GetPortfolio aggregates the account with its open positions and live
// orders. Margin level is equity over margin used in percent, zero when no
// margin is held.
func (s *Service) GetPortfolio(ctx context.Context, accountID string) (Portfolio, error) {
	const op = "orders.GetPortfolio"
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return Portfolio{}, err
	}
	open, err := s.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: types.PositionStatusOpen})
	if err != nil {
		return Portfolio{}, apperr.Persistence(op, err)
	}
	live, err := s.repo.ListOrders(ctx, store.OrderFilter{AccountID: accountID, Statuses: store.LiveOrderStatuses})
	if err != nil {
		return Portfolio{}, apperr.Persistence(op, err)
	}
	p := Portfolio{
		AccountID:        acc.ID,
		Currency:         acc.Currency,
		Balance:          acc.CurrentBalance,
		AvailableBalance: acc.AvailableBalance,
		RealizedPnL:      acc.RealizedPnL,
		MarginUsed:       acc.MarginUsed,
		Positions:        open,
		Orders:           live,
		At:               s.clock.Now(),
	}
	for _, pos := range open {
		p.UnrealizedPnL = p.UnrealizedPnL.Add(pos.UnrealizedPnL)
	}
	p.Equity = p.Balance.Add(p.UnrealizedPnL)
	p.FreeMargin = p.Equity.Sub(p.MarginUsed)
	if p.MarginUsed.IsPositive() {
		p.MarginLevel = p.Equity.Div(p.MarginUsed).Mul(decimal.NewFromInt(100)).Round(2)
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	if p.Orders == nil {
		p.Orders = []model.Order{}
	}
	return p, nil
}
