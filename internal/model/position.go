package model

import (
	"time"

	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID            string               `json:"id"`
	AccountID     string               `json:"account_id"`
	Symbol        string               `json:"symbol"`
	Side          types.PositionSide   `json:"side"`
	Size          decimal.Decimal      `json:"size"`
	EntryPrice    decimal.Decimal      `json:"entry_price"`
	CurrentPrice  decimal.Decimal      `json:"current_price"`
	UnrealizedPnL decimal.Decimal      `json:"unrealized_pnl"`
	RealizedPnL   *decimal.Decimal     `json:"realized_pnl,omitempty"`
	ReducedPnL    decimal.Decimal      `json:"reduced_pnl"`
	StopLoss      *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal     `json:"take_profit,omitempty"`
	TotalFees     decimal.Decimal      `json:"total_fees"`
	Margin        decimal.Decimal      `json:"margin"`
	Status        types.PositionStatus `json:"status"`
	ExitPrice     *decimal.Decimal     `json:"exit_price,omitempty"`
	CloseReason   types.OrderReason    `json:"close_reason,omitempty"`
	OpenedAt      time.Time            `json:"opened_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	ClosedAt      *time.Time           `json:"closed_at,omitempty"`
}

func (p Position) IsOpen() bool {
	return p.Status == types.PositionStatusOpen
}

// MarkPrice is the last marked price, falling back to entry when the position
// has not been marked yet.
func (p Position) MarkPrice() decimal.Decimal {
	if p.CurrentPrice.GreaterThan(decimal.Zero) {
		return p.CurrentPrice
	}
	return p.EntryPrice
}

func (p Position) Notional() decimal.Decimal {
	return p.MarkPrice().Mul(p.Size)
}

// Trade is an immutable execution record.
type Trade struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	PositionID  string           `json:"position_id"`
	OrderID     string           `json:"order_id"`
	Symbol      string           `json:"symbol"`
	Side        types.OrderSide  `json:"side"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       decimal.Decimal  `json:"price"`
	Commission  decimal.Decimal  `json:"commission"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	ExecutedAt  time.Time        `json:"executed_at"`
}
