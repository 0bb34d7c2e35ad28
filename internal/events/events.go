package events

import (
	"time"

	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

const (
	TopicAccount   = "account_update"
	TopicOrder     = "order_update"
	TopicPosition  = "position_update"
	TopicTrade     = "trade_execution"
	TopicPortfolio = "portfolio_update"
)

type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	Data      any       `json:"data"`
	At        time.Time `json:"at"`
}

// Sink receives domain events. Publish must not block the caller on delivery.
type Sink interface {
	Publish(evt Event)
}

type Discard struct{}

func (Discard) Publish(Event) {}

type AccountUpdate struct {
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarginLevel   decimal.Decimal `json:"margin_level"`
}

type ExecutionReport struct {
	OrderID      string            `json:"order_id"`
	Status       types.OrderStatus `json:"status"`
	FillPrice    decimal.Decimal   `json:"fill_price"`
	FillQuantity decimal.Decimal   `json:"fill_quantity"`
	MarketPrice  decimal.Decimal   `json:"market_price"`
	Commission   decimal.Decimal   `json:"commission"`
	StalePrice   bool              `json:"stale_price"`
	Reason       types.OrderReason `json:"reason"`
	Message      string            `json:"message,omitempty"`
	ExecutedAt   time.Time         `json:"executed_at"`
}

type OrderUpdate struct {
	Order           model.Order      `json:"order"`
	ExecutionReport *ExecutionReport `json:"execution_report,omitempty"`
}

type PositionUpdate struct {
	Position    model.Position  `json:"position"`
	PriceChange decimal.Decimal `json:"price_change"`
	PnLChange   decimal.Decimal `json:"pnl_change"`
}

type TradeExecution struct {
	Trade      model.Trade     `json:"trade"`
	Position   model.Position  `json:"position"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

type PortfolioSummary struct {
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenPositions int             `json:"open_positions"`
	OpenOrders    int             `json:"open_orders"`
}

type PortfolioUpdate struct {
	Summary PortfolioSummary `json:"summary"`
}
