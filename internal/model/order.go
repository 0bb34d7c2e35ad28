package model

import (
	"errors"
	"time"

	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderTerminal = errors.New("order is in a terminal state")
	ErrInvalidFill   = errors.New("invalid fill quantity")
)

type Order struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"account_id"`
	ClientOrderID     string            `json:"client_order_id,omitempty"`
	Symbol            string            `json:"symbol"`
	Side              types.OrderSide   `json:"side"`
	Type              types.OrderType   `json:"type"`
	TimeInForce       types.TimeInForce `json:"time_in_force"`
	Status            types.OrderStatus `json:"status"`
	Quantity          decimal.Decimal   `json:"quantity"`
	Price             *decimal.Decimal  `json:"price"`
	StopPrice         *decimal.Decimal  `json:"stop_price"`
	FilledQuantity    decimal.Decimal   `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal   `json:"remaining_quantity"`
	AverageFillPrice  decimal.Decimal   `json:"average_fill_price"`
	Commission        decimal.Decimal   `json:"commission"`
	StopLoss          *decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit        *decimal.Decimal  `json:"take_profit,omitempty"`
	Reason            types.OrderReason `json:"reason"`
	PositionID        string            `json:"position_id,omitempty"`
	ReservedMargin    decimal.Decimal   `json:"reserved_margin"`
	StopTriggered     bool              `json:"stop_triggered"`
	RejectReason      string            `json:"reject_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	FilledAt          *time.Time        `json:"filled_at,omitempty"`
	CanceledAt        *time.Time        `json:"canceled_at,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
}

// ApplyExecution books an execution of qty at price against the order and
// advances its status. remaining = quantity - filled holds afterwards.
func (o *Order) ApplyExecution(qty, price, fee decimal.Decimal, at time.Time) error {
	if o.Status.Terminal() {
		return ErrOrderTerminal
	}
	if !qty.GreaterThan(decimal.Zero) || qty.GreaterThan(o.RemainingQuantity) {
		return ErrInvalidFill
	}
	filled := o.FilledQuantity.Add(qty)
	o.AverageFillPrice = o.AverageFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty)).Div(filled)
	o.FilledQuantity = filled
	o.RemainingQuantity = o.Quantity.Sub(filled)
	o.Commission = o.Commission.Add(fee)
	o.UpdatedAt = at
	if o.RemainingQuantity.IsZero() {
		o.Status = types.OrderStatusFilled
		o.FilledAt = &at
	} else {
		o.Status = types.OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel moves a live order to CANCELED. It is a no-op returning false on a
// terminal order.
func (o *Order) Cancel(at time.Time) bool {
	if o.Status.Terminal() {
		return false
	}
	o.Status = types.OrderStatusCanceled
	o.CanceledAt = &at
	o.UpdatedAt = at
	return true
}

func (o *Order) Reject(reason string, at time.Time) bool {
	if o.Status.Terminal() {
		return false
	}
	o.Status = types.OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = at
	return true
}

func (o *Order) Expire(at time.Time) bool {
	if o.Status.Terminal() {
		return false
	}
	o.Status = types.OrderStatusExpired
	o.UpdatedAt = at
	return true
}

// Expired reports whether a DAY/GTD order has outlived its expiry at now.
func (o Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}
