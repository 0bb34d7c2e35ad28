package types

type OrderSide string

type OrderType string

type OrderStatus string

type TimeInForce string

type PositionSide string

type PositionStatus string

type BalanceDeltaKind string

type OrderReason string

type Severity string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
	TimeInForceDay TimeInForce = "day"
)

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

const (
	// BalanceDeltaPnL moves current, available and realized PnL together.
	BalanceDeltaPnL BalanceDeltaKind = "pnl"
	// BalanceDeltaMargin moves margin used against available balance.
	BalanceDeltaMargin BalanceDeltaKind = "margin"
)

const (
	OrderReasonManual      OrderReason = "manual"
	OrderReasonStopLoss    OrderReason = "stop_loss"
	OrderReasonTakeProfit  OrderReason = "take_profit"
	OrderReasonManualClose OrderReason = "manual_close"
	OrderReasonEmergency   OrderReason = "emergency_stop"
	OrderReasonReduce      OrderReason = "reduce"
	OrderReasonLiquidation OrderReason = "liquidation"
)

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSide maps a fill side to the side of the position it opens.
func (s OrderSide) PositionSide() PositionSide {
	if s == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// ClosingSide is the order side that reduces a position of this side.
func (s PositionSide) ClosingSide() OrderSide {
	if s == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceDay:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Blocking reports whether a violation of this severity rejects an order.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}
