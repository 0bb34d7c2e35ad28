package risk

import (
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// Trigger reports whether price hits the stop-loss or take-profit of an
// open position. Closed positions never trigger. Stop-loss wins when both
// levels are crossed at once.
func Trigger(p model.Position, price decimal.Decimal) (types.OrderReason, bool) {
	if !p.IsOpen() || !price.IsPositive() {
		return "", false
	}
	long := p.Side == types.PositionSideLong
	if p.StopLoss != nil {
		if (long && price.LessThanOrEqual(*p.StopLoss)) || (!long && price.GreaterThanOrEqual(*p.StopLoss)) {
			return types.OrderReasonStopLoss, true
		}
	}
	if p.TakeProfit != nil {
		if (long && price.GreaterThanOrEqual(*p.TakeProfit)) || (!long && price.LessThanOrEqual(*p.TakeProfit)) {
			return types.OrderReasonTakeProfit, true
		}
	}
	return "", false
}
