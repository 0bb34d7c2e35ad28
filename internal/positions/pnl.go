package positions

import (
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// PriceDiff is the per-unit PnL of holding side from entry to price.
func PriceDiff(side types.PositionSide, entry, price decimal.Decimal) decimal.Decimal {
	if side == types.PositionSideShort {
		return entry.Sub(price)
	}
	return price.Sub(entry)
}

func UnrealizedPnL(side types.PositionSide, entry, price, size decimal.Decimal) decimal.Decimal {
	return PriceDiff(side, entry, price).Mul(size)
}

// RealizedPnL is the closed result net of fees:
// LONG (exit - entry) * size - fees, SHORT (entry - exit) * size - fees.
func RealizedPnL(side types.PositionSide, entry, exit, size, fees decimal.Decimal) decimal.Decimal {
	return PriceDiff(side, entry, exit).Mul(size).Sub(fees)
}

// WeightedEntry merges a fill into an existing cost basis.
func WeightedEntry(oldEntry, oldSize, price, qty decimal.Decimal) decimal.Decimal {
	newSize := oldSize.Add(qty)
	if newSize.IsZero() {
		return price
	}
	return oldEntry.Mul(oldSize).Add(price.Mul(qty)).Div(newSize)
}
