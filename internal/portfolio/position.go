package portfolio

import (
	"github.com/shopspring/decimal"

	"openoutcry/pkg/types"
)

// applyFill merges one execution into a position and returns the realized
// P&L delta. Quantity is signed on the position; qty here is always
// positive and side gives the direction.
//
// Extending fills (same sign, or flat) move the average price toward the
// fill price, volume-weighted. Closing fills realize (P - avg) × closed ×
// sign(prior quantity); a fill that crosses zero opens the residual as a
// fresh position at the fill price.
func applyFill(pos *types.Position, side types.Side, price decimal.Decimal, qty int64) decimal.Decimal {
	signed := qty
	if side == types.SELL {
		signed = -qty
	}

	prior := pos.Quantity
	if prior == 0 || sameSign(prior, signed) {
		absPrior := abs64(prior)
		total := pos.AvgPrice.Mul(decimal.NewFromInt(absPrior)).Add(price.Mul(decimal.NewFromInt(qty)))
		pos.AvgPrice = total.Div(decimal.NewFromInt(absPrior + qty))
		pos.Quantity += signed
		return decimal.Zero
	}

	// Closing fill.
	closed := qty
	if ap := abs64(prior); ap < closed {
		closed = ap
	}
	realized := price.Sub(pos.AvgPrice).
		Mul(decimal.NewFromInt(closed)).
		Mul(decimal.NewFromInt(sign64(prior)))
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity += signed

	switch {
	case pos.Quantity == 0:
		pos.AvgPrice = decimal.Zero
	case !sameSign(prior, pos.Quantity):
		// Crossed zero: the residual opens at the fill price.
		pos.AvgPrice = price
	}
	return realized
}

// markPosition refreshes the mark price and unrealized P&L. The formula
// (mark - avg) × quantity is sign-correct for shorts.
func markPosition(pos *types.Position, mark decimal.Decimal) {
	pos.LastMarkPrice = mark
	if pos.Quantity == 0 {
		pos.UnrealizedPnL = decimal.Zero
		return
	}
	pos.UnrealizedPnL = mark.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity))
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
