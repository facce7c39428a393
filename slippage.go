package yieldsaga

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// MinOutput returns quote * (1 - slippagePercent/100).
func MinOutput(quote, slippagePercent decimal.Decimal) decimal.Decimal {
	return quote.Mul(decimal.NewFromInt(1).Sub(slippagePercent.Div(hundred)))
}

// ValidateSlippage checks that a tolerance is within [0, 100).
func ValidateSlippage(slippagePercent decimal.Decimal) error {
	if slippagePercent.IsNegative() || slippagePercent.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("slippage percent must be in [0, 100), got %s", slippagePercent)
	}
	return nil
}

// SwapFloor combines the floor computed from a quote with an optional caller
// minimum. Both swap directions use the higher, more conservative, value.
func SwapFloor(quote, slippagePercent decimal.Decimal, callerMin *decimal.Decimal) decimal.Decimal {
	floor := MinOutput(quote, slippagePercent)
	if callerMin != nil && callerMin.GreaterThan(floor) {
		return *callerMin
	}
	return floor
}

// Profit returns final - original, clamped at zero.
func Profit(original, final decimal.Decimal) decimal.Decimal {
	delta := final.Sub(original)
	if delta.IsNegative() {
		return decimal.Zero
	}
	return delta
}
