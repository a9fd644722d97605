package state

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// parseDecimal converts a NUMERIC column value into an exact decimal.
func parseDecimal(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", value, err)
	}
	return d, nil
}

// parseShares converts a NUMERIC(78,0) column value into a raw share integer.
func parseShares(value string) (sdkmath.Int, error) {
	shares, ok := sdkmath.NewIntFromString(value)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("invalid share amount %q", value)
	}
	return shares, nil
}
