/*
This file contains common utility functions for converting between raw
on-chain integer amounts and decimal values, with precision handling.
*/

package utils

import (
	"errors"
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
)

// ScaleRawAmount converts a raw on-chain uint256 amount into a decimal value
// using the asset's precision (e.g. 1_500_000 at 6 decimals -> 1.5).
func ScaleRawAmount(amount *big.Int, decimals int32) (decimal.Decimal, error) {
	if decimals < 0 || decimals > 30 {
		return decimal.Zero, fmt.Errorf("%w: %d (must be between 0 and 30)", ErrInvalidPrecision, decimals)
	}
	if amount == nil {
		return decimal.Zero, ErrAmountNil
	}
	if amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAmountNegative, amount)
	}
	return decimal.NewFromBigInt(amount, -decimals), nil
}

// SharesToDecimal converts a raw share amount into a decimal value at the
// vault's share precision.
func SharesToDecimal(shares sdkmath.Int, decimals int32) (decimal.Decimal, error) {
	if shares.IsNil() {
		return decimal.Zero, ErrAmountNil
	}
	if shares.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAmountNegative, shares)
	}
	return ScaleRawAmount(shares.BigInt(), decimals)
}

// DecimalToShares converts a decimal share amount back to a raw integer at
// the given precision, truncating any sub-unit remainder.
func DecimalToShares(amount decimal.Decimal, decimals int32) (sdkmath.Int, error) {
	if decimals < 0 || decimals > 30 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d (must be between 0 and 30)", ErrInvalidPrecision, decimals)
	}
	if amount.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrAmountNegative, amount)
	}
	raw := amount.Shift(decimals).Truncate(0)
	return sdkmath.NewIntFromBigInt(raw.BigInt()), nil
}
