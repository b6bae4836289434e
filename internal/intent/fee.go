package intent

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const bpsDenominator = 10_000

// Fee computes the platform fee on a raw amount with integer floor
// arithmetic, so two independent computations of the same order always agree
// exactly. Rounding down means fees accrue to the platform.
func Fee(amountRaw *big.Int, feeBps int64) *big.Int {
	fee := new(big.Int).Mul(amountRaw, big.NewInt(feeBps))
	return fee.Div(fee, big.NewInt(bpsDenominator))
}

// BuyerTotal is the raw amount the buyer must authorize: amount plus fee.
func BuyerTotal(amountRaw *big.Int, feeBps int64) *big.Int {
	return new(big.Int).Add(amountRaw, Fee(amountRaw, feeBps))
}

// RawUnits scales a human amount into the token's integer unit. The scaled
// value must be exactly integral; a sub-raw-unit remainder is a validation
// error, never silently rounded.
func RawUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := amount.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %s does not fit %d decimals: %w", amount, decimals, ErrValidation)
	}
	raw := scaled.BigInt()
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", ErrValidation)
	}
	return raw, nil
}

// MinorUnits scales a human fiat amount into minor units (two decimal
// places, e.g. naira to kobo).
func MinorUnits(amount decimal.Decimal) (int64, error) {
	scaled := amount.Shift(2)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-minor-unit precision: %w", amount, ErrValidation)
	}
	if !scaled.BigInt().IsInt64() || scaled.IntPart() <= 0 {
		return 0, fmt.Errorf("amount %s out of range: %w", amount, ErrValidation)
	}
	return scaled.IntPart(), nil
}
