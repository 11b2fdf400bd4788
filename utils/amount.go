package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/paybot/openpay/types"
)

// ValidateAmount parses a user-supplied amount string. The amount must be a
// decimal strictly greater than zero.
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, types.NewValidationError("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, types.NewValidationError("invalid amount format: %q", amount)
	}

	if !dec.IsPositive() {
		return decimal.Zero, types.NewValidationError("amount must be greater than zero")
	}

	return dec, nil
}

// CheckBounds rejects amounts outside [min, max].
func CheckBounds(amount, min, max decimal.Decimal) error {
	if amount.LessThan(min) {
		return types.NewValidationError("amount %s is below the minimum of %s", amount, min)
	}
	if amount.GreaterThan(max) {
		return types.NewValidationError("amount %s exceeds the maximum of %s", amount, max)
	}
	return nil
}

// MinorUnits converts a decimal amount into the integer minor units of an
// asset with the given scale, rounding half away from zero. All arithmetic
// after this point is integer-only.
func MinorUnits(amount decimal.Decimal, scale int) (*big.Int, error) {
	if scale < 0 {
		return nil, types.NewValidationError("asset scale must be non-negative, got %d", scale)
	}

	units := amount.Shift(int32(scale)).Round(0).BigInt()
	if units.Sign() < 0 {
		return nil, types.NewValidationError("amount converts to negative minor units")
	}

	return units, nil
}

// MinorUnitsString renders MinorUnits as the wire encoding.
func MinorUnitsString(amount decimal.Decimal, scale int) (string, error) {
	units, err := MinorUnits(amount, scale)
	if err != nil {
		return "", err
	}
	return units.String(), nil
}

// FromMinorUnits converts an integer minor-unit string back into a decimal at
// the given scale.
func FromMinorUnits(value string, scale int) (decimal.Decimal, error) {
	units := new(big.Int)
	if _, ok := units.SetString(value, 10); !ok {
		return decimal.Zero, types.NewValidationError("invalid minor-unit value: %q", value)
	}
	return decimal.NewFromBigInt(units, -int32(scale)), nil
}

// WireAmount builds the network amount record for a decimal amount in the
// given asset.
func WireAmount(amount decimal.Decimal, assetCode string, scale int) (types.Amount, error) {
	value, err := MinorUnitsString(amount, scale)
	if err != nil {
		return types.Amount{}, err
	}
	return types.Amount{
		Value:      value,
		AssetCode:  assetCode,
		AssetScale: scale,
	}, nil
}

// FormatAmount renders an amount for user-facing summaries, e.g. "10.50 USD".
func FormatAmount(amount decimal.Decimal, assetCode string, scale int) string {
	return fmt.Sprintf("%s %s", amount.StringFixed(int32(scale)), assetCode)
}
