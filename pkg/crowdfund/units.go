package crowdfund

import (
	"fmt"
	"math/big"
	"strings"
)

var baseUnitsPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// BaseUnits is a non-negative integer amount in the contract's smallest denomination.
// The zero value is zero.
type BaseUnits struct {
	value *big.Int
}

// NewBaseUnits validates and copies a big integer amount.
func NewBaseUnits(raw *big.Int) (BaseUnits, error) {
	if raw == nil {
		return BaseUnits{}, fmt.Errorf("%w: nil value", ErrInvalidAmount)
	}
	if raw.Sign() < 0 {
		return BaseUnits{}, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return BaseUnits{value: new(big.Int).Set(raw)}, nil
}

// BaseUnitsFromUint64 builds an amount from a machine integer.
func BaseUnitsFromUint64(raw uint64) BaseUnits {
	return BaseUnits{value: new(big.Int).SetUint64(raw)}
}

// BigInt returns a copy of the amount.
func (amount BaseUnits) BigInt() *big.Int {
	if amount.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount.value)
}

// IsZero reports whether the amount is zero.
func (amount BaseUnits) IsZero() bool {
	return amount.value == nil || amount.value.Sign() == 0
}

// Cmp compares two amounts.
func (amount BaseUnits) Cmp(other BaseUnits) int {
	return amount.BigInt().Cmp(other.BigInt())
}

// String returns the integer amount in base units.
func (amount BaseUnits) String() string {
	return amount.BigInt().String()
}

// ToBaseUnits parses a positive decimal display amount with at most TokenDecimals fraction digits.
func ToBaseUnits(decimal string) (BaseUnits, error) {
	trimmed := strings.TrimSpace(decimal)
	if trimmed == "" {
		return BaseUnits{}, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	wholePart, fractionPart, _ := strings.Cut(trimmed, ".")
	if wholePart == "" && fractionPart == "" {
		return BaseUnits{}, fmt.Errorf("%w: %q has no digits", ErrInvalidAmount, decimal)
	}
	if !isDigits(wholePart) || !isDigits(fractionPart) {
		return BaseUnits{}, fmt.Errorf("%w: %q is not a plain decimal", ErrInvalidAmount, decimal)
	}
	if len(fractionPart) > TokenDecimals {
		return BaseUnits{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, decimal, TokenDecimals)
	}
	digits := wholePart + fractionPart + strings.Repeat("0", TokenDecimals-len(fractionPart))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return BaseUnits{}, fmt.Errorf("%w: %q", ErrInvalidAmount, decimal)
	}
	if value.Sign() <= 0 {
		return BaseUnits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return BaseUnits{value: value}, nil
}

// ToDecimalString renders base units as a display decimal without rounding.
// Whole amounts keep one fraction digit ("1.0").
func ToDecimalString(amount BaseUnits) string {
	quotient, remainder := new(big.Int).QuoRem(amount.BigInt(), baseUnitsPerToken, new(big.Int))
	fraction := remainder.String()
	fraction = strings.Repeat("0", TokenDecimals-len(fraction)) + fraction
	fraction = strings.TrimRight(fraction, "0")
	if fraction == "" {
		fraction = "0"
	}
	return quotient.String() + "." + fraction
}

func isDigits(value string) bool {
	for _, character := range value {
		if character < '0' || character > '9' {
			return false
		}
	}
	return true
}
