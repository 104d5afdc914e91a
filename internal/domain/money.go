package domain

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

const (
	// maxAmountLen bounds the raw input before it is parsed.
	maxAmountLen = 64
	// Any amount that fits int64 has at most 19 significant digits, and
	// comparing decimals costs time proportional to the exponent gap.
	maxAmountDigits   = 19
	maxAmountExponent = 18
)

// inRange reports whether d is small enough to be compared and converted
// cheaply. Values outside it can never be a valid amount.
func inRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	if exp > maxAmountExponent || exp < -maxAmountExponent {
		return false
	}
	digits := len(new(big.Int).Abs(d.Coefficient()).String())
	return digits <= maxAmountDigits
}

// ParseAmount parses an untrusted numeric value (a JSON number or a quoted
// numeric string) into a decimal. Anything that is not a finite number is an
// InvalidAmount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimSuffix(s, `"`), `"`)
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxAmountLen {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, Wrap(ErrInvalidAmount, err)
	}
	if !inRange(d) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// MinorUnits converts a requested amount into ledger units. The amount must be
// strictly positive, integral and representable as int64.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	if !inRange(amount) || !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(0)) {
		return 0, ErrInvalidAmount
	}
	if amount.GreaterThan(maxMinorUnits) {
		return 0, ErrInvalidAmount
	}
	return amount.IntPart(), nil
}

// CanCredit reports whether adding amount to balance stays within int64.
func CanCredit(balance, amount int64) bool {
	return balance <= math.MaxInt64-amount
}
