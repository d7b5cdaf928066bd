package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	SourceCurrency = "USDC"
	DestCurrency   = "ZMW"

	// RateKwachaPerUSDC is the fixed server-side rate. Requests keep the amount
	// computed at creation even if this value changes.
	RateKwachaPerUSDC = "26.5"

	// Places is the number of fractional digits kept for stored amounts.
	Places = 2

	// MinExponent, MaxExponent and MaxDigits bound the decimal representation
	// accepted as input. Comparing or rescaling a decimal costs time
	// proportional to its exponent, so the bounds are checked before any
	// arithmetic.
	MinExponent = -18
	MaxExponent = 15
	MaxDigits   = 40
)

var ErrInvalidAmount = errors.New("money: invalid amount")

var (
	rate = decimal.RequireFromString(RateKwachaPerUSDC)

	// MaxSourceAmount keeps converted amounts inside NUMERIC(20,2).
	MaxSourceAmount = decimal.New(1, 15)
)

func Rate() decimal.Decimal {
	return rate
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(Places)
}

// Convert returns round2(source × rate) using the unrounded source amount.
func Convert(source decimal.Decimal) decimal.Decimal {
	return Round2(source.Mul(rate))
}

// ParseAmount parses a base-10 decimal string such as "10" or "10.25".
// It does not check the sign; callers decide what range is acceptable.
// Input outside the CheckBounds window is rejected.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if len(raw) > 2*MaxDigits {
		return decimal.Decimal{}, fmt.Errorf("%w: too long", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := CheckBounds(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// CheckBounds rejects values whose exponent lies outside
// [MinExponent, MaxExponent] or whose coefficient has more than MaxDigits
// digits. It does no arithmetic on v.
func CheckBounds(v decimal.Decimal) error {
	exp := v.Exponent()
	if exp < MinExponent {
		return fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, -MinExponent)
	}
	if exp > MaxExponent {
		return fmt.Errorf("%w: exponent %d above %d", ErrInvalidAmount, exp, MaxExponent)
	}
	if v.NumDigits() > MaxDigits {
		return fmt.Errorf("%w: more than %d significant digits", ErrInvalidAmount, MaxDigits)
	}
	return nil
}

// Format renders v with exactly two fractional digits.
func Format(v decimal.Decimal) string {
	return v.StringFixed(Places)
}
