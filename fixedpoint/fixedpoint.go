// Package fixedpoint implements WAD (1e18) fixed-point fractions on 256-bit
// unsigned integers. Every division rounds toward zero.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of decimal places of a WAD fraction.
const Decimals = 18

var (
	// unit is 1.0 in WAD. It MUST NOT be modified; use One for a mutable copy.
	unit = uint256.NewInt(1_000_000_000_000_000_000)

	// ErrDivisionByZero is returned when a denominator is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrFractionTooLarge is returned when a fraction exceeds 1.0 where that is not allowed.
	ErrFractionTooLarge = errors.New("fixedpoint: fraction exceeds one unit")
	// ErrInvalidDecimal is returned when a decimal string cannot be parsed.
	ErrInvalidDecimal = errors.New("fixedpoint: invalid decimal")
)

// One returns a fresh 1.0.
func One() *uint256.Int {
	return new(uint256.Int).Set(unit)
}

// Percent returns p% as a WAD fraction.
func Percent(p uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(p), uint256.NewInt(10_000_000_000_000_000))
}

// MulDiv returns floor(x*y/d) using a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulFrac returns floor(x*frac/1.0).
func MulFrac(x, frac *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, frac, unit)
}

// Frac returns floor(num*1.0/den), the fraction num/den in WAD.
func Frac(num, den *uint256.Int) (*uint256.Int, error) {
	return MulDiv(num, unit, den)
}

// Complement returns 1.0 - frac.
func Complement(frac *uint256.Int) (*uint256.Int, error) {
	if frac.Gt(unit) {
		return nil, ErrFractionTooLarge
	}
	return new(uint256.Int).Sub(unit, frac), nil
}

// IsFraction reports whether v is within [0, 1.0].
func IsFraction(v *uint256.Int) bool {
	return !v.Gt(unit)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// Sum returns the sum of values, failing on overflow.
func Sum(values []*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, v := range values {
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, ErrOverflow
		}
	}
	return total, nil
}

// Parse converts a decimal string such as "0.05" or "12" into WAD. Digits
// beyond 18 decimal places are truncated.
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidDecimal
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Decimals {
		fracPart = fracPart[:Decimals]
	}
	fracPart += strings.Repeat("0", Decimals-len(fracPart))

	digits := strings.TrimLeft(intPart+fracPart, "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a WAD value as a decimal string without trailing zeros.
func Format(v *uint256.Int) string {
	if v == nil {
		return "<nil>"
	}
	q, r := new(uint256.Int).DivMod(v, unit, new(uint256.Int))
	if r.IsZero() {
		return q.Dec()
	}
	frac := r.Dec()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}
