// Package resources describes what a worker offers and what a task asks for.
//
// Quantities are fixed-point integers so that taking a requirement out of a
// capacity and putting it back is an exact identity.
package resources

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// FractionsPerUnit is the resolution of an Amount: one unit (one CPU, one GPU,
// one byte of a sum resource) is split into this many fractions.
const FractionsPerUnit = 10000

// Amount is a resource quantity in 1/FractionsPerUnit steps.
type Amount int64

// Units converts a whole number of units into an Amount.
func Units(n int64) Amount {
	return Amount(n * FractionsPerUnit)
}

// ParseAmount reads a non-negative decimal such as "2", "0.25" or "1.5".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid resource amount %q", s)
	}
	if d.IsNegative() {
		return 0, errors.Errorf("resource amount %q is negative", s)
	}
	scaled := d.Mul(decimal.NewFromInt(FractionsPerUnit))
	if !scaled.IsInteger() {
		return 0, errors.Errorf("resource amount %q is finer than 1/%d", s, FractionsPerUnit)
	}
	return Amount(scaled.IntPart()), nil
}

// Whole returns the number of complete units in a.
func (a Amount) Whole() int64 {
	return int64(a) / FractionsPerUnit
}

// Fraction returns the part of a below one unit.
func (a Amount) Fraction() Amount {
	return a % FractionsPerUnit
}

func (a Amount) String() string {
	return decimal.New(int64(a), -4).String()
}
