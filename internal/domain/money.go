package domain

import "github.com/shopspring/decimal"

// Cents is a monetary amount in minor units. All internal arithmetic uses
// Cents; decimal dollars exist only at provider payload boundaries.
type Cents int64

var hundred = decimal.NewFromInt(100)

// Dollars converts to a two-place decimal dollar amount.
func (c Cents) Dollars() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Dollars().StringFixed(2)
}

// MulRate multiplies by a fractional rate and rounds half-up to the cent.
func (c Cents) MulRate(rate decimal.Decimal) Cents {
	return Cents(decimal.NewFromInt(int64(c)).Mul(rate).Round(0).IntPart())
}

// CentsFromDollars rounds a decimal dollar amount half-up to the cent.
func CentsFromDollars(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// ParseDollars parses a dollar string such as "12.345" into Cents.
func ParseDollars(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return CentsFromDollars(d), nil
}

func MinCents(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

func MaxCents(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}
