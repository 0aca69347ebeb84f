package blockchain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a quantity of an asset counted in stroops, the smallest unit of
// the network: 1 KIN = 10,000,000 stroops.
type Amount int64

const (
	StroopsPerKin = 10_000_000
	amountDigits  = 7
)

var stroopScale = decimal.New(1, amountDigits)

// Kin returns the Amount for a whole number of KIN.
func Kin(n int64) Amount {
	return Amount(n * StroopsPerKin)
}

// ParseAmount converts a Horizon decimal string such as "12.3400000" into
// stroops. Values with more than seven fractional digits are rejected.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	scaled := d.Mul(stroopScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: more than %d fractional digits", s, amountDigits)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return Amount(bi.Int64()), nil
}

// Decimal returns the amount in KIN as an exact decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -amountDigits)
}

// String formats the amount in KIN with seven fractional digits, the way
// Horizon does.
func (a Amount) String() string {
	return a.Decimal().StringFixed(amountDigits)
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
