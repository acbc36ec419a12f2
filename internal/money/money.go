// Package money provides fixed-point CHF amount parsing, formatting and
// arithmetic.
//
// Amounts are stored as int64 in the smallest unit with 6 decimal places
// (1 CHF = 1,000,000 units). This keeps fee intermediates like 0.972 exact
// without floating point anywhere in a money path.
package money

import (
	"errors"
	"fmt"
	"strings"
)

const Decimals = 6

// unitsPerFranc is the scale factor for one whole currency unit.
const unitsPerFranc = 1_000_000

// nickelStep is 0.05 CHF in smallest units, the rounding granularity for
// invoice totals (rappen rounding).
const nickelStep = 50_000

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidRate   = errors.New("rate must be between 0 and 1")
)

// Amount is a CHF amount in smallest units (6 decimal places).
type Amount int64

// Rate is a fractional factor in [0, 1], stored with 6 decimal places
// (1.0 = 1,000,000). Used for commission, protection and VAT rates.
type Rate int64

// Parse converts a decimal string (e.g. "1.50") to an Amount (1500000).
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (Amount, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var units int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, ErrInvalidAmount
		}
		units = units*10 + int64(c-'0')
	}
	return Amount(units), nil
}

// MustParse is Parse for constants in tests and config defaults.
// Panics on invalid input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic("money: invalid amount " + s)
	}
	return a
}

// FromRappen converts whole rappen (cents) to an Amount.
func FromRappen(rappen int64) Amount {
	return Amount(rappen * unitsPerFranc / 100)
}

// Rappen returns the amount in whole rappen (cents), truncating any
// sub-rappen remainder. Amounts crossing the processor boundary are
// nickel-rounded first, so truncation never loses value there.
func (a Amount) Rappen() int64 {
	return int64(a) / (unitsPerFranc / 100)
}

// String formats the amount with exactly 2 decimal places when the
// sub-rappen part is zero, otherwise with all 6 (e.g. "0.972000").
func (a Amount) String() string {
	if a%(unitsPerFranc/100) == 0 {
		return fmt.Sprintf("%d.%02d", int64(a)/unitsPerFranc, (int64(a)%unitsPerFranc)/(unitsPerFranc/100))
	}
	return fmt.Sprintf("%d.%06d", int64(a)/unitsPerFranc, int64(a)%unitsPerFranc)
}

// ParseRate converts a decimal string in [0,1] (e.g. "0.081") to a Rate.
func ParseRate(s string) (Rate, error) {
	a, err := Parse(s)
	if err != nil {
		return 0, ErrInvalidRate
	}
	if a > unitsPerFranc {
		return 0, ErrInvalidRate
	}
	return Rate(a), nil
}

// MustParseRate is ParseRate that panics on invalid input.
func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic("money: invalid rate " + s)
	}
	return r
}

// MulRate multiplies an amount by a rate, truncating toward zero.
// Truncation applies only to fee intermediates; totals are rounded up
// separately via RoundUpToNickel.
func (a Amount) MulRate(r Rate) Amount {
	return Amount(int64(a) * int64(r) / unitsPerFranc)
}

// RoundUpToNickel rounds an amount up to the nearest 0.05 CHF
// (ceil(x*20)/20). Totals are never rounded down: the platform absorbs
// nothing, the payer covers the rounding step.
func (a Amount) RoundUpToNickel() Amount {
	if a <= 0 {
		return 0
	}
	return Amount((int64(a) + nickelStep - 1) / nickelStep * nickelStep)
}

// Clamp bounds a to [lo, hi].
func (a Amount) Clamp(lo, hi Amount) Amount {
	if a < lo {
		return lo
	}
	if a > hi {
		return hi
	}
	return a
}
