package domain

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of fractional digits carried by an Amount.
// One whole token is 10^AmountDecimals units.
const AmountDecimals = 6

// MaxAmount is the saturation ceiling for balances and pools.
const MaxAmount = Amount(math.MaxUint64)

// Amount is a non-negative fixed-point quantity in micro-units. All ledger
// arithmetic on amounts saturates instead of wrapping.
type Amount uint64

// Tokens returns an Amount of n whole tokens, saturating at MaxAmount.
func Tokens(n uint64) Amount {
	hi, lo := bits.Mul64(n, 1_000_000)
	if hi != 0 {
		return MaxAmount
	}
	return Amount(lo)
}

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a == 0 }

// SaturatingAdd returns a+b clamped to MaxAmount.
func (a Amount) SaturatingAdd(b Amount) Amount {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return MaxAmount
	}
	return Amount(sum)
}

// SaturatingSub returns a-b clamped to zero.
func (a Amount) SaturatingSub(b Amount) Amount {
	if b >= a {
		return 0
	}
	return a - b
}

// MulDiv returns floor(a*b/d) computed with a 256-bit intermediate. A zero
// divisor yields zero; a quotient above MaxAmount saturates.
func MulDiv(a, b, d Amount) Amount {
	if d == 0 {
		return 0
	}
	x := uint256.NewInt(uint64(a))
	y := uint256.NewInt(uint64(b))
	z := uint256.NewInt(uint64(d))

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow || !q.IsUint64() {
		return MaxAmount
	}
	return Amount(q.Uint64())
}

// Decimal returns the amount expressed in whole tokens.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -AmountDecimals)
}

// String renders the amount in whole tokens, e.g. "12.5".
func (a Amount) String() string {
	return a.Decimal().String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

var maxAmountDecimal = MaxAmount.Decimal()

// ParseAmount parses a decimal token quantity such as "100" or "0.25".
// Negative values, more than AmountDecimals fractional digits, and values
// above MaxAmount are rejected.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q: must not be negative", s)
	}
	units := d.Shift(AmountDecimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %q: more than %d decimal places", s, AmountDecimals)
	}
	if d.GreaterThan(maxAmountDecimal) {
		return 0, fmt.Errorf("amount %q: exceeds maximum %s", s, maxAmountDecimal)
	}
	return Amount(units.BigInt().Uint64()), nil
}
