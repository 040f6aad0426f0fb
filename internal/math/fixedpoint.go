package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds the exponent an amount may declare.
const MaxDecimals = 36

var ErrPrecisionLoss = errors.New("rescale would lose precision")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
}

var (
	// Standard configs for on-chain amounts
	SizeConfig       = DecimalConfig{DecimalPrecision: 18}
	PriceConfig      = DecimalConfig{DecimalPrecision: 18}
	CollateralConfig = DecimalConfig{DecimalPrecision: 6} // stablecoin collateral
	NotionalConfig   = DecimalConfig{DecimalPrecision: 18}
)

// Scale returns 10^DecimalPrecision.
func (c DecimalConfig) Scale() *big.Int {
	return new(big.Int).Set(pow10(c.DecimalPrecision))
}

// Amount is a fixed-point integer paired with its declared decimal exponent.
// The represented value is Raw / 10^Decimals. Amounts are immutable once built;
// every operation returns a fresh Raw.
type Amount struct {
	Raw      *big.Int
	Decimals int32
}

// NewAmount copies raw so the caller may reuse it.
func NewAmount(raw *big.Int, decimals int32) Amount {
	if raw == nil {
		return Amount{Raw: new(big.Int), Decimals: decimals}
	}
	return Amount{Raw: new(big.Int).Set(raw), Decimals: decimals}
}

// Zero returns 0 at the given exponent.
func Zero(decimals int32) Amount {
	return Amount{Raw: new(big.Int), Decimals: decimals}
}

// FromInt64 builds an amount from a raw integer, e.g. FromInt64(1500, 3) == 1.5.
func FromInt64(raw int64, decimals int32) Amount {
	return Amount{Raw: big.NewInt(raw), Decimals: decimals}
}

// ParseAmount parses a base-10 integer string as the raw value.
func ParseAmount(digits string, decimals int32) (Amount, error) {
	if digits == "" {
		return Amount{}, fmt.Errorf("parse amount: empty value")
	}
	if decimals < 0 || decimals > MaxDecimals {
		return Amount{}, fmt.Errorf("parse amount: decimals %d out of range [0, %d]", decimals, MaxDecimals)
	}
	for i, r := range digits {
		if r == '-' && i == 0 && len(digits) > 1 {
			continue
		}
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("parse amount: invalid digit %q in %q", r, digits)
		}
	}
	raw, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Amount{}, fmt.Errorf("parse amount: invalid integer %q", digits)
	}
	return Amount{Raw: raw, Decimals: decimals}, nil
}

// MustParseAmount panics on malformed input. Intended for tests and constants.
func MustParseAmount(digits string, decimals int32) Amount {
	a, err := ParseAmount(digits, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

// IsValid reports whether the amount carries a value and a sane exponent.
func (a Amount) IsValid() bool {
	return a.Raw != nil && a.Decimals >= 0 && a.Decimals <= MaxDecimals
}

func (a Amount) Sign() int {
	if a.Raw == nil {
		return 0
	}
	return a.Raw.Sign()
}

func (a Amount) IsZero() bool {
	return a.Sign() == 0
}

// Rescale converts to the target exponent. Scaling down fails with
// ErrPrecisionLoss unless the dropped digits are all zero.
func (a Amount) Rescale(target int32) (Amount, error) {
	if !a.IsValid() {
		return Amount{}, fmt.Errorf("rescale: invalid amount")
	}
	if target < 0 || target > MaxDecimals {
		return Amount{}, fmt.Errorf("rescale: decimals %d out of range", target)
	}
	switch {
	case target == a.Decimals:
		return NewAmount(a.Raw, target), nil
	case target > a.Decimals:
		raw := new(big.Int).Mul(a.Raw, pow10(target-a.Decimals))
		return Amount{Raw: raw, Decimals: target}, nil
	default:
		quo := getInt()
		rem := getInt()
		defer putInt(rem)
		quo.QuoRem(a.Raw, pow10(a.Decimals-target), rem)
		if rem.Sign() != 0 {
			putInt(quo)
			return Amount{}, fmt.Errorf("rescale %s to %d decimals: %w", a, target, ErrPrecisionLoss)
		}
		raw := new(big.Int).Set(quo)
		putInt(quo)
		return Amount{Raw: raw, Decimals: target}, nil
	}
}

// Add returns a + b at the larger of the two exponents. Never loses precision.
func (a Amount) Add(b Amount) Amount {
	d := max(a.Decimals, b.Decimals)
	x, y := a.widen(d), b.widen(d)
	return Amount{Raw: x.Add(x, y), Decimals: d}
}

// Sub returns a - b at the larger of the two exponents.
func (a Amount) Sub(b Amount) Amount {
	d := max(a.Decimals, b.Decimals)
	x, y := a.widen(d), b.widen(d)
	return Amount{Raw: x.Sub(x, y), Decimals: d}
}

// Cmp compares the represented values regardless of exponent.
func (a Amount) Cmp(b Amount) int {
	d := max(a.Decimals, b.Decimals)
	return a.widen(d).Cmp(b.widen(d))
}

// Decimal converts for display and PnL math. This is the only exit from
// fixed-point representation.
func (a Amount) Decimal() decimal.Decimal {
	if a.Raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Raw, -a.Decimals)
}

// String renders the exact decimal value, e.g. "1.500000".
func (a Amount) String() string {
	if a.Raw == nil {
		return "<nil>"
	}
	return a.Decimal().StringFixed(a.Decimals)
}

// widen returns a fresh big.Int holding a scaled up to d decimals (d >= a.Decimals).
func (a Amount) widen(d int32) *big.Int {
	out := new(big.Int)
	if a.Raw == nil {
		return out
	}
	out.Set(a.Raw)
	if d > a.Decimals {
		out.Mul(out, pow10(d-a.Decimals))
	}
	return out
}

// --- big.Int helpers ---

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// pow10 table covers every legal exponent; entries are shared and must not be mutated.
var pow10Table = func() [MaxDecimals + 1]*big.Int {
	var t [MaxDecimals + 1]*big.Int
	ten := big.NewInt(10)
	t[0] = big.NewInt(1)
	for i := 1; i <= MaxDecimals; i++ {
		t[i] = new(big.Int).Mul(t[i-1], ten)
	}
	return t
}()

func pow10(n int32) *big.Int {
	if n >= 0 && int(n) < len(pow10Table) {
		return pow10Table[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
