package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Decimal scales used across the engine.
const (
	// WadDecimals is the canonical 18-decimal fixed-point scale used for
	// collateral amounts, debt, USD values, and health factors.
	WadDecimals = 18

	// FeedDecimals is the scale price feeds report in.
	FeedDecimals = 8

	// LiquidationThreshold and LiquidationPrecision together discount
	// collateral to 50% of its market value when measuring solvency.
	LiquidationThreshold = 50
	LiquidationPrecision = 100

	// LiquidationBonus is the percentage of extra collateral a liquidator
	// receives on top of the covered debt, in LiquidationPrecision units.
	LiquidationBonus = 10
)

var (
	// Precision is 10^WadDecimals.
	Precision = exp10(WadDecimals)

	// FeedScale converts a FeedDecimals price into a WadDecimals price.
	FeedScale = exp10(WadDecimals - FeedDecimals)

	thresholdNum = big.NewInt(LiquidationThreshold)
	thresholdDen = big.NewInt(LiquidationPrecision)
	bonusNum     = big.NewInt(LiquidationBonus)
)

var (
	// MinHealthFactor is 1.0 in wad scale: the solvency floor.
	MinHealthFactor = Wad(Precision)

	// MaxHealthFactor is the zero-debt sentinel. Any comparison against a
	// real ratio treats it as infinitely healthy.
	MaxHealthFactor = Wad(maxUint256())
)

func exp10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func maxUint256() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 256)
	return v.Sub(v, big.NewInt(1))
}

// Pooled big.Int for intermediate products in the hot valuation paths.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Quantity is an immutable fixed-point number: an arbitrary-precision
// integer mantissa at a fixed decimal scale. All balances, prices, and
// ratios in the engine are Quantities; mixing scales is a programming
// error and panics.
type Quantity struct {
	m        *big.Int
	decimals uint8
}

// New builds a Quantity from a mantissa at the given scale. The mantissa
// is copied.
func New(mantissa *big.Int, decimals uint8) Quantity {
	return Quantity{m: new(big.Int).Set(mantissa), decimals: decimals}
}

// Wad builds an 18-decimal Quantity from a raw mantissa.
func Wad(mantissa *big.Int) Quantity {
	return New(mantissa, WadDecimals)
}

// WadInt64 builds an 18-decimal Quantity from a raw int64 mantissa.
func WadInt64(mantissa int64) Quantity {
	return Quantity{m: big.NewInt(mantissa), decimals: WadDecimals}
}

// WadUnits builds an 18-decimal Quantity representing whole units,
// i.e. WadUnits(3) == 3e18.
func WadUnits(units int64) Quantity {
	m := new(big.Int).Mul(big.NewInt(units), Precision)
	return Quantity{m: m, decimals: WadDecimals}
}

// ZeroWad is the 18-decimal zero.
func ZeroWad() Quantity {
	return Quantity{m: new(big.Int), decimals: WadDecimals}
}

// ParseWad parses a raw integer mantissa string into an 18-decimal
// Quantity. Used at API and config boundaries.
func ParseWad(s string) (Quantity, error) {
	m, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Quantity{}, fmt.Errorf("fixedpoint: invalid mantissa %q", s)
	}
	return Quantity{m: m, decimals: WadDecimals}, nil
}

// Mantissa returns a copy of the raw mantissa.
func (q Quantity) Mantissa() *big.Int {
	if q.m == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(q.m)
}

// Decimals returns the decimal scale.
func (q Quantity) Decimals() uint8 {
	return q.decimals
}

func (q Quantity) Sign() int {
	if q.m == nil {
		return 0
	}
	return q.m.Sign()
}

func (q Quantity) IsZero() bool {
	return q.Sign() == 0
}

func (q Quantity) IsPositive() bool {
	return q.Sign() > 0
}

func (q Quantity) sameScale(o Quantity) {
	if q.decimals != o.decimals {
		panic(fmt.Sprintf("fixedpoint: scale mismatch %d vs %d", q.decimals, o.decimals))
	}
}

// Cmp compares two Quantities of the same scale.
func (q Quantity) Cmp(o Quantity) int {
	q.sameScale(o)
	return q.ref().Cmp(o.ref())
}

// Add returns q + o.
func (q Quantity) Add(o Quantity) Quantity {
	q.sameScale(o)
	return Quantity{m: new(big.Int).Add(q.ref(), o.ref()), decimals: q.decimals}
}

// Sub returns q - o.
func (q Quantity) Sub(o Quantity) Quantity {
	q.sameScale(o)
	return Quantity{m: new(big.Int).Sub(q.ref(), o.ref()), decimals: q.decimals}
}

// MulDiv returns q * num / den with a full-precision intermediate product
// and truncating division. den must be non-zero.
func (q Quantity) MulDiv(num, den *big.Int) Quantity {
	prod := getInt()
	prod.Mul(q.ref(), num)
	out := new(big.Int).Quo(prod, den)
	putInt(prod)
	return Quantity{m: out, decimals: q.decimals}
}

// MulWad returns q * o / 1e18 for two wad-scale quantities.
func (q Quantity) MulWad(o Quantity) Quantity {
	q.sameScale(o)
	return q.MulDiv(o.ref(), Precision)
}

// DivWad returns q * 1e18 / o for two wad-scale quantities.
func (q Quantity) DivWad(o Quantity) Quantity {
	q.sameScale(o)
	return q.MulDiv(Precision, o.ref())
}

// AdjustForThreshold discounts a USD value by the liquidation threshold:
// value * LiquidationThreshold / LiquidationPrecision.
func (q Quantity) AdjustForThreshold() Quantity {
	return q.MulDiv(thresholdNum, thresholdDen)
}

// BonusOn returns the liquidation bonus portion of q:
// q * LiquidationBonus / LiquidationPrecision.
func (q Quantity) BonusOn() Quantity {
	return q.MulDiv(bonusNum, thresholdDen)
}

// String renders the quantity as a plain decimal, e.g. "20000.5".
func (q Quantity) String() string {
	m := q.ref()
	if q.decimals == 0 {
		return m.String()
	}
	neg := m.Sign() < 0
	abs := new(big.Int).Abs(m)
	scale := exp10(int(q.decimals))
	intPart, fracPart := new(big.Int).QuoRem(abs, scale, new(big.Int))
	frac := strings.TrimRight(fmt.Sprintf("%0*s", q.decimals, fracPart.String()), "0")
	s := intPart.String()
	if frac != "" {
		s = s + "." + frac
	}
	if neg {
		s = "-" + s
	}
	return s
}

func (q Quantity) ref() *big.Int {
	if q.m == nil {
		return new(big.Int)
	}
	return q.m
}
