// Package lpmath implements concentrated-liquidity position math: tick and
// sqrtPriceX96 price conversion, three-region token amounts, the flat reward
// estimate and range classification.
package lpmath

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the mantissa size, in bits, used for intermediate values.
const Precision = 256

var (
	tickBase = mustParseFloat("1.0001")
	q192     = new(big.Int).Lsh(big.NewInt(1), 192)
)

// TickToPrice returns 1.0001^tick.
func TickToPrice(tick int32) decimal.Decimal {
	return floatToDecimal(tickPrice(tick))
}

// SqrtPriceX96ToPrice returns sqrtPriceX96^2 / 2^192.
func SqrtPriceX96ToPrice(sqrtPriceX96 *big.Int) decimal.Decimal {
	return floatToDecimal(sqrtPriceX96Price(sqrtPriceX96))
}

func tickPrice(tick int32) *big.Float {
	exp := int64(tick)
	neg := exp < 0
	if neg {
		exp = -exp
	}

	result := newFloat().SetInt64(1)
	base := newFloat().Set(tickBase)
	for exp > 0 {
		if exp&1 == 1 {
			result.Mul(result, base)
		}
		base.Mul(base, base)
		exp >>= 1
	}
	if neg {
		result.Quo(newFloat().SetInt64(1), result)
	}
	return result
}

// The square is exact; rounding happens once when the ratio is converted.
func sqrtPriceX96Price(sqrtPriceX96 *big.Int) *big.Float {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return newFloat()
	}
	squared := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	return newFloat().SetRat(new(big.Rat).SetFrac(squared, q192))
}

func newFloat() *big.Float {
	return new(big.Float).SetPrec(Precision)
}

func mustParseFloat(value string) *big.Float {
	f, _, err := big.ParseFloat(value, 10, Precision, big.ToNearestEven)
	if err != nil {
		panic(err)
	}
	return f
}

func decimalToFloat(d decimal.Decimal) *big.Float {
	return newFloat().SetRat(d.Rat())
}

// floatToDecimal keeps 40 significant digits.
func floatToDecimal(f *big.Float) decimal.Decimal {
	if f == nil || f.Sign() == 0 {
		return decimal.Zero
	}
	text := strings.Replace(f.Text('g', 40), "e+", "e", 1)
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero
	}
	return d
}
