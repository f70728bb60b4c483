package lpmath

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrInvalidRange is matched by every InvalidRangeError.
var ErrInvalidRange = errors.New("invalid tick range")

// InvalidRangeError reports a zero or negative width tick range.
type InvalidRangeError struct {
	TickLower int32
	TickUpper int32
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid tick range [%d, %d)", e.TickLower, e.TickUpper)
}

func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

// PositionRange is the valuation input taken from a position.
type PositionRange struct {
	TickLower int32
	TickUpper int32
	Liquidity decimal.Decimal
}

// ValidateRange fails unless tickLower < tickUpper.
func ValidateRange(tickLower, tickUpper int32) error {
	if tickLower >= tickUpper {
		return &InvalidRangeError{TickLower: tickLower, TickUpper: tickUpper}
	}
	return nil
}

// ValuationResult holds the token amounts of a position at the snapshot price.
type ValuationResult struct {
	Amount0 decimal.Decimal `json:"amount0"`
	Amount1 decimal.Decimal `json:"amount1"`
}

// Valuate computes token0/token1 amounts for a position against a pool snapshot.
//
// Below the range the position is all token0, above it all token1, and inside
// it is split at the current price.
func Valuate(pos PositionRange, snap PoolSnapshot) (ValuationResult, error) {
	if err := ValidateRange(pos.TickLower, pos.TickUpper); err != nil {
		return ValuationResult{}, err
	}

	lower := tickPrice(pos.TickLower)
	upper := tickPrice(pos.TickUpper)
	if lower.Cmp(upper) == 0 {
		return ValuationResult{}, &InvalidRangeError{TickLower: pos.TickLower, TickUpper: pos.TickUpper}
	}

	liquidity := decimalToFloat(pos.Liquidity)
	price := snap.priceFloat()
	sqrtLower := newFloat().Sqrt(lower)
	sqrtUpper := newFloat().Sqrt(upper)

	switch {
	case price.Cmp(lower) < 0:
		amount0 := mul(liquidity, sub(inverse(sqrtLower), inverse(sqrtUpper)))
		return ValuationResult{Amount0: floatToDecimal(amount0), Amount1: decimal.Zero}, nil
	case price.Cmp(upper) > 0:
		amount1 := mul(liquidity, sub(sqrtUpper, sqrtLower))
		return ValuationResult{Amount0: decimal.Zero, Amount1: floatToDecimal(amount1)}, nil
	default:
		sqrtPrice := newFloat().Sqrt(price)
		amount0 := mul(liquidity, sub(inverse(sqrtPrice), inverse(sqrtUpper)))
		amount1 := mul(liquidity, sub(sqrtPrice, sqrtLower))
		return ValuationResult{Amount0: floatToDecimal(amount0), Amount1: floatToDecimal(amount1)}, nil
	}
}

func inverse(x *big.Float) *big.Float {
	return newFloat().Quo(newFloat().SetInt64(1), x)
}

func sub(a, b *big.Float) *big.Float {
	return newFloat().Sub(a, b)
}

func mul(a, b *big.Float) *big.Float {
	return newFloat().Mul(a, b)
}
