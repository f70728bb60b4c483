package lpmath

import (
	"math/big"

	"github.com/shopspring/decimal"

	"lpwatch/internal/model"
)

// PoolSnapshot is a point-in-time view of a pool used for one evaluation.
type PoolSnapshot struct {
	CurrentPrice decimal.Decimal
	CurrentTick  int32
	Liquidity    decimal.Decimal

	price *big.Float
}

// NewPoolSnapshot derives a snapshot from raw slot0 and liquidity fields.
func NewPoolSnapshot(state model.PoolState) PoolSnapshot {
	var sqrtPrice *big.Int
	if state.SqrtPriceX96 != nil {
		sqrtPrice = state.SqrtPriceX96.ToBig()
	}
	liquidity := decimal.Zero
	if state.Liquidity != nil {
		liquidity = decimal.NewFromBigInt(state.Liquidity.ToBig(), 0)
	}

	price := sqrtPriceX96Price(sqrtPrice)
	return PoolSnapshot{
		CurrentPrice: floatToDecimal(price),
		CurrentTick:  state.Tick,
		Liquidity:    liquidity,
		price:        price,
	}
}

// SnapshotAtTick builds a snapshot priced exactly at 1.0001^tick.
func SnapshotAtTick(tick int32, liquidity decimal.Decimal) PoolSnapshot {
	price := tickPrice(tick)
	return PoolSnapshot{
		CurrentPrice: floatToDecimal(price),
		CurrentTick:  tick,
		Liquidity:    liquidity,
		price:        price,
	}
}

func (s PoolSnapshot) priceFloat() *big.Float {
	if s.price != nil {
		return s.price
	}
	return decimalToFloat(s.CurrentPrice)
}
