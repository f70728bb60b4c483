package model

import "github.com/holiman/uint256"

// ChainPosition is the raw position state returned by a position manager.
type ChainPosition struct {
	PositionID uint64       `json:"position_id"`
	Token0     string       `json:"token0"`
	Token1     string       `json:"token1"`
	Fee        uint32       `json:"fee"`
	TickLower  int32        `json:"tick_lower"`
	TickUpper  int32        `json:"tick_upper"`
	Liquidity  *uint256.Int `json:"liquidity"`
}

// PoolState is the raw slot0/liquidity read of a pool.
type PoolState struct {
	Address      string       `json:"address"`
	SqrtPriceX96 *uint256.Int `json:"sqrt_price_x96"`
	Tick         int32        `json:"tick"`
	Liquidity    *uint256.Int `json:"liquidity"`
}
