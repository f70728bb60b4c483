package model

import "time"

// Protocol identifies a supported concentrated-liquidity exchange.
type Protocol string

// User is a chat user that tracks positions.
type User struct {
	ID        int64     `json:"id"`
	DiscordID string    `json:"discord_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Position is a tracked NFT liquidity position owned by one user.
type Position struct {
	ID             int64     `json:"id"`
	Protocol       Protocol  `json:"protocol"`
	PositionID     uint64    `json:"position_id"`
	OwnerDiscordID string    `json:"owner_discord_id"`
	PoolAddress    string    `json:"pool_address"`
	Token0Address  string    `json:"token0_address"`
	Token1Address  string    `json:"token1_address"`
	Fee            uint32    `json:"fee"`
	TickLower      int32     `json:"tick_lower"`
	TickUpper      int32     `json:"tick_upper"`
	Liquidity      string    `json:"liquidity"`
	InRange        bool      `json:"in_range"`
	Burned         bool      `json:"burned"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
