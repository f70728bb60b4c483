package lpmath

import "github.com/shopspring/decimal"

// DefaultRewardRate is the flat share of token amounts reported as reward.
var DefaultRewardRate = decimal.RequireFromString("0.01")

// RewardEstimate is an approximate reward derived from a valuation.
type RewardEstimate struct {
	EstimatedReward decimal.Decimal `json:"estimated_reward"`
	Token0Reward    decimal.Decimal `json:"token0_reward"`
	Token1Reward    decimal.Decimal `json:"token1_reward"`
}

// EstimateReward applies rate to each token amount and to their sum.
// This is not protocol emission accounting.
func EstimateReward(v ValuationResult, rate decimal.Decimal) RewardEstimate {
	return RewardEstimate{
		EstimatedReward: v.Amount0.Add(v.Amount1).Mul(rate),
		Token0Reward:    v.Amount0.Mul(rate),
		Token1Reward:    v.Amount1.Mul(rate),
	}
}
