// Package notify decides when a user is pinged and renders chat messages.
package notify

import (
	"github.com/shopspring/decimal"

	"lpwatch/internal/lpmath"
)

// DefaultThreshold is the reward, in reward-token units, above which a user is notified.
var DefaultThreshold = decimal.NewFromInt(10)

// Policy is the reward notification rule.
type Policy struct {
	Threshold decimal.Decimal
}

// NewPolicy returns a policy with the given threshold.
func NewPolicy(threshold decimal.Decimal) Policy {
	return Policy{Threshold: threshold}
}

// ShouldNotify is true iff any single estimate strictly exceeds the threshold.
// Rewards are not summed across positions.
func (p Policy) ShouldNotify(rewards []lpmath.RewardEstimate) bool {
	for _, r := range rewards {
		if r.EstimatedReward.GreaterThan(p.Threshold) {
			return true
		}
	}
	return false
}
