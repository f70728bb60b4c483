package notify

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
)

func reward(v string) lpmath.RewardEstimate {
	return lpmath.RewardEstimate{EstimatedReward: decimal.RequireFromString(v)}
}

func TestShouldNotify(t *testing.T) {
	policy := NewPolicy(DefaultThreshold)

	assert.True(t, policy.ShouldNotify([]lpmath.RewardEstimate{reward("5"), reward("15")}))
	assert.False(t, policy.ShouldNotify([]lpmath.RewardEstimate{reward("5")}))
	assert.False(t, policy.ShouldNotify(nil))
	// Strictly greater, and never summed.
	assert.False(t, policy.ShouldNotify([]lpmath.RewardEstimate{reward("10")}))
	assert.False(t, policy.ShouldNotify([]lpmath.RewardEstimate{reward("6"), reward("6")}))
	assert.True(t, policy.ShouldNotify([]lpmath.RewardEstimate{reward("10.000001")}))
}

func sampleView() PositionView {
	return PositionView{
		Position: model.Position{
			PositionID:    42,
			PoolAddress:   "0x1111111111111111111111111111111111111111",
			Token0Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Token1Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			TickLower:     -100,
			TickUpper:     100,
		},
		Token0: model.Token{Symbol: "USDC", Decimals: 6},
		Valuation: lpmath.ValuationResult{
			Amount0: decimal.RequireFromString("1500000"),
			Amount1: decimal.RequireFromString("2000000000000000000"),
		},
		Reward: reward("12.5"),
		Status: lpmath.OutOfRange,
	}
}

func TestFormatRewards(t *testing.T) {
	msg := FormatRewards("nile", "NILE", []PositionView{sampleView(), sampleView()})

	assert.Contains(t, msg, "Your Nile rewards")
	assert.Contains(t, msg, "Position #42 (USDC/0xC02a...6Cc2): ~12.5 NILE")
	assert.Contains(t, msg, "Total: ~25 NILE")

	assert.Contains(t, FormatRewards("ra", "", []PositionView{sampleView()}), "reward units")
}

func TestFormatStatusChange(t *testing.T) {
	view := sampleView()
	assert.Equal(t,
		"Your Nile position #42 (USDC/0xC02a...6Cc2) is now out of range. Range: -100 to 100.",
		FormatStatusChange("nile", view))

	view.Status = lpmath.InRange
	assert.Contains(t, FormatStatusChange("nile", view), "is back in range")
}

func TestFormatBurned(t *testing.T) {
	assert.Equal(t,
		"Your Nile position #42 (USDC/0xC02a...6Cc2) no longer exists on chain and is no longer monitored.",
		FormatBurned("nile", sampleView()))
}

func TestFormatPositions(t *testing.T) {
	msg := FormatPositions("cleo", []PositionView{sampleView()})

	assert.True(t, strings.HasPrefix(msg, "Your positions for Cleo:"))
	assert.Contains(t, msg, "USDC - Amount: 1.5\n")
	assert.Contains(t, msg, "0xC02a...6Cc2 - Amount: 2000000000000000000\n")
	assert.Contains(t, msg, "Tick Range: -100 to 100")
	assert.Contains(t, msg, "(out of range)")

	assert.Equal(t, "No positions found for Cleo", FormatPositions("cleo", nil))
}

func TestHelpAndInvalidProtocol(t *testing.T) {
	protocols := []model.Protocol{"cleo", "nile"}
	assert.Contains(t, HelpMessage(protocols), "Available protocols: cleo, nile")
	assert.Equal(t, "Invalid protocol. Available protocols: cleo, nile", InvalidProtocol(protocols))
}

func TestFormatTokenAmount(t *testing.T) {
	tests := []struct {
		raw      string
		decimals uint8
		want     string
	}{
		{"1500000", 6, "1.5"},
		{"1", 18, "0"},
		{"1234567.891", 0, "1234567.891"},
		{"0.0000004", 0, "0"},
	}
	for _, tt := range tests {
		if got := formatTokenAmount(decimal.RequireFromString(tt.raw), tt.decimals); got != tt.want {
			t.Fatalf("formatTokenAmount(%s, %d) = %s, want %s", tt.raw, tt.decimals, got, tt.want)
		}
	}
}
