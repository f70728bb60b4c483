package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
)

// GenericFailure is the only error text chat users ever see.
const GenericFailure = "Something went wrong, please try again later."

const displayPlaces = 6

// PositionView is a tracked position together with its live valuation.
type PositionView struct {
	Position  model.Position
	Token0    model.Token
	Token1    model.Token
	Valuation lpmath.ValuationResult
	Reward    lpmath.RewardEstimate
	Status    lpmath.RangeStatus
}

// FormatRewards renders one reward summary for a user and protocol.
func FormatRewards(protocol model.Protocol, rewardToken string, views []PositionView) string {
	unit := rewardToken
	if unit == "" {
		unit = "reward units"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your %s rewards are ready to claim:\n\n", DisplayName(protocol))
	total := decimal.Zero
	for _, v := range views {
		total = total.Add(v.Reward.EstimatedReward)
		fmt.Fprintf(&b, "Position #%d (%s/%s): ~%s %s\n",
			v.Position.PositionID,
			tokenLabel(v.Token0, v.Position.Token0Address),
			tokenLabel(v.Token1, v.Position.Token1Address),
			v.Reward.EstimatedReward.Round(displayPlaces).String(),
			unit,
		)
	}
	fmt.Fprintf(&b, "\nTotal: ~%s %s", total.Round(displayPlaces).String(), unit)
	return b.String()
}

// FormatStatusChange renders a range transition for one position.
func FormatStatusChange(protocol model.Protocol, v PositionView) string {
	verb := "is back in range"
	if !v.Status.InRange() {
		verb = "is now out of range"
	}
	return fmt.Sprintf("Your %s position #%d (%s/%s) %s. Range: %d to %d.",
		DisplayName(protocol),
		v.Position.PositionID,
		tokenLabel(v.Token0, v.Position.Token0Address),
		tokenLabel(v.Token1, v.Position.Token1Address),
		verb,
		v.Position.TickLower,
		v.Position.TickUpper,
	)
}

// FormatBurned tells the owner a position vanished from chain and was dropped.
func FormatBurned(protocol model.Protocol, v PositionView) string {
	return fmt.Sprintf("Your %s position #%d (%s/%s) no longer exists on chain and is no longer monitored.",
		DisplayName(protocol),
		v.Position.PositionID,
		tokenLabel(v.Token0, v.Position.Token0Address),
		tokenLabel(v.Token1, v.Position.Token1Address),
	)
}

// FormatPositions renders the balance view.
func FormatPositions(protocol model.Protocol, views []PositionView) string {
	if len(views) == 0 {
		return NoPositions(protocol)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your positions for %s:\n\n", DisplayName(protocol))
	for _, v := range views {
		fmt.Fprintf(&b, "Position #%d (%s)\n", v.Position.PositionID, v.Status)
		fmt.Fprintf(&b, "Pool: %s\n", v.Position.PoolAddress)
		fmt.Fprintf(&b, "%s - Amount: %s\n",
			tokenLabel(v.Token0, v.Position.Token0Address), formatTokenAmount(v.Valuation.Amount0, v.Token0.Decimals))
		fmt.Fprintf(&b, "%s - Amount: %s\n",
			tokenLabel(v.Token1, v.Position.Token1Address), formatTokenAmount(v.Valuation.Amount1, v.Token1.Decimals))
		fmt.Fprintf(&b, "Tick Range: %d to %d\n\n", v.Position.TickLower, v.Position.TickUpper)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NoPositions is the balance reply for a protocol without tracked positions.
func NoPositions(protocol model.Protocol) string {
	return fmt.Sprintf("No positions found for %s", DisplayName(protocol))
}

// InvalidProtocol lists the protocols a user can pick from.
func InvalidProtocol(protocols []model.Protocol) string {
	return "Invalid protocol. Available protocols: " + joinProtocols(protocols)
}

// HelpMessage lists chat commands.
func HelpMessage(protocols []model.Protocol) string {
	return strings.Join([]string{
		"Available commands:",
		"!balance [protocol] - Check your balance for a specific protocol",
		"!track [protocol] [position id] - Start monitoring a position",
		"!untrack [protocol] [position id] - Stop monitoring a position",
		"!untrackall - Stop monitoring all of your positions",
		"!help - Show this help message",
		"",
		"Available protocols: " + joinProtocols(protocols),
	}, "\n")
}

// DisplayName capitalizes a protocol name for messages.
func DisplayName(protocol model.Protocol) string {
	name := string(protocol)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func joinProtocols(protocols []model.Protocol) string {
	names := make([]string, len(protocols))
	for i, p := range protocols {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func tokenLabel(token model.Token, address string) string {
	if token.Symbol != "" {
		return token.Symbol
	}
	return shortAddress(address)
}

func shortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// formatTokenAmount scales a raw amount by the token's decimals.
func formatTokenAmount(value decimal.Decimal, decimals uint8) string {
	if decimals > 0 {
		value = value.Shift(-int32(decimals))
	}
	return value.Round(displayPlaces).String()
}
