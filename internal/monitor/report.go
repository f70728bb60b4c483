package monitor

import (
	"time"

	"lpwatch/internal/model"
)

// UnitResult is the outcome of one user and protocol pair in a cycle.
type UnitResult struct {
	DiscordID        string
	Protocol         model.Protocol
	Positions        int
	Evaluated        int
	Burned           int
	StatusChanges    int
	RewardNotified   bool
	DeliveryFailures int
	PositionErrors   []error
	Err              error
}

// Failed reports whether the unit or any of its positions failed.
func (u UnitResult) Failed() bool {
	return u.Err != nil || len(u.PositionErrors) > 0
}

func (u UnitResult) outcome() string {
	switch {
	case u.Err != nil:
		return "error"
	case len(u.PositionErrors) > 0:
		return "partial"
	case u.Positions == 0:
		return "empty"
	default:
		return "ok"
	}
}

// CycleReport aggregates every unit of one cycle.
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Users      int
	Units      []UnitResult
	Err        error
}

// FailedUnits counts units with any failure.
func (r CycleReport) FailedUnits() int {
	n := 0
	for _, u := range r.Units {
		if u.Failed() {
			n++
		}
	}
	return n
}

func (r CycleReport) StatusChanges() int {
	n := 0
	for _, u := range r.Units {
		n += u.StatusChanges
	}
	return n
}

func (r CycleReport) RewardNotifications() int {
	n := 0
	for _, u := range r.Units {
		if u.RewardNotified {
			n++
		}
	}
	return n
}

// Unit returns the result for a user and protocol pair.
func (r CycleReport) Unit(discordID string, protocol model.Protocol) (UnitResult, bool) {
	for _, u := range r.Units {
		if u.DiscordID == discordID && u.Protocol == protocol {
			return u, true
		}
	}
	return UnitResult{}, false
}
