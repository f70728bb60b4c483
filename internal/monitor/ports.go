package monitor

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"lpwatch/internal/model"
)

var (
	// ErrUpstreamUnavailable wraps the last RPC or storage error once retries are exhausted.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotificationDeliveryFailed marks a direct message that could not be sent.
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
	// ErrAlreadyRunning is returned by Run when another Run is active.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// Store is the persistence the scheduler reads and updates.
type Store interface {
	ListUsers(ctx context.Context) ([]model.User, error)
	ListTrackedPositions(ctx context.Context, discordID string, protocol model.Protocol) ([]model.Position, error)
	UpdatePositionStatus(ctx context.Context, id int64, inRange bool) error
	MarkBurned(ctx context.Context, id int64) error
	GetToken(ctx context.Context, address string) (model.Token, error)
}

// ChainReader reads live position and pool state.
type ChainReader interface {
	GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.ChainPosition, error)
	GetPoolSnapshot(ctx context.Context, protocol model.Protocol, pool common.Address) (model.PoolState, error)
}

// Notifier delivers a direct message to a chat user.
type Notifier interface {
	SendDirectMessage(ctx context.Context, discordID, text string) error
}
