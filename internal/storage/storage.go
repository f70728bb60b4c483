package storage

import (
	"context"
	"errors"

	"lpwatch/internal/model"
)

var (
	// ErrNotFound is returned when a user, position or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a position is already tracked.
	ErrAlreadyExists = errors.New("already exists")
)

// Store persists users, tracked positions and token metadata.
//
// List methods return non-burned positions only. An empty protocol in
// ListTrackedPositions matches every protocol. Token addresses are matched
// exactly, so callers pass checksummed hex.
type Store interface {
	EnsureUser(ctx context.Context, discordID string) (model.User, error)
	GetUser(ctx context.Context, discordID string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	InsertPosition(ctx context.Context, pos model.Position) (model.Position, error)
	GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.Position, error)
	ListPositions(ctx context.Context) ([]model.Position, error)
	ListTrackedPositions(ctx context.Context, discordID string, protocol model.Protocol) ([]model.Position, error)
	UpdatePositionStatus(ctx context.Context, id int64, inRange bool) error
	MarkBurned(ctx context.Context, id int64) error
	RemovePosition(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) error
	RemoveAllPositions(ctx context.Context, discordID string) (int64, error)

	UpsertToken(ctx context.Context, token model.Token) error
	GetToken(ctx context.Context, address string) (model.Token, error)

	Close()
}
