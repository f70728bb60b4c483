// Package storagetest holds behavior checks shared by every Store backend.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lpwatch/internal/model"
	"lpwatch/internal/storage"
)

// Run exercises a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("positions", func(t *testing.T) { testPositions(t, newStore(t)) })
	t.Run("status and burn", func(t *testing.T) { testStatusAndBurn(t, newStore(t)) })
	t.Run("remove", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
}

// SamplePosition returns an insertable position owned by discordID.
func SamplePosition(discordID string, protocol model.Protocol, positionID uint64) model.Position {
	return model.Position{
		Protocol:       protocol,
		PositionID:     positionID,
		OwnerDiscordID: discordID,
		PoolAddress:    "0x1111111111111111111111111111111111111111",
		Token0Address:  "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa",
		Token1Address:  "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
		Fee:            3000,
		TickLower:      -600,
		TickUpper:      600,
		Liquidity:      "340282366920938463463374607431768211455",
		InRange:        true,
	}
}

func testUsers(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.GetUser(ctx, "alice")
	require.ErrorIs(t, err, storage.ErrNotFound)

	first, err := store.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.Equal(t, "alice", first.DiscordID)

	again, err := store.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	_, err = store.EnsureUser(ctx, "bob")
	require.NoError(t, err)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "alice", users[0].DiscordID)
	require.Equal(t, "bob", users[1].DiscordID)
}

func testPositions(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	_, err = store.EnsureUser(ctx, "bob")
	require.NoError(t, err)

	inserted, err := store.InsertPosition(ctx, SamplePosition("alice", "nile", 1))
	require.NoError(t, err)
	require.NotZero(t, inserted.ID)

	_, err = store.InsertPosition(ctx, SamplePosition("alice", "nile", 1))
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = store.InsertPosition(ctx, SamplePosition("alice", "cleo", 1))
	require.NoError(t, err)
	_, err = store.InsertPosition(ctx, SamplePosition("bob", "nile", 2))
	require.NoError(t, err)

	got, err := store.GetPosition(ctx, "nile", 1)
	require.NoError(t, err)
	require.Equal(t, inserted.ID, got.ID)
	require.Equal(t, "340282366920938463463374607431768211455", got.Liquidity)
	require.Equal(t, int32(-600), got.TickLower)
	require.Equal(t, uint32(3000), got.Fee)
	require.True(t, got.InRange)
	require.False(t, got.Burned)

	_, err = store.GetPosition(ctx, "nile", 99)
	require.ErrorIs(t, err, storage.ErrNotFound)

	nile, err := store.ListTrackedPositions(ctx, "alice", "nile")
	require.NoError(t, err)
	require.Len(t, nile, 1)

	everything, err := store.ListTrackedPositions(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, everything, 2)

	all, err := store.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func testStatusAndBurn(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	pos, err := store.InsertPosition(ctx, SamplePosition("alice", "nile", 5))
	require.NoError(t, err)

	require.NoError(t, store.UpdatePositionStatus(ctx, pos.ID, false))
	got, err := store.GetPosition(ctx, "nile", 5)
	require.NoError(t, err)
	require.False(t, got.InRange)

	require.ErrorIs(t, store.UpdatePositionStatus(ctx, pos.ID+1000, true), storage.ErrNotFound)

	require.NoError(t, store.MarkBurned(ctx, pos.ID))
	tracked, err := store.ListTrackedPositions(ctx, "alice", "nile")
	require.NoError(t, err)
	require.Empty(t, tracked)

	got, err = store.GetPosition(ctx, "nile", 5)
	require.NoError(t, err)
	require.True(t, got.Burned)

	require.ErrorIs(t, store.MarkBurned(ctx, pos.ID+1000), storage.ErrNotFound)
}

func testRemove(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	_, err = store.EnsureUser(ctx, "bob")
	require.NoError(t, err)
	for id := uint64(1); id <= 3; id++ {
		_, err := store.InsertPosition(ctx, SamplePosition("alice", "nile", id))
		require.NoError(t, err)
	}
	_, err = store.InsertPosition(ctx, SamplePosition("bob", "nile", 10))
	require.NoError(t, err)

	require.ErrorIs(t, store.RemovePosition(ctx, "bob", "nile", 1), storage.ErrNotFound)
	require.NoError(t, store.RemovePosition(ctx, "alice", "nile", 1))
	require.ErrorIs(t, store.RemovePosition(ctx, "alice", "nile", 1), storage.ErrNotFound)

	removed, err := store.RemoveAllPositions(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	all, err := store.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "bob", all[0].OwnerDiscordID)

	_, err = store.InsertPosition(ctx, SamplePosition("alice", "nile", 1))
	require.NoError(t, err)
}

func testTokens(t *testing.T, store storage.Store) {
	ctx := context.Background()
	token := model.Token{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Name: "USD Coin", Decimals: 6}

	_, err := store.GetToken(ctx, token.Address)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.UpsertToken(ctx, token))
	token.Name = "USD Coin v2"
	require.NoError(t, store.UpsertToken(ctx, token))

	got, err := store.GetToken(ctx, token.Address)
	require.NoError(t, err)
	require.Equal(t, token, got)
}
