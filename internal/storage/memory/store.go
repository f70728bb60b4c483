// Package memory is an in-process Store used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lpwatch/internal/model"
	"lpwatch/internal/storage"
)

type positionKey struct {
	protocol   model.Protocol
	positionID uint64
}

// Store keeps every row in maps guarded by a single mutex.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	nextUser  int64
	nextPos   int64
	users     map[string]model.User
	positions map[int64]model.Position
	byKey     map[positionKey]int64
	tokens    map[string]model.Token
}

func NewStore() *Store {
	return &Store{
		now:       time.Now,
		users:     make(map[string]model.User),
		positions: make(map[int64]model.Position),
		byKey:     make(map[positionKey]int64),
		tokens:    make(map[string]model.Token),
	}
}

func (s *Store) Close() {}

func (s *Store) EnsureUser(_ context.Context, discordID string) (model.User, error) {
	if discordID == "" {
		return model.User{}, fmt.Errorf("discord id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[discordID]; ok {
		return user, nil
	}
	s.nextUser++
	user := model.User{ID: s.nextUser, DiscordID: discordID, CreatedAt: s.now().UTC()}
	s.users[discordID] = user
	return user, nil
}

func (s *Store) GetUser(_ context.Context, discordID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[discordID]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) InsertPosition(_ context.Context, pos model.Position) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[pos.OwnerDiscordID]; !ok {
		return model.Position{}, fmt.Errorf("owner %s: %w", pos.OwnerDiscordID, storage.ErrNotFound)
	}
	key := positionKey{protocol: pos.Protocol, positionID: pos.PositionID}
	if _, ok := s.byKey[key]; ok {
		return model.Position{}, storage.ErrAlreadyExists
	}
	s.nextPos++
	now := s.now().UTC()
	pos.ID = s.nextPos
	pos.Burned = false
	pos.CreatedAt = now
	pos.UpdatedAt = now
	s.positions[pos.ID] = pos
	s.byKey[key] = pos.ID
	return pos, nil
}

func (s *Store) GetPosition(_ context.Context, protocol model.Protocol, positionID uint64) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[positionKey{protocol: protocol, positionID: positionID}]
	if !ok {
		return model.Position{}, storage.ErrNotFound
	}
	return s.positions[id], nil
}

func (s *Store) ListPositions(_ context.Context) ([]model.Position, error) {
	return s.filter(func(p model.Position) bool { return true }), nil
}

func (s *Store) ListTrackedPositions(_ context.Context, discordID string, protocol model.Protocol) ([]model.Position, error) {
	return s.filter(func(p model.Position) bool {
		return p.OwnerDiscordID == discordID && (protocol == "" || p.Protocol == protocol)
	}), nil
}

func (s *Store) filter(match func(model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0)
	for _, pos := range s.positions {
		if !pos.Burned && match(pos) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) UpdatePositionStatus(_ context.Context, id int64, inRange bool) error {
	return s.update(id, func(p *model.Position) { p.InRange = inRange })
}

func (s *Store) MarkBurned(_ context.Context, id int64) error {
	return s.update(id, func(p *model.Position) { p.Burned = true })
}

func (s *Store) update(id int64, apply func(*model.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	apply(&pos)
	pos.UpdatedAt = s.now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) RemovePosition(_ context.Context, discordID string, protocol model.Protocol, positionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{protocol: protocol, positionID: positionID}
	id, ok := s.byKey[key]
	if !ok || s.positions[id].OwnerDiscordID != discordID {
		return storage.ErrNotFound
	}
	delete(s.positions, id)
	delete(s.byKey, key)
	return nil
}

func (s *Store) RemoveAllPositions(_ context.Context, discordID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, pos := range s.positions {
		if pos.OwnerDiscordID != discordID {
			continue
		}
		delete(s.positions, id)
		delete(s.byKey, positionKey{protocol: pos.Protocol, positionID: pos.PositionID})
		removed++
	}
	return removed, nil
}

func (s *Store) UpsertToken(_ context.Context, token model.Token) error {
	if token.Address == "" {
		return fmt.Errorf("token address is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Address] = token
	return nil
}

func (s *Store) GetToken(_ context.Context, address string) (model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[address]
	if !ok {
		return model.Token{}, storage.ErrNotFound
	}
	return token, nil
}
