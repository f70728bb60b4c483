// Package tracker serves user requests: tracking, untracking and live
// valuation of positions. It is shared by the chat commands and the API.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lpwatch/internal/config"
	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/monitor"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage"
)

var (
	// ErrAlreadyTracked is returned when the position is already stored.
	ErrAlreadyTracked = errors.New("position already tracked")
	// ErrUnknownProtocol is returned for protocols missing from configuration.
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// Chain is the on-chain surface the service needs.
type Chain interface {
	GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.ChainPosition, error)
	GetPoolSnapshot(ctx context.Context, protocol model.Protocol, pool common.Address) (model.PoolState, error)
	PoolAddress(ctx context.Context, protocol model.Protocol, token0, token1 common.Address, fee uint32) (common.Address, error)
	Token(ctx context.Context, protocol model.Protocol, token common.Address) (model.Token, error)
}

// Service implements the request-serving operations.
type Service struct {
	store      storage.Store
	chain      Chain
	protocols  config.Protocols
	rewardRate decimal.Decimal
	logger     *zap.Logger
}

// NewService creates a tracker service.
func NewService(store storage.Store, chain Chain, protocols config.Protocols, rewardRate decimal.Decimal, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		chain:      chain,
		protocols:  protocols,
		rewardRate: rewardRate,
		logger:     logger,
	}
}

// Protocols lists configured protocol names.
func (s *Service) Protocols() []model.Protocol {
	return s.protocols.Names()
}

// ResolveProtocol maps user input to a configured protocol.
func (s *Service) ResolveProtocol(input string) (model.Protocol, error) {
	protocol, ok := s.protocols.Lookup(input)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, input)
	}
	return protocol, nil
}

// RewardToken returns the reward token symbol of a protocol, if any.
func (s *Service) RewardToken(protocol model.Protocol) string {
	cfg, _ := s.protocols.Get(protocol)
	return cfg.RewardToken
}

// ProtocolInfo is the public part of a protocol's configuration.
type ProtocolInfo struct {
	Name            model.Protocol `json:"name"`
	ChainID         uint64         `json:"chain_id"`
	PositionManager string         `json:"position_manager"`
	Factory         string         `json:"factory"`
	RewardToken     string         `json:"reward_token,omitempty"`
	PairsAPI        string         `json:"pairs_api,omitempty"`
}

// ProtocolInfos lists configured protocols in name order. RPC URLs are
// omitted since they may carry API keys.
func (s *Service) ProtocolInfos() []ProtocolInfo {
	names := s.protocols.Names()
	out := make([]ProtocolInfo, 0, len(names))
	for _, name := range names {
		cfg, _ := s.protocols.Get(name)
		out = append(out, ProtocolInfo{
			Name:            name,
			ChainID:         cfg.ChainID,
			PositionManager: cfg.PositionManager.Hex(),
			Factory:         cfg.Factory.Hex(),
			RewardToken:     cfg.RewardToken,
			PairsAPI:        cfg.PairsAPI,
		})
	}
	return out
}

func (s *Service) checkProtocol(protocol model.Protocol) error {
	if _, ok := s.protocols.Get(protocol); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	return nil
}

// EnsureUser finds or creates a user.
func (s *Service) EnsureUser(ctx context.Context, discordID string) (model.User, error) {
	return s.store.EnsureUser(ctx, discordID)
}

// ListUsers returns every user.
func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.store.ListUsers(ctx)
}

// Track reads a position from chain and starts monitoring it for discordID.
func (s *Service) Track(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) (notify.PositionView, error) {
	if err := s.checkProtocol(protocol); err != nil {
		return notify.PositionView{}, err
	}
	if _, err := s.store.GetPosition(ctx, protocol, positionID); err == nil {
		return notify.PositionView{}, ErrAlreadyTracked
	} else if !errors.Is(err, storage.ErrNotFound) {
		return notify.PositionView{}, err
	}

	onChain, err := s.chain.GetPosition(ctx, protocol, positionID)
	if err != nil {
		return notify.PositionView{}, upstream("get_position", err)
	}
	if err := lpmath.ValidateRange(onChain.TickLower, onChain.TickUpper); err != nil {
		return notify.PositionView{}, err
	}

	token0 := common.HexToAddress(onChain.Token0)
	token1 := common.HexToAddress(onChain.Token1)
	pool, err := s.chain.PoolAddress(ctx, protocol, token0, token1, onChain.Fee)
	if err != nil {
		return notify.PositionView{}, fmt.Errorf("pool address: %w", err)
	}

	if _, err := s.store.EnsureUser(ctx, discordID); err != nil {
		return notify.PositionView{}, err
	}

	view, err := s.valueOnChain(ctx, protocol, model.Position{
		Protocol:       protocol,
		PositionID:     positionID,
		OwnerDiscordID: discordID,
		PoolAddress:    pool.Hex(),
		Token0Address:  token0.Hex(),
		Token1Address:  token1.Hex(),
		Fee:            onChain.Fee,
		TickLower:      onChain.TickLower,
		TickUpper:      onChain.TickUpper,
		Liquidity:      liquidityString(onChain.Liquidity),
	}, onChain)
	if err != nil {
		return notify.PositionView{}, err
	}
	view.Position.InRange = view.Status.InRange()

	view.Token0 = s.rememberToken(ctx, protocol, token0)
	view.Token1 = s.rememberToken(ctx, protocol, token1)

	stored, err := s.store.InsertPosition(ctx, view.Position)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return notify.PositionView{}, ErrAlreadyTracked
	}
	if err != nil {
		return notify.PositionView{}, err
	}
	view.Position = stored

	s.logger.Info("position tracked",
		zap.String("discord_id", discordID),
		zap.String("protocol", string(protocol)),
		zap.Uint64("position_id", positionID),
		zap.String("pool", pool.Hex()),
		zap.Stringer("status", view.Status),
	)
	return view, nil
}

// Untrack removes one of the user's positions.
func (s *Service) Untrack(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) error {
	if err := s.checkProtocol(protocol); err != nil {
		return err
	}
	return s.store.RemovePosition(ctx, discordID, protocol, positionID)
}

// UntrackAll removes every position of the user.
func (s *Service) UntrackAll(ctx context.Context, discordID string) (int64, error) {
	return s.store.RemoveAllPositions(ctx, discordID)
}

// TrackedPositions lists the user's non-burned positions across protocols.
func (s *Service) TrackedPositions(ctx context.Context, discordID string) ([]model.Position, error) {
	return s.store.ListTrackedPositions(ctx, discordID, "")
}

// AllPositions lists every non-burned position.
func (s *Service) AllPositions(ctx context.Context) ([]model.Position, error) {
	return s.store.ListPositions(ctx)
}

// StoredPosition returns a non-burned stored position.
func (s *Service) StoredPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.Position, error) {
	pos, err := s.store.GetPosition(ctx, protocol, positionID)
	if err != nil {
		return model.Position{}, err
	}
	if pos.Burned {
		return model.Position{}, storage.ErrNotFound
	}
	return pos, nil
}

// ChainPosition reads a position straight from the position manager.
func (s *Service) ChainPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.ChainPosition, error) {
	if err := s.checkProtocol(protocol); err != nil {
		return model.ChainPosition{}, err
	}
	pos, err := s.chain.GetPosition(ctx, protocol, positionID)
	if err != nil {
		return model.ChainPosition{}, upstream("get_position", err)
	}
	return pos, nil
}

// PoolInfo is a pool's derived address and live state.
type PoolInfo struct {
	Address      string          `json:"address"`
	SqrtPriceX96 string          `json:"sqrt_price_x96"`
	Tick         int32           `json:"tick"`
	Liquidity    string          `json:"liquidity"`
	Price        decimal.Decimal `json:"price"`
}

// PoolInfo derives the pool of a token pair and reads its state.
func (s *Service) PoolInfo(ctx context.Context, protocol model.Protocol, token0, token1 common.Address, fee uint32) (PoolInfo, error) {
	if err := s.checkProtocol(protocol); err != nil {
		return PoolInfo{}, err
	}
	pool, err := s.chain.PoolAddress(ctx, protocol, token0, token1, fee)
	if err != nil {
		return PoolInfo{}, err
	}
	state, err := s.chain.GetPoolSnapshot(ctx, protocol, pool)
	if err != nil {
		return PoolInfo{}, upstream("get_pool", err)
	}
	snap := lpmath.NewPoolSnapshot(state)
	return PoolInfo{
		Address:      pool.Hex(),
		SqrtPriceX96: liquidityString(state.SqrtPriceX96),
		Tick:         state.Tick,
		Liquidity:    liquidityString(state.Liquidity),
		Price:        snap.CurrentPrice,
	}, nil
}

// Balance values each of the user's positions on protocol live.
func (s *Service) Balance(ctx context.Context, discordID string, protocol model.Protocol) ([]notify.PositionView, error) {
	if err := s.checkProtocol(protocol); err != nil {
		return nil, err
	}
	positions, err := s.store.ListTrackedPositions(ctx, discordID, protocol)
	if err != nil {
		return nil, err
	}
	views := make([]notify.PositionView, 0, len(positions))
	for _, pos := range positions {
		view, err := s.value(ctx, pos)
		if errors.Is(err, dex.ErrPositionNotFound) {
			s.logger.Info("skipping burned position", zap.Uint64("position_id", pos.PositionID))
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// RewardReport is the reward estimate for a single position.
type RewardReport struct {
	Protocol    model.Protocol        `json:"protocol"`
	PositionID  uint64                `json:"position_id"`
	RewardToken string                `json:"reward_token"`
	InRange     bool                  `json:"in_range"`
	Amount0     decimal.Decimal       `json:"amount0"`
	Amount1     decimal.Decimal       `json:"amount1"`
	Estimate    lpmath.RewardEstimate `json:"estimate"`
}

// Rewards estimates the reward of one tracked position.
func (s *Service) Rewards(ctx context.Context, protocol model.Protocol, positionID uint64) (RewardReport, error) {
	pos, err := s.StoredPosition(ctx, protocol, positionID)
	if err != nil {
		return RewardReport{}, err
	}
	view, err := s.value(ctx, pos)
	if err != nil {
		return RewardReport{}, err
	}
	return RewardReport{
		Protocol:    protocol,
		PositionID:  positionID,
		RewardToken: s.RewardToken(protocol),
		InRange:     view.Status.InRange(),
		Amount0:     view.Valuation.Amount0,
		Amount1:     view.Valuation.Amount1,
		Estimate:    view.Reward,
	}, nil
}

// SetRange overrides the stored range flag.
func (s *Service) SetRange(ctx context.Context, protocol model.Protocol, positionID uint64, inRange bool) error {
	pos, err := s.store.GetPosition(ctx, protocol, positionID)
	if err != nil {
		return err
	}
	return s.store.UpdatePositionStatus(ctx, pos.ID, inRange)
}

// MarkBurned flags a position as burned so monitoring skips it.
func (s *Service) MarkBurned(ctx context.Context, protocol model.Protocol, positionID uint64) error {
	pos, err := s.store.GetPosition(ctx, protocol, positionID)
	if err != nil {
		return err
	}
	return s.store.MarkBurned(ctx, pos.ID)
}

// value refreshes a stored position from chain and values it.
func (s *Service) value(ctx context.Context, pos model.Position) (notify.PositionView, error) {
	onChain, err := s.chain.GetPosition(ctx, pos.Protocol, pos.PositionID)
	if err != nil {
		return notify.PositionView{}, upstream("get_position", err)
	}
	view, err := s.valueOnChain(ctx, pos.Protocol, pos, onChain)
	if err != nil {
		return notify.PositionView{}, err
	}
	view.Token0 = s.token(ctx, pos.Protocol, pos.Token0Address)
	view.Token1 = s.token(ctx, pos.Protocol, pos.Token1Address)
	return view, nil
}

func (s *Service) valueOnChain(ctx context.Context, protocol model.Protocol, pos model.Position, onChain model.ChainPosition) (notify.PositionView, error) {
	state, err := s.chain.GetPoolSnapshot(ctx, protocol, common.HexToAddress(pos.PoolAddress))
	if err != nil {
		return notify.PositionView{}, upstream("get_pool", err)
	}
	snap := lpmath.NewPoolSnapshot(state)

	liquidity := decimal.Zero
	if onChain.Liquidity != nil {
		liquidity = decimal.NewFromBigInt(onChain.Liquidity.ToBig(), 0)
	}
	valuation, err := lpmath.Valuate(lpmath.PositionRange{
		TickLower: onChain.TickLower,
		TickUpper: onChain.TickUpper,
		Liquidity: liquidity,
	}, snap)
	if err != nil {
		return notify.PositionView{}, err
	}

	return notify.PositionView{
		Position:  pos,
		Valuation: valuation,
		Reward:    lpmath.EstimateReward(valuation, s.rewardRate),
		Status:    lpmath.Classify(snap.CurrentTick, onChain.TickLower, onChain.TickUpper),
	}, nil
}

// token prefers stored metadata and falls back to chain.
func (s *Service) token(ctx context.Context, protocol model.Protocol, address string) model.Token {
	if token, err := s.store.GetToken(ctx, address); err == nil {
		return token
	}
	return s.rememberToken(ctx, protocol, common.HexToAddress(address))
}

// rememberToken fetches token metadata from chain and stores it.
func (s *Service) rememberToken(ctx context.Context, protocol model.Protocol, address common.Address) model.Token {
	token, err := s.chain.Token(ctx, protocol, address)
	if err != nil {
		s.logger.Warn("token metadata unavailable", zap.String("token", address.Hex()), zap.Error(err))
		return model.Token{Address: address.Hex()}
	}
	if err := s.store.UpsertToken(ctx, token); err != nil {
		s.logger.Warn("store token failed", zap.String("token", address.Hex()), zap.Error(err))
	}
	return token
}

// upstream marks chain failures other than a missing position.
func upstream(op string, err error) error {
	if errors.Is(err, dex.ErrPositionNotFound) || errors.Is(err, monitor.ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrUpstreamUnavailable, err)
}

func liquidityString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
