package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lpwatch/internal/chain"
	"lpwatch/internal/config"
	"lpwatch/internal/model"
)

// ErrPositionNotFound is returned for burned or never minted position NFTs.
var ErrPositionNotFound = errors.New("position not found")

// ConnSource resolves the RPC connection and deployment for a protocol.
type ConnSource interface {
	Conn(ctx context.Context, protocol model.Protocol) (chain.Conn, config.ProtocolConfig, error)
}

// Reader reads positions, pools and tokens for every configured protocol.
type Reader struct {
	conns  ConnSource
	tokens *TokenCache
	logger *zap.Logger
}

// NewReader creates a contract reader.
func NewReader(conns ConnSource, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{conns: conns, tokens: NewTokenCache(), logger: logger}
}

// GetPosition reads a position from the protocol's position manager.
func (r *Reader) GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.ChainPosition, error) {
	conn, cfg, err := r.conns.Conn(ctx, protocol)
	if err != nil {
		return model.ChainPosition{}, err
	}
	nfpmABI, err := PositionManagerABI()
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("parse position manager abi: %w", err)
	}

	values, err := callMethod(ctx, conn, cfg.PositionManager, nfpmABI, "positions", new(big.Int).SetUint64(positionID))
	if err != nil {
		if errors.Is(err, ErrReverted) {
			return model.ChainPosition{}, fmt.Errorf("%s #%d: %w", protocol, positionID, ErrPositionNotFound)
		}
		return model.ChainPosition{}, err
	}
	return decodePosition(positionID, values)
}

func decodePosition(positionID uint64, values []interface{}) (model.ChainPosition, error) {
	if len(values) < 8 {
		return model.ChainPosition{}, fmt.Errorf("positions: expected at least 8 outputs, got %d", len(values))
	}
	token0, err := asAddress(values[2])
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("token0: %w", err)
	}
	token1, err := asAddress(values[3])
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("token1: %w", err)
	}
	if token0 == (common.Address{}) {
		return model.ChainPosition{}, fmt.Errorf("position #%d: %w", positionID, ErrPositionNotFound)
	}
	fee, err := asBigInt(values[4])
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("fee: %w", err)
	}
	tickLower, err := asInt24(values[5])
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("tick lower: %w", err)
	}
	tickUpper, err := asInt24(values[6])
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("tick upper: %w", err)
	}
	liquidity, err := asUint256(values[7])
	if err != nil {
		return model.ChainPosition{}, fmt.Errorf("liquidity: %w", err)
	}

	return model.ChainPosition{
		PositionID: positionID,
		Token0:     token0.Hex(),
		Token1:     token1.Hex(),
		Fee:        uint32(fee.Uint64()),
		TickLower:  tickLower,
		TickUpper:  tickUpper,
		Liquidity:  liquidity,
	}, nil
}

// GetPoolSnapshot reads slot0 and active liquidity of a pool.
func (r *Reader) GetPoolSnapshot(ctx context.Context, protocol model.Protocol, pool common.Address) (model.PoolState, error) {
	conn, _, err := r.conns.Conn(ctx, protocol)
	if err != nil {
		return model.PoolState{}, err
	}
	parsed, err := PoolABI()
	if err != nil {
		return model.PoolState{}, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := callMethod(ctx, conn, pool, parsed, "slot0")
	if err != nil {
		return model.PoolState{}, err
	}
	if len(values) < 2 {
		return model.PoolState{}, fmt.Errorf("slot0: expected 7 outputs, got %d", len(values))
	}
	sqrtPrice, err := asUint256(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("sqrt price: %w", err)
	}
	tick, err := asInt24(values[1])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("tick: %w", err)
	}

	values, err = callMethod(ctx, conn, pool, parsed, "liquidity")
	if err != nil {
		return model.PoolState{}, err
	}
	liquidity, err := asUint256(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("liquidity: %w", err)
	}

	return model.PoolState{
		Address:      pool.Hex(),
		SqrtPriceX96: sqrtPrice,
		Tick:         tick,
		Liquidity:    liquidity,
	}, nil
}

// PoolAddress derives the pool holding a token pair at a fee tier.
func (r *Reader) PoolAddress(ctx context.Context, protocol model.Protocol, token0, token1 common.Address, fee uint32) (common.Address, error) {
	_, cfg, err := r.conns.Conn(ctx, protocol)
	if err != nil {
		return common.Address{}, err
	}
	return ComputePoolAddress(cfg.Factory, cfg.PoolInitCodeHash, token0, token1, fee)
}

// Token returns cached ERC20 metadata, fetching it on first use.
func (r *Reader) Token(ctx context.Context, protocol model.Protocol, token common.Address) (model.Token, error) {
	if meta, ok := r.tokens.Get(token); ok {
		return meta, nil
	}
	conn, _, err := r.conns.Conn(ctx, protocol)
	if err != nil {
		return model.Token{}, err
	}
	meta, err := FetchToken(ctx, conn, token, r.logger)
	if err != nil {
		r.logger.Warn("token metadata fetch failed", zap.String("token", token.Hex()), zap.Error(err))
		return meta, err
	}
	r.tokens.Set(token, meta)
	return meta, nil
}

func asInt24(value interface{}) (int32, error) {
	b, err := asBigInt(value)
	if err != nil {
		return 0, err
	}
	return int24FromBig(b)
}
