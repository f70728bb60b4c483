package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"lpwatch/internal/config"
	"lpwatch/internal/model"
)

// Dialer opens an RPC connection. Tests replace it with an in-process fake.
type Dialer func(ctx context.Context, rpcURL string) (Conn, error)

// Conn is a dialed connection owned by the registry.
type Conn interface {
	Caller
	Close()
}

type chainIDReader interface {
	GetChainID(ctx context.Context) (*big.Int, error)
}

// Registry hands out one lazily dialed connection per protocol. Dials for
// different protocols never wait on each other.
type Registry struct {
	protocols config.Protocols
	dial      Dialer
	logger    *zap.Logger

	mu    sync.Mutex
	slots map[model.Protocol]*slot
}

// slot serializes dials of one protocol. conn is guarded by Registry.mu.
type slot struct {
	dialing chan struct{}
	conn    Conn
}

type endpointer interface {
	Endpoint() string
}

// NewRegistry creates a registry over the configured protocols.
func NewRegistry(protocols config.Protocols, logger *zap.Logger) *Registry {
	return NewRegistryWithDialer(protocols, Dial, logger)
}

// NewRegistryWithDialer creates a registry with a custom dialer.
func NewRegistryWithDialer(protocols config.Protocols, dial Dialer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		protocols: protocols,
		dial:      dial,
		logger:    logger,
		slots:     make(map[model.Protocol]*slot),
	}
}

// Dial opens a go-ethereum client for rpcURL.
func Dial(ctx context.Context, rpcURL string) (Conn, error) {
	client, err := NewClient(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Conn returns the connection for protocol, dialing it on first use. A caller
// waiting for another caller's dial of the same protocol gives up when ctx ends.
func (r *Registry) Conn(ctx context.Context, protocol model.Protocol) (Conn, config.ProtocolConfig, error) {
	cfg, ok := r.protocols.Get(protocol)
	if !ok {
		return nil, config.ProtocolConfig{}, fmt.Errorf("unknown protocol: %s", protocol)
	}

	r.mu.Lock()
	sl, ok := r.slots[protocol]
	if !ok {
		sl = &slot{dialing: make(chan struct{}, 1)}
		r.slots[protocol] = sl
	}
	conn := sl.conn
	r.mu.Unlock()
	if conn != nil {
		return conn, cfg, nil
	}

	select {
	case sl.dialing <- struct{}{}:
	case <-ctx.Done():
		return nil, cfg, fmt.Errorf("wait for %s connection: %w", protocol, ctx.Err())
	}
	defer func() { <-sl.dialing }()

	r.mu.Lock()
	conn = sl.conn
	r.mu.Unlock()
	if conn != nil {
		return conn, cfg, nil
	}

	conn, err := r.connect(ctx, protocol, cfg)
	if err != nil {
		return nil, cfg, err
	}

	r.mu.Lock()
	sl.conn = conn
	r.mu.Unlock()
	return conn, cfg, nil
}

func (r *Registry) connect(ctx context.Context, protocol model.Protocol, cfg config.ProtocolConfig) (Conn, error) {
	conn, err := r.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", protocol, err)
	}
	if checker, ok := conn.(chainIDReader); ok {
		chainID, err := checker.GetChainID(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("chain id %s: %w", protocol, err)
		}
		if !chainID.IsUint64() || chainID.Uint64() != cfg.ChainID {
			conn.Close()
			return nil, fmt.Errorf("chain id mismatch for %s: expected %d, got %s", protocol, cfg.ChainID, chainID)
		}
	}

	fields := []zap.Field{zap.String("protocol", string(protocol)), zap.Uint64("chain_id", cfg.ChainID)}
	if e, ok := conn.(endpointer); ok {
		fields = append(fields, zap.String("endpoint", e.Endpoint()))
	}
	r.logger.Info("rpc connected", fields...)
	return conn, nil
}

// Close closes every dialed connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, sl := range r.slots {
		if sl.conn != nil {
			sl.conn.Close()
		}
		delete(r.slots, name)
	}
}
