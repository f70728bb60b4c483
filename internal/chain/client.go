// Package chain manages JSON-RPC connections to the EVM chains the
// configured protocols are deployed on.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/url"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Caller is the subset of the RPC surface contract readers need.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client is a connection to one chain endpoint.
type Client struct {
	rpc      *rpc.Client
	eth      *ethclient.Client
	endpoint string
}

// NewClient dials rpcURL. HTTP endpoints connect lazily on the first call.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	endpoint := endpointHost(rpcURL)
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &Client{
		rpc:      rpcClient,
		eth:      ethclient.NewClient(rpcClient),
		endpoint: endpoint,
	}, nil
}

// Endpoint is the host of the RPC URL, without credentials or API key paths.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId %s: %w", c.endpoint, err)
	}
	return id, nil
}

// CallContract performs an eth_call; a nil blockNumber reads latest state.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

// endpointHost strips everything but the host so URLs carrying API keys can be logged.
func endpointHost(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil || u.Host == "" {
		return "rpc"
	}
	return u.Host
}
