package dex

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"lpwatch/internal/chain"
	"lpwatch/internal/config"
	"lpwatch/internal/model"
)

type revertError struct{}

func (revertError) Error() string  { return "execution reverted: Invalid token ID" }
func (revertError) ErrorCode() int { return 3 }

type callKey struct {
	to       common.Address
	selector string
}

type fakeCaller struct {
	responses map[callKey][]byte
	errs      map[callKey]error
	calls     int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{responses: make(map[callKey][]byte), errs: make(map[callKey]error)}
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	key := callKey{to: *msg.To, selector: common.Bytes2Hex(msg.Data[:4])}
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if resp, ok := f.responses[key]; ok {
		return resp, nil
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeCaller) Close() {}

func (f *fakeCaller) respond(t *testing.T, to common.Address, parsed abi.ABI, method string, outputs ...interface{}) {
	t.Helper()
	data, err := parsed.Methods[method].Outputs.Pack(outputs...)
	if err != nil {
		t.Fatalf("pack %s: %v", method, err)
	}
	f.responses[callKey{to: to, selector: common.Bytes2Hex(parsed.Methods[method].ID)}] = data
}

func (f *fakeCaller) fail(to common.Address, parsed abi.ABI, method string, err error) {
	f.errs[callKey{to: to, selector: common.Bytes2Hex(parsed.Methods[method].ID)}] = err
}

type fakeConns struct {
	conn *fakeCaller
	cfg  config.ProtocolConfig
}

func (f fakeConns) Conn(context.Context, model.Protocol) (chain.Conn, config.ProtocolConfig, error) {
	return f.conn, f.cfg, nil
}

func testConns() fakeConns {
	return fakeConns{conn: newFakeCaller(), cfg: config.DefaultProtocols[0]}
}

var (
	tokenA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenB = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func TestReaderGetPosition(t *testing.T) {
	nfpmABI, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	conns := testConns()
	conns.conn.respond(t, conns.cfg.PositionManager, nfpmABI, "positions",
		big.NewInt(0),
		common.Address{},
		tokenA,
		tokenB,
		big.NewInt(3000),
		big.NewInt(-887220),
		big.NewInt(887220),
		big.NewInt(123456789),
		big.NewInt(0),
		big.NewInt(0),
		big.NewInt(0),
		big.NewInt(0),
	)

	reader := NewReader(conns, nil)
	pos, err := reader.GetPosition(context.Background(), "nile", 42)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.PositionID != 42 || pos.Fee != 3000 {
		t.Fatalf("position mismatch: %+v", pos)
	}
	if pos.TickLower != -887220 || pos.TickUpper != 887220 {
		t.Fatalf("ticks mismatch: %d %d", pos.TickLower, pos.TickUpper)
	}
	if pos.Token0 != tokenA.Hex() || pos.Token1 != tokenB.Hex() {
		t.Fatalf("tokens mismatch: %+v", pos)
	}
	if pos.Liquidity.Uint64() != 123456789 {
		t.Fatalf("liquidity mismatch: %s", pos.Liquidity)
	}
}

func TestReaderGetPositionBurned(t *testing.T) {
	nfpmABI, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	conns := testConns()
	conns.conn.fail(conns.cfg.PositionManager, nfpmABI, "positions", revertError{})

	_, err = NewReader(conns, nil).GetPosition(context.Background(), "nile", 7)
	if !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestReaderGetPositionTransportError(t *testing.T) {
	nfpmABI, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	conns := testConns()
	conns.conn.fail(conns.cfg.PositionManager, nfpmABI, "positions", errors.New("connection reset"))

	_, err = NewReader(conns, nil).GetPosition(context.Background(), "nile", 7)
	if err == nil || errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestDecodePositionShortOutput(t *testing.T) {
	_, err := decodePosition(1, make([]interface{}, 3))
	if err == nil {
		t.Fatalf("expected error for short output")
	}
	if !strings.Contains(err.Error(), "expected at least 8 outputs, got 3") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReaderGetPoolSnapshot(t *testing.T) {
	poolABI, err := PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	pool := common.HexToAddress("0x1111111111111111111111111111111111111111")
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96)

	conns := testConns()
	conns.conn.respond(t, pool, poolABI, "slot0", sqrtPrice, big.NewInt(-15), uint16(1), uint16(2), uint16(3), uint8(0), true)
	conns.conn.respond(t, pool, poolABI, "liquidity", big.NewInt(987654321))

	state, err := NewReader(conns, nil).GetPoolSnapshot(context.Background(), "nile", pool)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if state.Tick != -15 {
		t.Fatalf("tick mismatch: %d", state.Tick)
	}
	if state.SqrtPriceX96.ToBig().Cmp(sqrtPrice) != 0 {
		t.Fatalf("sqrt price mismatch: %s", state.SqrtPriceX96)
	}
	if state.Liquidity.Uint64() != 987654321 {
		t.Fatalf("liquidity mismatch: %s", state.Liquidity)
	}
	if state.Address != pool.Hex() {
		t.Fatalf("address mismatch: %s", state.Address)
	}
}

func TestReaderTokenCachesAndFallsBack(t *testing.T) {
	stringABI, bytes32ABI, err := erc20ABIs()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	var symbol [32]byte
	copy(symbol[:], "MKR")

	conns := testConns()
	conns.conn.respond(t, tokenA, stringABI, "decimals", uint8(18))
	conns.conn.respond(t, tokenA, stringABI, "name", "Maker")
	// Same selector for both variants: the string decode fails, the bytes32 decode succeeds.
	conns.conn.respond(t, tokenA, bytes32ABI, "symbol", symbol)

	reader := NewReader(conns, nil)
	meta, err := reader.Token(context.Background(), "nile", tokenA)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta.Decimals != 18 || meta.Name != "Maker" || meta.Symbol != "MKR" {
		t.Fatalf("token mismatch: %+v", meta)
	}

	calls := conns.conn.calls
	if _, err := reader.Token(context.Background(), "nile", tokenA); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if conns.conn.calls != calls {
		t.Fatalf("expected cached lookup, got %d new calls", conns.conn.calls-calls)
	}
}

func TestBytes32Symbol(t *testing.T) {
	_, bytes32ABI, err := erc20ABIs()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	var symbol [32]byte
	copy(symbol[:], "MKR")
	data, err := bytes32ABI.Methods["symbol"].Outputs.Pack(symbol)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	values, err := bytes32ABI.Unpack("symbol", data)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if text, ok := bytes32ToString(values[0]); !ok || text != "MKR" {
		t.Fatalf("symbol mismatch: %q", text)
	}
}

func TestComputePoolAddress(t *testing.T) {
	factory := common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	initCodeHash := common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	want := common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")

	got, err := ComputePoolAddress(factory, initCodeHash, weth, usdc, 500)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got != want {
		t.Fatalf("pool address mismatch: got %s want %s", got.Hex(), want.Hex())
	}

	if _, err := ComputePoolAddress(factory, initCodeHash, usdc, usdc, 500); err == nil {
		t.Fatalf("expected identical token error")
	}
}

func TestInt24Bounds(t *testing.T) {
	if _, err := int24FromBig(big.NewInt(1 << 23)); err == nil {
		t.Fatalf("expected overflow")
	}
	if v, err := int24FromBig(big.NewInt(-(1 << 23))); err != nil || v != -(1<<23) {
		t.Fatalf("min int24 mismatch: %d %v", v, err)
	}
}
