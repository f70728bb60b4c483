package monitor

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lpwatch/internal/config"
	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage/memory"
)

var errRPCDown = errors.New("rpc down")

type fakeChain struct {
	mu        sync.Mutex
	positions map[uint64]model.ChainPosition
	pools     map[common.Address]model.PoolState
	poolErrs  map[common.Address]error
	burned    map[uint64]bool
	gate      chan struct{}
	calls     map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		positions: make(map[uint64]model.ChainPosition),
		pools:     make(map[common.Address]model.PoolState),
		poolErrs:  make(map[common.Address]error),
		burned:    make(map[uint64]bool),
		calls:     make(map[string]int),
	}
}

func (f *fakeChain) GetPosition(ctx context.Context, _ model.Protocol, positionID uint64) (model.ChainPosition, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls["position"]++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.ChainPosition{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.burned[positionID] {
		return model.ChainPosition{}, dex.ErrPositionNotFound
	}
	pos, ok := f.positions[positionID]
	if !ok {
		return model.ChainPosition{}, errors.New("unknown position")
	}
	return pos, nil
}

func (f *fakeChain) GetPoolSnapshot(_ context.Context, _ model.Protocol, pool common.Address) (model.PoolState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["pool:"+pool.Hex()]++
	if err, ok := f.poolErrs[pool]; ok {
		return model.PoolState{}, err
	}
	state, ok := f.pools[pool]
	if !ok {
		return model.PoolState{}, errors.New("unknown pool")
	}
	return state, nil
}

func (f *fakeChain) setTick(pool common.Address, tick int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[pool] = poolAtTick(pool, tick)
}

func (f *fakeChain) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type sentMessage struct {
	discordID string
	text      string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]error
}

func (f *fakeNotifier) SendDirectMessage(_ context.Context, discordID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[discordID]; ok {
		return err
	}
	f.sent = append(f.sent, sentMessage{discordID: discordID, text: text})
	return nil
}

func (f *fakeNotifier) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// poolAtTick builds a pool state whose sqrt price matches tick.
func poolAtTick(pool common.Address, tick int32) model.PoolState {
	q96 := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))
	sqrt := new(big.Float).Mul(big.NewFloat(math.Pow(1.0001, float64(tick)/2)), q96)
	sqrtInt, _ := sqrt.Int(nil)
	return model.PoolState{
		Address:      pool.Hex(),
		SqrtPriceX96: uint256.MustFromBig(sqrtInt),
		Tick:         tick,
		Liquidity:    uint256.NewInt(1_000_000),
	}
}

var (
	poolA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	poolB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type harness struct {
	store    *memory.Store
	chain    *fakeChain
	notifier *fakeNotifier
	metrics  *Metrics
	cfg      Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	protocols, err := config.NewProtocols([]config.ProtocolConfig{config.DefaultProtocols[0]})
	require.NoError(t, err)
	return &harness{
		store:    memory.NewStore(),
		chain:    newFakeChain(),
		notifier: &fakeNotifier{fail: make(map[string]error)},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		cfg: Config{
			Interval:     time.Hour,
			Workers:      2,
			CallTimeout:  time.Second,
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
			RewardRate:   lpmath.DefaultRewardRate,
			Threshold:    notify.DefaultThreshold,
			Protocols:    protocols,
		},
	}
}

func (h *harness) scheduler(opts ...Option) *Scheduler {
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	return NewScheduler(h.cfg, h.store, h.chain, h.notifier, nil, opts...)
}

// track stores a position and its on-chain twin.
func (h *harness) track(t *testing.T, discordID string, positionID uint64, pool common.Address, liquidity uint64, inRange bool) model.Position {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.EnsureUser(ctx, discordID)
	require.NoError(t, err)
	pos, err := h.store.InsertPosition(ctx, model.Position{
		Protocol:       "nile",
		PositionID:     positionID,
		OwnerDiscordID: discordID,
		PoolAddress:    pool.Hex(),
		Token0Address:  "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa",
		Token1Address:  "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
		Fee:            3000,
		TickLower:      -100,
		TickUpper:      100,
		Liquidity:      decimal.NewFromInt(int64(liquidity)).String(),
		InRange:        inRange,
	})
	require.NoError(t, err)
	h.chain.positions[positionID] = model.ChainPosition{
		PositionID: positionID,
		Token0:     pos.Token0Address,
		Token1:     pos.Token1Address,
		Fee:        3000,
		TickLower:  -100,
		TickUpper:  100,
		Liquidity:  uint256.NewInt(liquidity),
	}
	return pos
}

func TestRunCycleInRangeUnchanged(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.chain.setTick(poolA, 0)

	report := h.scheduler().RunCycle(context.Background())

	require.NoError(t, report.Err)
	unit, ok := report.Unit("alice", "nile")
	require.True(t, ok)
	assert.Equal(t, 1, unit.Evaluated)
	assert.Zero(t, unit.StatusChanges)
	assert.False(t, unit.RewardNotified)
	assert.Empty(t, h.notifier.messages())

	stored, err := h.store.GetPosition(context.Background(), "nile", 1)
	require.NoError(t, err)
	assert.True(t, stored.InRange)
}

func TestRunCycleOutOfRangeNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.chain.setTick(poolA, 150)
	s := h.scheduler()

	report := s.RunCycle(context.Background())
	require.Equal(t, 1, report.StatusChanges())

	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].discordID)
	assert.Contains(t, msgs[0].text, "is now out of range")

	stored, err := h.store.GetPosition(context.Background(), "nile", 1)
	require.NoError(t, err)
	assert.False(t, stored.InRange)

	// Same state next cycle: storage already reflects it, nothing is sent.
	report = s.RunCycle(context.Background())
	assert.Zero(t, report.StatusChanges())
	assert.Len(t, h.notifier.messages(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.CyclesTotal))
}

func TestRunCycleRewardNotificationPerUnit(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 10_000_000, true)
	h.track(t, "alice", 2, poolA, 20_000_000, true)
	h.chain.setTick(poolA, 0)

	report := h.scheduler().RunCycle(context.Background())

	assert.Equal(t, 1, report.RewardNotifications())
	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "Your Nile rewards")
	assert.Contains(t, msgs[0].text, "Position #1")
	assert.Contains(t, msgs[0].text, "Position #2")
	assert.Contains(t, msgs[0].text, "NILE")
	// One pool read serves both positions of the unit.
	assert.Equal(t, 1, h.chain.callCount("pool:"+poolA.Hex()))
}

func TestRunCycleIsolatesUpstreamFailures(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.track(t, "bob", 2, poolB, 10_000_000, true)
	h.chain.poolErrs[poolA] = errRPCDown
	h.chain.setTick(poolB, 0)

	report := h.scheduler().RunCycle(context.Background())

	alice, ok := report.Unit("alice", "nile")
	require.True(t, ok)
	require.True(t, alice.Failed())
	require.Len(t, alice.PositionErrors, 1)
	assert.ErrorIs(t, alice.PositionErrors[0], ErrUpstreamUnavailable)
	assert.ErrorIs(t, alice.PositionErrors[0], errRPCDown)
	assert.Equal(t, h.cfg.MaxRetries+1, h.chain.callCount("pool:"+poolA.Hex()))

	bob, ok := report.Unit("bob", "nile")
	require.True(t, ok)
	assert.False(t, bob.Failed())
	assert.True(t, bob.RewardNotified)

	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].discordID)
	assert.Equal(t, 1, report.FailedUnits())
}

func TestRunCycleMarksBurnedPositions(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.chain.burned[1] = true

	report := h.scheduler().RunCycle(context.Background())

	unit, _ := report.Unit("alice", "nile")
	assert.Equal(t, 1, unit.Burned)
	assert.False(t, unit.Failed())
	assert.Equal(t, 1, h.chain.callCount("position"), "burned positions are not retried")

	tracked, err := h.store.ListTrackedPositions(context.Background(), "alice", "nile")
	require.NoError(t, err)
	assert.Empty(t, tracked)

	sent := h.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice", sent[0].discordID)
	assert.Contains(t, sent[0].text, "#1")
	assert.Contains(t, sent[0].text, "no longer exists on chain")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.NotificationsSent.WithLabelValues("burned")))

	report = h.scheduler().RunCycle(context.Background())
	assert.Len(t, h.notifier.messages(), 1, "burned positions are notified once")
}

func TestRunCycleDeliveryFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.chain.setTick(poolA, -500)
	h.notifier.fail["alice"] = errors.New("dm closed")

	report := h.scheduler().RunCycle(context.Background())

	unit, _ := report.Unit("alice", "nile")
	assert.Equal(t, 1, unit.StatusChanges)
	assert.Equal(t, 1, unit.DeliveryFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.NotificationsFailed.WithLabelValues("status")))
}

func TestRunCycleEmptyUnitShortCircuits(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.EnsureUser(context.Background(), "carol")
	require.NoError(t, err)

	report := h.scheduler().RunCycle(context.Background())

	require.Len(t, report.Units, 1)
	assert.Zero(t, report.Units[0].Positions)
	assert.Zero(t, h.chain.callCount("position"))
}

type panickyChain struct{ *fakeChain }

func (p panickyChain) GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.ChainPosition, error) {
	if positionID == 1 {
		panic("boom")
	}
	return p.fakeChain.GetPosition(ctx, protocol, positionID)
}

func TestRunCycleRecoversUnitPanic(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.track(t, "bob", 2, poolA, 1000, true)
	h.chain.setTick(poolA, 0)

	s := NewScheduler(h.cfg, h.store, panickyChain{h.chain}, h.notifier, nil, WithMetrics(h.metrics))
	report := s.RunCycle(context.Background())

	alice, _ := report.Unit("alice", "nile")
	require.Error(t, alice.Err)
	assert.True(t, strings.Contains(alice.Err.Error(), "boom"))

	bob, _ := report.Unit("bob", "nile")
	assert.NoError(t, bob.Err)
	assert.Equal(t, 1, bob.Evaluated)
}

func TestRunTicksAndSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.track(t, "alice", 1, poolA, 1000, true)
	h.chain.setTick(poolA, 0)

	clock := clockwork.NewFakeClock()
	reports := make(chan CycleReport, 10)
	s := h.scheduler(WithClock(clock), WithReportHook(func(r CycleReport) { reports <- r }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := receiveReport(t, reports)
	require.NotEmpty(t, first.ID)
	require.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	second := receiveReport(t, reports)
	require.NotEqual(t, first.ID, second.ID)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunCoalescesTicksDuringSlowCycle(t *testing.T) {
	h := newHarness(t)
	h.cfg.CallTimeout = time.Minute
	h.track(t, "alice", 1, poolA, 1000, true)
	h.chain.setTick(poolA, 0)

	clock := clockwork.NewFakeClock()
	reports := make(chan CycleReport, 10)
	s := h.scheduler(WithClock(clock), WithReportHook(func(r CycleReport) { reports <- r }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	receiveReport(t, reports)

	gate := make(chan struct{})
	h.chain.mu.Lock()
	h.chain.gate = gate
	h.chain.mu.Unlock()

	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.chain.callCount("position") == 2 }, 5*time.Second, 5*time.Millisecond)

	// Three more intervals pass while the second cycle is stuck.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
	}
	close(gate)

	receiveReport(t, reports)
	receiveReport(t, reports)
	select {
	case r := <-reports:
		t.Fatalf("unexpected extra cycle %s", r.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func receiveReport(t *testing.T, reports <-chan CycleReport) CycleReport {
	t.Helper()
	select {
	case r := <-reports:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cycle")
		return CycleReport{}
	}
}
