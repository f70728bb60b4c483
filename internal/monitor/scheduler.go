// Package monitor periodically re-evaluates every tracked position and
// notifies owners about range transitions and claimable rewards.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lpwatch/internal/config"
	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage"
)

// Config controls cycle cadence, concurrency and reward math. RewardRate and
// Threshold are used as given; the remaining zero values fall back to defaults.
type Config struct {
	Interval     time.Duration
	Workers      int
	CallTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	RewardRate   decimal.Decimal
	Threshold    decimal.Decimal
	Protocols    config.Protocols
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMetrics records cycle metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithReportHook is called with every finished cycle report.
func WithReportHook(fn func(CycleReport)) Option {
	return func(s *Scheduler) { s.onReport = fn }
}

// Scheduler runs monitoring cycles.
type Scheduler struct {
	cfg      Config
	store    Store
	chain    ChainReader
	notifier Notifier
	policy   notify.Policy
	clock    clockwork.Clock
	metrics  *Metrics
	retry    retryPolicy
	onReport func(CycleReport)
	logger   *zap.Logger

	running atomic.Bool
}

// NewScheduler wires a scheduler over its ports.
func NewScheduler(cfg Config, store Store, chain ChainReader, notifier Notifier, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    store,
		chain:    chain,
		notifier: notifier,
		policy:   notify.NewPolicy(cfg.Threshold),
		clock:    clockwork.NewRealClock(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	s.retry = retryPolicy{
		clock:       s.clock,
		maxRetries:  s.cfg.MaxRetries,
		baseDelay:   s.cfg.RetryBackoff,
		callTimeout: s.cfg.CallTimeout,
		onRetry: func(op string, attempt int, err error) {
			s.metrics.UpstreamRetries.WithLabelValues(op).Inc()
			s.logger.Debug("retrying call", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	return s
}

// Run executes a cycle immediately and then one per interval until ctx is
// cancelled. Ticks that arrive while a cycle is running are coalesced.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("protocols", s.cfg.Protocols.Len()),
	)

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			s.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates every user and protocol pair once.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{ID: uuid.NewString(), StartedAt: s.clock.Now()}
	logger := s.logger.With(zap.String("cycle_id", report.ID))

	var users []model.User
	err := s.retry.do(ctx, "list_users", func(ctx context.Context) error {
		var err error
		users, err = s.store.ListUsers(ctx)
		return err
	})
	if err != nil {
		report.Err = err
		logger.Error("list users failed", zap.Error(err))
		return s.finish(logger, report)
	}
	report.Users = len(users)

	protocols := s.cfg.Protocols.Names()
	results := make([]UnitResult, len(users)*len(protocols))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, user := range users {
		for j, protocol := range protocols {
			idx := i*len(protocols) + j
			user, protocol := user, protocol
			g.Go(func() error {
				results[idx] = s.runUnit(ctx, logger, user, protocol)
				return nil
			})
		}
	}
	_ = g.Wait()

	report.Units = results
	return s.finish(logger, report)
}

func (s *Scheduler) finish(logger *zap.Logger, report CycleReport) CycleReport {
	report.FinishedAt = s.clock.Now()
	s.metrics.CyclesTotal.Inc()
	s.metrics.CycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	s.metrics.LastCycleTimestamp.Set(float64(report.FinishedAt.Unix()))

	logger.Info("cycle complete",
		zap.Int("users", report.Users),
		zap.Int("units", len(report.Units)),
		zap.Int("failed_units", report.FailedUnits()),
		zap.Int("status_changes", report.StatusChanges()),
		zap.Int("reward_notifications", report.RewardNotifications()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	if s.onReport != nil {
		s.onReport(report)
	}
	return report
}

func (s *Scheduler) runUnit(ctx context.Context, logger *zap.Logger, user model.User, protocol model.Protocol) (result UnitResult) {
	result = UnitResult{DiscordID: user.DiscordID, Protocol: protocol}
	logger = logger.With(zap.String("discord_id", user.DiscordID), zap.String("protocol", string(protocol)))

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("unit panic: %v", r)
			logger.Error("unit panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		s.metrics.UnitsTotal.WithLabelValues(string(protocol), result.outcome()).Inc()
	}()

	var positions []model.Position
	err := s.retry.do(ctx, "list_positions", func(ctx context.Context) error {
		var err error
		positions, err = s.store.ListTrackedPositions(ctx, user.DiscordID, protocol)
		return err
	})
	if err != nil {
		result.Err = err
		logger.Warn("list positions failed", zap.Error(err))
		return result
	}
	result.Positions = len(positions)
	if len(positions) == 0 {
		return result
	}

	u := &unit{
		Scheduler: s,
		logger:    logger,
		protocol:  protocol,
		pools:     make(map[common.Address]lpmath.PoolSnapshot),
		tokens:    make(map[string]model.Token),
	}

	var (
		views   []notify.PositionView
		rewards []lpmath.RewardEstimate
	)
	for _, pos := range positions {
		view, err := u.evaluate(ctx, pos)
		switch {
		case errors.Is(err, dex.ErrPositionNotFound):
			if err := u.markBurned(ctx, pos); err != nil {
				result.PositionErrors = append(result.PositionErrors, err)
				continue
			}
			result.Burned++
			burned := notify.PositionView{Position: pos}
			u.decorate(ctx, &burned)
			if err := s.deliver(ctx, logger, "burned", user.DiscordID, notify.FormatBurned(protocol, burned)); err != nil {
				result.DeliveryFailures++
			}
			continue
		case err != nil:
			result.PositionErrors = append(result.PositionErrors, err)
			logger.Warn("position evaluation failed", zap.Uint64("position_id", pos.PositionID), zap.Error(err))
			continue
		}
		result.Evaluated++
		s.metrics.PositionsEvaluated.WithLabelValues(string(protocol)).Inc()
		views = append(views, view)
		rewards = append(rewards, view.Reward)

		previous := lpmath.StatusOf(pos.InRange)
		if view.Status == previous {
			continue
		}
		err = s.retry.do(ctx, "update_status", func(ctx context.Context) error {
			return s.store.UpdatePositionStatus(ctx, pos.ID, view.Status.InRange())
		})
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("position removed during cycle", zap.Uint64("position_id", pos.PositionID))
			continue
		}
		if err != nil {
			result.PositionErrors = append(result.PositionErrors, err)
			logger.Warn("status update failed", zap.Uint64("position_id", pos.PositionID), zap.Error(err))
			continue
		}
		result.StatusChanges++
		s.metrics.StatusChanges.WithLabelValues(string(protocol)).Inc()
		logger.Info("range status changed",
			zap.Uint64("position_id", pos.PositionID),
			zap.Stringer("previous", previous),
			zap.Stringer("status", view.Status),
		)

		u.decorate(ctx, &view)
		if err := s.deliver(ctx, logger, "status", user.DiscordID, notify.FormatStatusChange(protocol, view)); err != nil {
			result.DeliveryFailures++
		}
	}

	if !s.policy.ShouldNotify(rewards) {
		return result
	}
	for i := range views {
		u.decorate(ctx, &views[i])
	}
	rewardToken := ""
	if cfg, ok := s.cfg.Protocols.Get(protocol); ok {
		rewardToken = cfg.RewardToken
	}
	if err := s.deliver(ctx, logger, "reward", user.DiscordID, notify.FormatRewards(protocol, rewardToken, views)); err != nil {
		result.DeliveryFailures++
		return result
	}
	result.RewardNotified = true
	return result
}

// deliver sends one direct message. Failures are not retried within a cycle;
// the condition that triggered the message persists into the next one.
func (s *Scheduler) deliver(ctx context.Context, logger *zap.Logger, kind, discordID, text string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err := s.notifier.SendDirectMessage(callCtx, discordID, text); err != nil {
		if !errors.Is(err, ErrNotificationDeliveryFailed) {
			err = fmt.Errorf("%w: %w", ErrNotificationDeliveryFailed, err)
		}
		s.metrics.NotificationsFailed.WithLabelValues(kind).Inc()
		logger.Warn("notification failed", zap.String("kind", kind), zap.Error(err))
		return err
	}
	s.metrics.NotificationsSent.WithLabelValues(kind).Inc()
	return nil
}

// unit carries per user and protocol caches through one evaluation pass.
type unit struct {
	*Scheduler
	logger   *zap.Logger
	protocol model.Protocol
	pools    map[common.Address]lpmath.PoolSnapshot
	tokens   map[string]model.Token
}

func (u *unit) evaluate(ctx context.Context, pos model.Position) (notify.PositionView, error) {
	var onChain model.ChainPosition
	err := u.retry.do(ctx, "get_position", func(ctx context.Context) error {
		var err error
		onChain, err = u.chain.GetPosition(ctx, u.protocol, pos.PositionID)
		return err
	})
	if err != nil {
		return notify.PositionView{}, err
	}

	snap, err := u.snapshot(ctx, common.HexToAddress(pos.PoolAddress))
	if err != nil {
		return notify.PositionView{}, err
	}

	valuation, err := lpmath.Valuate(lpmath.PositionRange{
		TickLower: onChain.TickLower,
		TickUpper: onChain.TickUpper,
		Liquidity: liquidityDecimal(onChain.Liquidity),
	}, snap)
	if err != nil {
		return notify.PositionView{}, err
	}

	return notify.PositionView{
		Position:  pos,
		Valuation: valuation,
		Reward:    lpmath.EstimateReward(valuation, u.cfg.RewardRate),
		Status:    lpmath.Classify(snap.CurrentTick, onChain.TickLower, onChain.TickUpper),
	}, nil
}

func (u *unit) snapshot(ctx context.Context, pool common.Address) (lpmath.PoolSnapshot, error) {
	if snap, ok := u.pools[pool]; ok {
		return snap, nil
	}
	var state model.PoolState
	err := u.retry.do(ctx, "get_pool", func(ctx context.Context) error {
		var err error
		state, err = u.chain.GetPoolSnapshot(ctx, u.protocol, pool)
		return err
	})
	if err != nil {
		return lpmath.PoolSnapshot{}, err
	}
	snap := lpmath.NewPoolSnapshot(state)
	u.pools[pool] = snap
	return snap, nil
}

func (u *unit) markBurned(ctx context.Context, pos model.Position) error {
	err := u.retry.do(ctx, "mark_burned", func(ctx context.Context) error {
		return u.store.MarkBurned(ctx, pos.ID)
	})
	if err != nil {
		u.logger.Warn("mark burned failed", zap.Uint64("position_id", pos.PositionID), zap.Error(err))
		return err
	}
	u.metrics.PositionsBurned.WithLabelValues(string(u.protocol)).Inc()
	u.logger.Info("position burned on chain", zap.Uint64("position_id", pos.PositionID))
	return nil
}

// decorate attaches token metadata for message rendering. Missing metadata
// falls back to addresses.
func (u *unit) decorate(ctx context.Context, view *notify.PositionView) {
	view.Token0 = u.token(ctx, view.Position.Token0Address)
	view.Token1 = u.token(ctx, view.Position.Token1Address)
}

func (u *unit) token(ctx context.Context, address string) model.Token {
	if token, ok := u.tokens[address]; ok {
		return token
	}
	callCtx, cancel := context.WithTimeout(ctx, u.cfg.CallTimeout)
	defer cancel()
	token, err := u.store.GetToken(callCtx, address)
	if err != nil {
		token = model.Token{Address: address}
	}
	u.tokens[address] = token
	return token
}

func liquidityDecimal(liquidity *uint256.Int) decimal.Decimal {
	if liquidity == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(liquidity.ToBig(), 0)
}
