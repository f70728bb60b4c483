package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lpwatch/internal/chain"
	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage"
	"lpwatch/internal/storage/memory"
	"lpwatch/internal/tracker"
)

// inspectRecord is one JSONL line of inspect output.
type inspectRecord struct {
	Protocol    model.Protocol        `json:"protocol"`
	PositionID  uint64                `json:"position_id"`
	Pool        string                `json:"pool"`
	Token0      model.Token           `json:"token0"`
	Token1      model.Token           `json:"token1"`
	Fee         uint32                `json:"fee"`
	TickLower   int32                 `json:"tick_lower"`
	TickUpper   int32                 `json:"tick_upper"`
	Liquidity   string                `json:"liquidity"`
	Amount0     decimal.Decimal       `json:"amount0"`
	Amount1     decimal.Decimal       `json:"amount1"`
	Reward      lpmath.RewardEstimate `json:"reward"`
	InRange     bool                  `json:"in_range"`
	Error       string                `json:"error,omitempty"`
	InspectedAt time.Time             `json:"inspected_at"`
}

func runInspect(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	name, _ := cmd.Flags().GetString("protocol")
	ids, _ := cmd.Flags().GetUintSlice("position-id")
	out, _ := cmd.Flags().GetString("out")

	protocol, ok := cfg.Protocols.Lookup(name)
	if !ok {
		return errors.New(notify.InvalidProtocol(cfg.Protocols.Names()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := chain.NewRegistry(cfg.Protocols, logger)
	defer registry.Close()
	reader := dex.NewReader(registry, logger)

	// Tracking into a throwaway store reuses the full validation and valuation path.
	svc := tracker.NewService(memory.NewStore(), reader, cfg.Protocols, cfg.RewardRate, logger)
	sink := storage.NewJSONLFile(out)

	var failed int
	for _, id := range ids {
		record := inspectPosition(ctx, svc, protocol, uint64(id), cfg.CallTimeout)
		if record.Error != "" {
			failed++
			logger.Warn("inspect failed", zap.Uint64("position_id", record.PositionID), zap.String("error", record.Error))
		}
		if err := sink.Append(record); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d positions failed", failed, len(ids))
	}
	return nil
}

func inspectPosition(ctx context.Context, svc *tracker.Service, protocol model.Protocol, positionID uint64, timeout time.Duration) inspectRecord {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	record := inspectRecord{
		Protocol:    protocol,
		PositionID:  positionID,
		InspectedAt: time.Now().UTC(),
	}
	view, err := svc.Track(ctx, "inspect", protocol, positionID)
	if err != nil {
		record.Error = err.Error()
		return record
	}
	record.Pool = view.Position.PoolAddress
	record.Token0 = view.Token0
	record.Token1 = view.Token1
	record.Fee = view.Position.Fee
	record.TickLower = view.Position.TickLower
	record.TickUpper = view.Position.TickUpper
	record.Liquidity = view.Position.Liquidity
	record.Amount0 = view.Valuation.Amount0
	record.Amount1 = view.Valuation.Amount1
	record.Reward = view.Reward
	record.InRange = view.Status.InRange()
	return record
}
