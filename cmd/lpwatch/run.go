package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lpwatch/internal/api"
	"lpwatch/internal/chain"
	"lpwatch/internal/dex"
	"lpwatch/internal/discord"
	"lpwatch/internal/monitor"
	"lpwatch/internal/tracker"
)

func runService(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := chain.NewRegistry(cfg.Protocols, logger)
	defer registry.Close()
	reader := dex.NewReader(registry, logger)
	svc := tracker.NewService(store, reader, cfg.Protocols, cfg.RewardRate, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var notifier monitor.Notifier = logNotifier{logger: logger}
	if cfg.DiscordToken != "" {
		bot, err := discord.Open(cfg.DiscordToken, discord.NewRouter(svc, cfg.RequestTimeout, logger), logger)
		if err != nil {
			return err
		}
		defer bot.Close()
		notifier = bot.Notifier
	} else {
		logger.Warn("discord token not set, notifications will only be logged")
	}

	scheduler := monitor.NewScheduler(monitor.Config{
		Interval:     cfg.Interval,
		Workers:      cfg.Workers,
		CallTimeout:  cfg.CallTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		RewardRate:   cfg.RewardRate,
		Threshold:    cfg.RewardThreshold,
		Protocols:    cfg.Protocols,
	}, store, reader, notifier, logger, monitor.WithMetrics(monitor.NewMetrics(reg)))

	logger.Info("lpwatch start",
		zap.String("store", cfg.Store),
		zap.String("dsn", redactDSN(cfg.DSN)),
		zap.Any("protocols", cfg.Protocols.Names()),
		zap.Duration("interval", cfg.Interval),
		zap.Int("workers", cfg.Workers),
		zap.String("api_addr", cfg.APIAddr),
	)

	if once, _ := cmd.Flags().GetBool("once"); once {
		report := scheduler.RunCycle(ctx)
		return report.Err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.APIAddr != "" {
		server := api.NewServer(svc, reg, logger, api.WithRequestTimeout(cfg.RequestTimeout))
		g.Go(func() error {
			return server.ListenAndServe(gctx, cfg.APIAddr)
		})
	}
	g.Go(func() error {
		err := scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	logger.Info("lpwatch stopped")
	return err
}

// logNotifier stands in for Discord when no token is configured.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) SendDirectMessage(_ context.Context, discordID, text string) error {
	n.logger.Info("notification", zap.String("discord_id", discordID), zap.String("text", text))
	return nil
}
