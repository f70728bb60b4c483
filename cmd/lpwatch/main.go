package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lpwatch/internal/config"
	"lpwatch/internal/storage"
	"lpwatch/internal/storage/memory"
	"lpwatch/internal/storage/postgres"
	"lpwatch/internal/storage/sqlite"
)

func main() {
	root := &cobra.Command{
		Use:          "lpwatch",
		Short:        "Concentrated liquidity position monitor",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor, chat bot and API",
		RunE:  runService,
	}
	addStoreFlags(runCmd.Flags())
	addChainFlags(runCmd.Flags())
	runCmd.Flags().String("discord-token", "", "Discord bot token (empty disables the bot)")
	runCmd.Flags().String("api-addr", ":8080", "API listen address (empty disables the API)")
	runCmd.Flags().Duration("interval", time.Hour, "monitoring cycle interval")
	runCmd.Flags().Int("workers", 4, "concurrent (user, protocol) units per cycle")
	runCmd.Flags().String("reward-threshold", "10", "notify when a position reward exceeds this")
	runCmd.Flags().Bool("once", false, "run a single monitoring cycle and exit")
	root.AddCommand(runCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema",
		RunE:  runMigrate,
	}
	addStoreFlags(migrateCmd.Flags())
	root.AddCommand(migrateCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read and value positions from chain, written as JSONL",
		RunE:  runInspect,
	}
	addChainFlags(inspectCmd.Flags())
	inspectCmd.Flags().String("protocol", "", "protocol name")
	inspectCmd.Flags().UintSlice("position-id", nil, "position NFT ids (comma-separated)")
	inspectCmd.Flags().String("out", "-", "output JSONL path, - for stdout")
	_ = inspectCmd.MarkFlagRequired("protocol")
	_ = inspectCmd.MarkFlagRequired("position-id")
	root.AddCommand(inspectCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("store", config.StoreSQLite, "store driver (postgres, sqlite, memory)")
	flags.String("dsn", "./data/lpwatch.db", "Postgres DSN or SQLite path")
}

func addChainFlags(flags *pflag.FlagSet) {
	flags.StringSlice("enabled-protocols", nil, "protocols to serve (comma-separated, empty means all)")
	flags.Duration("call-timeout", 15*time.Second, "timeout for each RPC call")
	flags.Duration("request-timeout", 30*time.Second, "deadline for each API request or bot command")
	flags.Int("max-retries", 3, "maximum retry attempts per call")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.String("reward-rate", "0.01", "flat reward rate applied to token amounts")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openStore connects the configured driver. SQLite migrates on open;
// Postgres is migrated here unless migrate is false.
func openStore(ctx context.Context, cfg config.Config, migrate bool) (storage.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	case config.StoreSQLite:
		store, err := sqlite.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, nil
	case config.StoreMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store: %q", cfg.Store)
	}
}

// redactDSN hides the password of a URL-style DSN for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
