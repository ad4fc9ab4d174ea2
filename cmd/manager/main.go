package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"liquidityManager/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "manager",
		Short:        "Concentrated-liquidity position manager",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("backend", config.BackendSimulated, "pool and custody backend (simulated, chain)")
	flags.String("rpc", "", "Ethereum RPC URL")
	flags.String("private-key", "", "hex key of the custody account")
	flags.String("account", "", "custody account for read-only commands (defaults to the private key's address)")
	flags.String("position-manager", config.DefaultPositionManager, "NonfungiblePositionManager address")
	flags.String("factory", config.DefaultFactory, "pool factory address")
	flags.String("token0", config.DefaultToken0, "token0 address")
	flags.String("token1", config.DefaultToken1, "token1 address")
	flags.Uint8("token0-decimals", 18, "token0 decimals")
	flags.Uint8("token1-decimals", 6, "token1 decimals")
	flags.Uint32("fee", 100, "pool fee tier in hundredths of a bip")
	flags.Int32("tick-half-width", 600, "ticks from the current tick to each bound of a new range")
	flags.Duration("deadline", 10*time.Minute, "deadline window for pool calls")
	flags.Uint32("slippage-bps", 50, "tolerated shortfall from expected amounts")
	flags.Bool("allow-zero-minimums", false, "accept zero minimums on pool calls")
	flags.String("state-file", "./data/state.json", "ledger state file (without pg-dsn)")
	flags.String("pg-dsn", "", "Postgres DSN for ledger state and events")
	flags.String("journal", "./data/events.jsonl", "event journal path")
	flags.Int32("sim-tick", -276324, "initial tick of the simulated pool")
	flags.StringSlice("sim-accounts", nil, "accounts funded on the simulated backend (comma-separated)")
	flags.String("sim-fund", "1000000", "amount of each token given to sim accounts")
	flags.Int("max-retries", 5, "maximum retry attempts for chain reads")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")

	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newMintCmd(),
		newIncreaseCmd(),
		newDecreaseCmd(),
		newCollectCmd(),
		newDepositCmd(),
		newWithdrawCmd(),
		newShowCmd(),
		newAuditCmd(),
	)
	return root
}

// setup loads configuration for cmd and builds its logger.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(cfgFile, envFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
