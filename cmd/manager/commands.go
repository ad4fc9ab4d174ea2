package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityManager/internal/api"
	"liquidityManager/internal/config"
	"liquidityManager/internal/manager"
	"liquidityManager/internal/model"
	"liquidityManager/internal/token"
)

type runFunc func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error

// withBackend opens the configured backend around run. Single operations
// need the chain backend: the simulated venue does not outlive the process.
func withBackend(cmd *cobra.Command, requireChain bool, run runFunc) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if requireChain && cfg.Backend != config.BackendChain {
		return fmt.Errorf("%s needs --backend=%s; use serve or simulate for the simulated backend", cmd.Name(), config.BackendChain)
	}

	ctx, stop := signalContext()
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := run(ctx, cmd, b, logger); err != nil {
		if model.IsRetryable(err) {
			logger.Warn("operation may succeed with fresh parameters", zap.Error(err))
		}
		return err
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, false, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				return api.NewServer(b.cfg.Listen, b.mgr, b.events, b.registry, logger).Run(ctx)
			})
		},
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	return cmd
}

func newMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Open a position with the whole custody balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, true, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				owner, err := ownerFlag(cmd, b)
				if err != nil {
					return err
				}
				opts, err := guardFlags(cmd, b.mgr.Config())
				if err != nil {
					return err
				}
				res, err := b.mgr.MintNewPosition(ctx, owner, opts...)
				if err != nil {
					return err
				}
				return printJSON(cmd, newResultView(res, b.mgr.Config()))
			})
		},
	}
	addOwnerFlag(cmd)
	addGuardFlags(cmd)
	return cmd
}

func newIncreaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "increase",
		Short: "Add liquidity to a position in its current range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, true, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				id, err := idFlag(cmd)
				if err != nil {
					return err
				}
				owner, err := ownerFlag(cmd, b)
				if err != nil {
					return err
				}
				amount0, amount1, err := amountFlags(cmd, "amount0", "amount1", b.mgr.Config())
				if err != nil {
					return err
				}
				opts, err := guardFlags(cmd, b.mgr.Config())
				if err != nil {
					return err
				}
				res, err := b.mgr.IncreaseLiquidityCurrentRange(ctx, owner, id, amount0, amount1, opts...)
				if err != nil {
					return err
				}
				return printJSON(cmd, newResultView(res, b.mgr.Config()))
			})
		},
	}
	addIDFlag(cmd)
	addOwnerFlag(cmd)
	cmd.Flags().String("amount0", "0", "token0 to add, in token units")
	cmd.Flags().String("amount1", "0", "token1 to add, in token units")
	addGuardFlags(cmd)
	return cmd
}

func newDecreaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrease",
		Short: "Remove half of a position's liquidity and collect it to the owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, true, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				id, err := idFlag(cmd)
				if err != nil {
					return err
				}
				opts, err := guardFlags(cmd, b.mgr.Config())
				if err != nil {
					return err
				}
				res, err := b.mgr.DecreaseLiquidityInHalf(ctx, id, opts...)
				if err != nil {
					return err
				}
				return printJSON(cmd, newResultView(res, b.mgr.Config()))
			})
		},
	}
	addIDFlag(cmd)
	addGuardFlags(cmd)
	return cmd
}

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Retry the collection of a decrease that removed liquidity but did not collect",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, true, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				id, err := idFlag(cmd)
				if err != nil {
					return err
				}
				res, err := b.mgr.CollectPending(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, newResultView(res, b.mgr.Config()))
			})
		},
	}
	addIDFlag(cmd)
	return cmd
}

func newDepositCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Pull tokens from an owner into custody for the next mint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, true, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				owner, err := ownerFlag(cmd, b)
				if err != nil {
					return err
				}
				amount0, amount1, err := amountFlags(cmd, "amount0", "amount1", b.mgr.Config())
				if err != nil {
					return err
				}
				credit, err := b.mgr.Deposit(ctx, owner, amount0, amount1)
				if err != nil {
					return err
				}
				return printJSON(cmd, credit)
			})
		},
	}
	addOwnerFlag(cmd)
	cmd.Flags().String("amount0", "0", "token0 to deposit, in token units")
	cmd.Flags().String("amount1", "0", "token1 to deposit, in token units")
	return cmd
}

func newWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Return an owner's unallocated custody balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, true, func(ctx context.Context, cmd *cobra.Command, b *backend, logger *zap.Logger) error {
				owner, err := ownerFlag(cmd, b)
				if err != nil {
					return err
				}
				withdrawn, err := b.mgr.WithdrawUnallocated(ctx, owner)
				if err != nil {
					return err
				}
				return printJSON(cmd, withdrawn)
			})
		},
	}
	addOwnerFlag(cmd)
	return cmd
}

type resultView struct {
	PositionID model.PositionID `json:"position_id"`
	Owner      common.Address   `json:"owner"`
	Liquidity  string           `json:"liquidity"`
	Position   string           `json:"position_liquidity"`
	Amount0    string           `json:"amount0"`
	Amount1    string           `json:"amount1"`
	TickLower  int32            `json:"tick_lower"`
	TickUpper  int32            `json:"tick_upper"`
	Event      model.Event      `json:"event"`
}

// newResultView renders amounts in token units.
func newResultView(res manager.Result, cfg manager.Config) resultView {
	return resultView{
		PositionID: res.Deposit.PositionID,
		Owner:      res.Deposit.Owner,
		Liquidity:  model.BigString(res.Liquidity),
		Position:   model.BigString(res.Deposit.Liquidity),
		Amount0:    token.FormatUnits(res.Amount0, cfg.Token0.Decimals) + " " + cfg.Token0.Symbol,
		Amount1:    token.FormatUnits(res.Amount1, cfg.Token1.Decimals) + " " + cfg.Token1.Symbol,
		TickLower:  res.Deposit.TickLower,
		TickUpper:  res.Deposit.TickUpper,
		Event:      res.Event,
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addIDFlag(cmd *cobra.Command) {
	cmd.Flags().Uint64("id", 0, "position id")
	_ = cmd.MarkFlagRequired("id")
}

func idFlag(cmd *cobra.Command) (model.PositionID, error) {
	id, err := cmd.Flags().GetUint64("id")
	if err != nil {
		return 0, err
	}
	return model.PositionID(id), nil
}

func addOwnerFlag(cmd *cobra.Command) {
	cmd.Flags().String("owner", "", "owner address (defaults to the custody account)")
}

func ownerFlag(cmd *cobra.Command, b *backend) (common.Address, error) {
	raw, _ := cmd.Flags().GetString("owner")
	if raw == "" {
		return b.mgr.Account(), nil
	}
	return config.ParseAddress("owner", raw)
}

func addGuardFlags(cmd *cobra.Command) {
	cmd.Flags().String("min0", "", "minimum token0, in token units (overrides slippage-bps)")
	cmd.Flags().String("min1", "", "minimum token1, in token units (overrides slippage-bps)")
}

func guardFlags(cmd *cobra.Command, cfg manager.Config) ([]manager.Option, error) {
	if !cmd.Flags().Changed("min0") && !cmd.Flags().Changed("min1") {
		return nil, nil
	}
	min0, min1, err := amountFlags(cmd, "min0", "min1", cfg)
	if err != nil {
		return nil, err
	}
	return []manager.Option{manager.WithMinimums(min0, min1)}, nil
}

func amountFlags(cmd *cobra.Command, name0, name1 string, cfg manager.Config) (*big.Int, *big.Int, error) {
	amount0, err := amountFlag(cmd, name0, cfg.Token0)
	if err != nil {
		return nil, nil, err
	}
	amount1, err := amountFlag(cmd, name1, cfg.Token1)
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

func amountFlag(cmd *cobra.Command, name string, meta model.TokenMeta) (*big.Int, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, err := token.ParseUnits(raw, meta.Decimals)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return amount, nil
}
