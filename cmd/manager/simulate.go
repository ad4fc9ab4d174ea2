package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityManager/internal/config"
	"liquidityManager/internal/model"
	"liquidityManager/internal/token"
)

type simulationReport struct {
	Custody     string              `json:"custody"`
	Steps       []simulationStep    `json:"steps"`
	Deposit     model.Deposit       `json:"deposit"`
	Unallocated model.Unallocated   `json:"unallocated"`
	Events      []model.EventRecord `json:"events"`
}

type simulationStep struct {
	Name   string     `json:"name"`
	Result resultView `json:"result"`
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run mint, increase and decrease against an in-memory pool",
		RunE:  runSimulate,
	}
	cmd.Flags().String("owner", "0xA11CE00000000000000000000000000000000A11", "owner of the simulated position")
	cmd.Flags().String("seed0", "1000", "token0 placed in custody before the mint, in token units")
	cmd.Flags().String("seed1", "1000", "token1 placed in custody before the mint, in token units")
	cmd.Flags().String("add0", "150", "token0 added by the increase, in token units")
	cmd.Flags().String("add1", "150", "token1 added by the increase, in token units")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Backend = config.BackendSimulated

	rawOwner, _ := cmd.Flags().GetString("owner")
	owner, err := config.ParseAddress("owner", rawOwner)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	mcfg := b.mgr.Config()
	seed0, seed1, err := amountFlags(cmd, "seed0", "seed1", mcfg)
	if err != nil {
		return err
	}
	add0, add1, err := amountFlags(cmd, "add0", "add1", mcfg)
	if err != nil {
		return err
	}

	if err := b.tokens.Mint(mcfg.Token0.Address, b.mgr.Account(), seed0); err != nil {
		return err
	}
	if err := b.tokens.Mint(mcfg.Token1.Address, b.mgr.Account(), seed1); err != nil {
		return err
	}

	report := simulationReport{Custody: b.mgr.Account().Hex()}

	minted, err := b.mgr.MintNewPosition(ctx, owner)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	report.Steps = append(report.Steps, simulationStep{Name: "mint", Result: newResultView(minted, mcfg)})
	id := minted.Deposit.PositionID

	if add0.Sign() > 0 || add1.Sign() > 0 {
		if err := fundOwner(b.tokens, owner, mcfg.Token0, add0); err != nil {
			return err
		}
		if err := fundOwner(b.tokens, owner, mcfg.Token1, add1); err != nil {
			return err
		}
		increased, err := b.mgr.IncreaseLiquidityCurrentRange(ctx, owner, id, add0, add1)
		if err != nil {
			return fmt.Errorf("increase: %w", err)
		}
		report.Steps = append(report.Steps, simulationStep{Name: "increase", Result: newResultView(increased, mcfg)})
	}

	decreased, err := b.mgr.DecreaseLiquidityInHalf(ctx, id)
	if err != nil {
		return fmt.Errorf("decrease: %w", err)
	}
	report.Steps = append(report.Steps, simulationStep{Name: "decrease", Result: newResultView(decreased, mcfg)})

	if report.Deposit, err = b.mgr.Deposits(id); err != nil {
		return err
	}
	a0, a1 := b.mgr.Unallocated(owner)
	report.Unallocated = model.Unallocated{
		Owner:   owner,
		Amount0: token.FormatUnits(a0, mcfg.Token0.Decimals),
		Amount1: token.FormatUnits(a1, mcfg.Token1.Decimals),
	}
	if report.Events, err = b.events.Events(ctx, id); err != nil {
		return err
	}

	logger.Info("simulation finished",
		zap.Uint64("position_id", uint64(id)),
		zap.String("liquidity", report.Deposit.Liquidity.String()),
		zap.Int("events", len(report.Events)),
	)
	return printJSON(cmd, report)
}
