package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityManager/internal/audit"
	"liquidityManager/internal/chain"
	"liquidityManager/internal/config"
	"liquidityManager/internal/ledger"
	"liquidityManager/internal/model"
	"liquidityManager/internal/storage"
	"liquidityManager/internal/storage/postgres"
)

type ledgerView struct {
	Account     common.Address            `json:"account"`
	Positions   []model.Deposit           `json:"positions"`
	Pending     []model.PendingCollection `json:"pending"`
	Unallocated []model.Unallocated       `json:"unallocated"`
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted deposit ledger",
		RunE:  runShow,
	}
	cmd.Flags().Uint64("id", 0, "print only this position")
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile the ledger with position manager logs",
		RunE:  runAudit,
	}
	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().String("checkpoint", "./data/audit_checkpoint.json", "checkpoint file path (without pg-dsn)")
	return cmd
}

// readOnlyAccount is the custody account for commands that never sign.
func readOnlyAccount(cfg config.Config) (common.Address, error) {
	if cfg.Account != "" {
		return config.ParseAddress("account", cfg.Account)
	}
	if cfg.PrivateKey == "" {
		return common.Address{}, fmt.Errorf("account or private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// loadLedger restores the persisted ledger of account. The returned store is
// nil unless pg-dsn is set; the caller closes it.
func loadLedger(ctx context.Context, cfg config.Config, account common.Address) (*ledger.Ledger, *postgres.Store, error) {
	var (
		store storage.StateStore
		pg    *postgres.Store
	)
	if cfg.PGDSN != "" {
		var err error
		pg, err = postgres.NewStore(ctx, cfg.PGDSN, account.Hex())
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store = pg
	} else {
		store = &storage.FileStore{Path: cfg.StateFile}
	}

	l := ledger.New()
	state, ok, err := store.Load(ctx)
	if err == nil && ok {
		err = l.Restore(state)
	}
	if err != nil {
		if pg != nil {
			pg.Close()
		}
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	return l, pg, nil
}

func runShow(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	account, err := readOnlyAccount(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	l, pg, err := loadLedger(ctx, cfg, account)
	if err != nil {
		return err
	}
	if pg != nil {
		defer pg.Close()
	}

	if cmd.Flags().Changed("id") {
		raw, _ := cmd.Flags().GetUint64("id")
		dep, err := l.Get(model.PositionID(raw))
		if err != nil {
			return err
		}
		return printJSON(cmd, dep)
	}
	return printJSON(cmd, ledgerView{
		Account:     account,
		Positions:   l.Positions(),
		Pending:     l.PendingAll(),
		Unallocated: l.UnallocatedAll(),
	})
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	account, err := readOnlyAccount(cfg)
	if err != nil {
		return err
	}
	positionManager, err := config.ParseAddress("position-manager", cfg.PositionManager)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	l, pg, err := loadLedger(ctx, cfg, account)
	if err != nil {
		return err
	}
	var checkpoints audit.CheckpointStore
	switch {
	case pg != nil:
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		checkpoints = pg
	case cfg.Checkpoint != "":
		checkpoints = audit.NewFileCheckpoints(cfg.Checkpoint)
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	auditor, err := audit.NewAuditor(audit.RunConfig{
		FromBlock:       cfg.FromBlock,
		ToBlock:         cfg.ToBlock,
		BatchSize:       cfg.BatchSize,
		PositionManager: positionManager,
		Account:         account,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
	}, client, l, checkpoints, logger)
	if err != nil {
		return err
	}

	logger.Info("audit start",
		zap.String("account", account.Hex()),
		zap.String("position_manager", positionManager.Hex()),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("positions", len(l.Positions())),
	)
	report, err := auditor.Run(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if len(report.Findings) > 0 {
		return fmt.Errorf("audit found %d discrepancies", len(report.Findings))
	}
	return nil
}
