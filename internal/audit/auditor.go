package audit

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"liquidityManager/internal/chain"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool/npm"
)

// LogSource is the part of chain.Client the auditor reads from.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// DepositSource lists recorded deposits; ledger.Ledger and manager.Manager satisfy it.
type DepositSource interface {
	Positions() []model.Deposit
}

// RunConfig holds the scan window and the addresses to reconcile.
type RunConfig struct {
	FromBlock       uint64
	ToBlock         uint64
	BatchSize       uint64
	PositionManager common.Address
	// Account is the custody account expected to hold every receipt.
	Account        common.Address
	CheckpointName string
	MaxRetries     int
	RetryBackoff   time.Duration
}

// ScanName is the checkpoint key of the scan.
func (c RunConfig) ScanName() string {
	if c.CheckpointName != "" {
		return c.CheckpointName
	}
	return "audit:" + c.PositionManager.Hex()
}

// Observed is what the scanned logs say about one receipt.
type Observed struct {
	PositionID model.PositionID `json:"position_id"`
	Holder     common.Address   `json:"holder"`
	// Minted is set when the mint transfer fell inside the scanned window,
	// which makes Liquidity the full on-chain liquidity.
	Minted     bool      `json:"minted"`
	Liquidity  *big.Int  `json:"liquidity"`
	Collected0 *big.Int  `json:"collected0"`
	Collected1 *big.Int  `json:"collected1"`
	LastBlock  uint64    `json:"last_block"`
	LastSeen   time.Time `json:"last_seen"`
}

type FindingKind string

const (
	FindingNotHeld           FindingKind = "not_held"
	FindingLiquidityMismatch FindingKind = "liquidity_mismatch"
	FindingUntracked         FindingKind = "untracked_receipt"
)

// Finding is one disagreement between the ledger and the chain.
type Finding struct {
	PositionID model.PositionID `json:"position_id"`
	Kind       FindingKind      `json:"kind"`
	Detail     string           `json:"detail"`
}

// Report summarizes an audit run.
type Report struct {
	FromBlock uint64     `json:"from_block"`
	ToBlock   uint64     `json:"to_block"`
	Logs      int        `json:"logs"`
	Observed  []Observed `json:"observed"`
	Findings  []Finding  `json:"findings"`
}

// Auditor replays position manager logs and reconciles them with the ledger.
type Auditor struct {
	cfg         RunConfig
	source      LogSource
	deposits    DepositSource
	checkpoints CheckpointStore
	decoder     *npm.Decoder
	logger      *zap.Logger
	seen        map[string]struct{}
}

func NewAuditor(cfg RunConfig, source LogSource, deposits DepositSource, checkpoints CheckpointStore, logger *zap.Logger) (*Auditor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	decoder, err := npm.NewDecoder()
	if err != nil {
		return nil, err
	}
	cfg.CheckpointName = cfg.ScanName()
	return &Auditor{
		cfg:         cfg,
		source:      source,
		deposits:    deposits,
		checkpoints: checkpoints,
		decoder:     decoder,
		logger:      logger,
		seen:        make(map[string]struct{}),
	}, nil
}

// Run scans the configured window and returns the reconciliation report.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	if a.source == nil {
		return Report{}, fmt.Errorf("log source is nil")
	}
	if a.deposits == nil {
		return Report{}, fmt.Errorf("deposit source is nil")
	}
	if a.cfg.BatchSize == 0 {
		return Report{}, fmt.Errorf("batch size must be greater than zero")
	}
	if a.cfg.PositionManager == (common.Address{}) {
		return Report{}, fmt.Errorf("position manager address is required")
	}

	from := a.cfg.FromBlock
	to := a.cfg.ToBlock
	if to == 0 {
		latest, err := a.latestWithRetry(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	if a.checkpoints != nil {
		last, ok, err := a.checkpoints.LoadCheckpoint(ctx, a.cfg.CheckpointName)
		if err != nil {
			return Report{}, err
		}
		if ok && last >= from {
			from = last + 1
			a.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("from", from))
		}
	}

	report := Report{FromBlock: from, ToBlock: to}
	observed := make(map[model.PositionID]*Observed)

	if from > to {
		a.logger.Info("nothing to audit", zap.Uint64("from", from), zap.Uint64("to", to))
		report.Findings = a.reconcile(observed)
		return report, nil
	}

	ranges, err := SplitRange(from, to, a.cfg.BatchSize)
	if err != nil {
		return Report{}, err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		default:
		}

		a.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		logs, err := a.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return Report{}, fmt.Errorf("filter logs: %w", err)
		}

		applied := 0
		for _, log := range logs {
			if log.Removed || a.isDuplicate(log) || !a.decoder.CanDecode(log) {
				continue
			}
			decoded, err := a.decoder.Decode(log)
			if err != nil {
				a.logger.Warn("decode failed", zap.Error(err), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint("log_index", log.Index))
				continue
			}
			ts, err := a.blockTimestampWithRetry(ctx, log.BlockNumber)
			if err != nil {
				return Report{}, fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}
			if a.apply(observed, decoded, ts) {
				applied++
			}
		}
		report.Logs += applied

		if a.checkpoints != nil {
			if err := a.checkpoints.SaveCheckpoint(ctx, a.cfg.CheckpointName, blockRange.To); err != nil {
				return Report{}, err
			}
		}
		a.logger.Info("batch complete", zap.Int("logs", applied), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	report.Observed = make([]Observed, 0, len(observed))
	for _, obs := range observed {
		report.Observed = append(report.Observed, *obs)
	}
	sort.Slice(report.Observed, func(i, j int) bool { return report.Observed[i].PositionID < report.Observed[j].PositionID })
	report.Findings = a.reconcile(observed)
	return report, nil
}

func (a *Auditor) apply(observed map[model.PositionID]*Observed, decoded npm.PositionLog, ts uint64) bool {
	if decoded.TokenID == nil || !decoded.TokenID.IsUint64() {
		a.logger.Warn("token id out of range", zap.String("tx_hash", decoded.TxHash.Hex()))
		return false
	}
	id := model.PositionID(decoded.TokenID.Uint64())
	obs, ok := observed[id]
	if !ok {
		obs = &Observed{
			PositionID: id,
			Liquidity:  big.NewInt(0),
			Collected0: big.NewInt(0),
			Collected1: big.NewInt(0),
		}
		observed[id] = obs
	}

	switch decoded.Name {
	case npm.LogTransfer:
		obs.Holder = decoded.To
		if decoded.From == (common.Address{}) {
			obs.Minted = true
			obs.Liquidity = big.NewInt(0)
		}
	case npm.LogIncreaseLiquidity:
		obs.Liquidity.Add(obs.Liquidity, decoded.Liquidity)
	case npm.LogDecreaseLiquidity:
		obs.Liquidity.Sub(obs.Liquidity, decoded.Liquidity)
	case npm.LogCollect:
		obs.Collected0.Add(obs.Collected0, decoded.Amount0)
		obs.Collected1.Add(obs.Collected1, decoded.Amount1)
	}
	obs.LastBlock = decoded.BlockNumber
	obs.LastSeen = time.Unix(int64(ts), 0).UTC()
	return true
}

func (a *Auditor) reconcile(observed map[model.PositionID]*Observed) []Finding {
	var findings []Finding
	recorded := make(map[model.PositionID]struct{})
	for _, dep := range a.deposits.Positions() {
		recorded[dep.PositionID] = struct{}{}
		obs, ok := observed[dep.PositionID]
		if !ok {
			continue
		}
		if obs.Holder != (common.Address{}) && obs.Holder != a.cfg.Account {
			findings = append(findings, Finding{
				PositionID: dep.PositionID,
				Kind:       FindingNotHeld,
				Detail:     fmt.Sprintf("receipt held by %s", obs.Holder.Hex()),
			})
		}
		if obs.Minted && obs.Liquidity.Cmp(dep.Liquidity) != 0 {
			findings = append(findings, Finding{
				PositionID: dep.PositionID,
				Kind:       FindingLiquidityMismatch,
				Detail:     fmt.Sprintf("ledger %s, chain %s", dep.Liquidity, obs.Liquidity),
			})
		}
	}
	for id, obs := range observed {
		if _, ok := recorded[id]; ok {
			continue
		}
		if obs.Minted && obs.Holder == a.cfg.Account {
			findings = append(findings, Finding{
				PositionID: id,
				Kind:       FindingUntracked,
				Detail:     fmt.Sprintf("receipt held by custody with liquidity %s but not in the ledger", obs.Liquidity),
			})
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].PositionID != findings[j].PositionID {
			return findings[i].PositionID < findings[j].PositionID
		}
		return findings[i].Kind < findings[j].Kind
	})
	for _, f := range findings {
		a.logger.Warn("audit finding", zap.Uint64("position_id", uint64(f.PositionID)), zap.String("kind", string(f.Kind)), zap.String("detail", f.Detail))
	}
	return findings
}

func (a *Auditor) latestWithRetry(ctx context.Context) (uint64, error) {
	var latest uint64
	err := chain.WithRetry(ctx, a.cfg.MaxRetries, a.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = a.source.LatestBlockNumber(ctx)
		return err
	})
	return latest, err
}

func (a *Auditor) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	addresses := []common.Address{a.cfg.PositionManager}
	err := chain.WithRetry(ctx, a.cfg.MaxRetries, a.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = a.source.FilterLogs(ctx, fromBlock, toBlock, addresses, a.decoder.Topics())
		if err != nil {
			a.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (a *Auditor) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := chain.WithRetry(ctx, a.cfg.MaxRetries, a.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = a.source.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			a.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

func (a *Auditor) isDuplicate(log types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
	if _, ok := a.seen[id]; ok {
		return true
	}
	a.seen[id] = struct{}{}
	return false
}
