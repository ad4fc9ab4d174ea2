package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"liquidityManager/internal/api"
	"liquidityManager/internal/chain"
	"liquidityManager/internal/config"
	"liquidityManager/internal/custody"
	"liquidityManager/internal/custody/erc20"
	"liquidityManager/internal/events"
	"liquidityManager/internal/manager"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool/npm"
	"liquidityManager/internal/pool/simulated"
	"liquidityManager/internal/storage"
	"liquidityManager/internal/storage/postgres"
	"liquidityManager/internal/token"
)

// Simulated custody and venue addresses.
var (
	simCustody = common.HexToAddress("0xC000000000000000000000000000000000000C00")
	simVenue   = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

// backend is a wired manager plus whatever it needs to be torn down.
type backend struct {
	cfg      config.Config
	mgr      *manager.Manager
	events   api.EventSource
	registry *prometheus.Registry

	// Set only for the simulated backend.
	tokens *token.Ledger
	venue  *simulated.Venue

	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	var (
		b   *backend
		err error
	)
	switch cfg.Backend {
	case config.BackendSimulated:
		b, err = openSimulated(cfg, logger)
	case config.BackendChain:
		b, err = openChain(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	b.cfg = cfg
	return b, nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func managerConfig(cfg config.Config, logger *zap.Logger, registry prometheus.Registerer) (manager.Config, error) {
	token0, token1, err := cfg.TokenPair()
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Token0:            token0,
		Token1:            token1,
		Fee:               cfg.Fee,
		TickHalfWidth:     cfg.TickHalfWidth,
		DeadlineWindow:    cfg.Deadline,
		SlippageBps:       cfg.SlippageBps,
		AllowZeroMinimums: cfg.AllowZeroMinimums,
		Logger:            logger,
		Registry:          registry,
	}, nil
}

// openSimulated keeps tokens, venue, ledger and events in memory. Each
// configured sim account starts with sim-fund of both tokens, approved to
// custody.
func openSimulated(cfg config.Config, logger *zap.Logger) (*backend, error) {
	registry := newRegistry()
	mcfg, err := managerConfig(cfg, logger, registry)
	if err != nil {
		return nil, err
	}

	tokens := token.NewLedger(mcfg.Token0, mcfg.Token1)
	venue, err := simulated.NewVenue(simulated.Config{
		Address: simVenue,
		Token0:  mcfg.Token0.Address,
		Token1:  mcfg.Token1.Address,
		Fee:     cfg.Fee,
		Tick:    cfg.SimTick,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("simulated venue: %w", err)
	}
	meta := venue.Meta()
	mcfg.Pool = meta.Address

	for _, raw := range cfg.SimAccounts {
		account, err := config.ParseAddress("sim-accounts", raw)
		if err != nil {
			return nil, err
		}
		if err := fundSimAccount(tokens, account, cfg.SimFund, mcfg.Token0, mcfg.Token1); err != nil {
			return nil, err
		}
	}

	log := events.NewLog()
	mgr, err := manager.New(mcfg, manager.Deps{
		Custody: custody.NewLedgerAdapter(tokens, simCustody),
		Pool:    venue.Adapter(simCustody),
		Sink:    log,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("simulated backend ready",
		zap.String("custody", simCustody.Hex()),
		zap.Int32("tick", cfg.SimTick),
		zap.Int32("tick_spacing", meta.TickSpacing),
		zap.Int("funded_accounts", len(cfg.SimAccounts)),
	)
	return &backend{
		mgr:      mgr,
		events:   events.LogReader{Log: log},
		registry: registry,
		tokens:   tokens,
		venue:    venue,
	}, nil
}

func fundSimAccount(tokens *token.Ledger, account common.Address, amount string, metas ...model.TokenMeta) error {
	for _, meta := range metas {
		units, err := token.ParseUnits(amount, meta.Decimals)
		if err != nil {
			return fmt.Errorf("sim-fund: %w", err)
		}
		if err := fundOwner(tokens, account, meta, units); err != nil {
			return err
		}
	}
	return nil
}

// fundOwner mints amount to owner and raises its allowance to custody by the same.
func fundOwner(tokens *token.Ledger, owner common.Address, meta model.TokenMeta, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := tokens.Mint(meta.Address, owner, amount); err != nil {
		return err
	}
	allowance := new(big.Int).Add(tokens.Allowance(meta.Address, owner, simCustody), amount)
	return tokens.Approve(meta.Address, owner, simCustody, allowance)
}

// openChain signs with the configured key, which is also the custody account.
// Ledger state goes to Postgres when pg-dsn is set, otherwise to state-file.
func openChain(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	positionManager, err := config.ParseAddress("position-manager", cfg.PositionManager)
	if err != nil {
		return nil, err
	}
	factory, err := config.ParseAddress("factory", cfg.Factory)
	if err != nil {
		return nil, err
	}

	b := &backend{registry: newRegistry()}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	b.closers = append(b.closers, client.Close)

	transactor, err := chain.NewTransactor(ctx, client, cfg.PrivateKey, 0, logger)
	if err != nil {
		return nil, err
	}
	account := transactor.From()

	mcfg, err := managerConfig(cfg, logger, b.registry)
	if err != nil {
		return nil, err
	}

	tokens, err := erc20.NewAdapter(client, transactor, erc20.Options{
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	for _, meta := range []*model.TokenMeta{&mcfg.Token0, &mcfg.Token1} {
		if err := checkTokenMeta(ctx, tokens, meta, logger); err != nil {
			return nil, err
		}
	}

	venue, err := npm.NewAdapter(npm.Config{
		PositionManager: positionManager,
		Factory:         factory,
		Token0:          mcfg.Token0.Address,
		Token1:          mcfg.Token1.Address,
		Fee:             cfg.Fee,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		Logger:          logger,
	}, client, transactor)
	if err != nil {
		return nil, err
	}
	poolAddress, err := venue.PoolAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve pool: %w", err)
	}
	mcfg.Pool = poolAddress

	deps := manager.Deps{Custody: tokens, Pool: venue}
	if err := wireStorage(ctx, cfg, account, &mcfg, &deps, b); err != nil {
		return nil, err
	}

	mgr, err := manager.New(mcfg, deps)
	if err != nil {
		return nil, err
	}
	if err := mgr.LoadState(ctx); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	b.mgr = mgr

	logger.Info("chain backend ready",
		zap.String("account", account.Hex()),
		zap.String("position_manager", positionManager.Hex()),
		zap.String("pool", poolAddress.Hex()),
		zap.Uint64("sequence", mcfg.StartSequence),
		zap.Int("positions", len(mgr.Positions())),
	)
	ok = true
	return b, nil
}

// wireStorage picks the state store and event sinks. Postgres is published
// to before the journal.
func wireStorage(ctx context.Context, cfg config.Config, account common.Address, mcfg *manager.Config, deps *manager.Deps, b *backend) error {
	var journal *events.Journal
	if cfg.Journal != "" {
		journal = events.NewJournal(cfg.Journal)
	}

	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN, account.Hex())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		last, err := store.LastSequence(ctx)
		if err != nil {
			return err
		}
		deps.Store = store
		b.events = store
		mcfg.StartSequence = last
		if journal != nil {
			deps.Sink = events.Multi{store, journal}
		} else {
			deps.Sink = store
		}
		return nil
	}

	if journal == nil {
		return fmt.Errorf("journal path is required without pg-dsn")
	}
	last, err := events.LastSequence(cfg.Journal)
	if err != nil {
		return err
	}
	deps.Store = &storage.FileStore{Path: cfg.StateFile}
	deps.Sink = journal
	b.events = journal
	mcfg.StartSequence = last
	return nil
}

// checkTokenMeta fills the symbol from chain and rejects a decimals mismatch.
func checkTokenMeta(ctx context.Context, tokens *erc20.Adapter, meta *model.TokenMeta, logger *zap.Logger) error {
	onChain, err := tokens.FetchTokenMeta(ctx, meta.Address)
	if err != nil {
		return fmt.Errorf("token %s metadata: %w", meta.Address.Hex(), err)
	}
	if onChain.Decimals != meta.Decimals {
		return fmt.Errorf("token %s has %d decimals on chain, configured %d", meta.Address.Hex(), onChain.Decimals, meta.Decimals)
	}
	if onChain.Symbol != "" && onChain.Symbol != meta.Symbol {
		logger.Warn("token symbol differs from config",
			zap.String("token", meta.Address.Hex()),
			zap.String("chain", onChain.Symbol),
			zap.String("config", meta.Symbol),
		)
		meta.Symbol = onChain.Symbol
	}
	meta.Name = onChain.Name
	return nil
}
