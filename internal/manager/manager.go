package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"liquidityManager/internal/custody"
	"liquidityManager/internal/events"
	"liquidityManager/internal/ledger"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
	"liquidityManager/internal/storage"
)

const (
	DefaultTickHalfWidth  int32         = 600
	DefaultDeadlineWindow time.Duration = 10 * time.Minute
	DefaultSlippageBps    uint32        = 50
)

// Config fixes the asset pair, the pool and the operating policy of one Manager.
type Config struct {
	Token0 model.TokenMeta
	Token1 model.TokenMeta
	Fee    uint32
	// Pool is the venue pool address, reported by PoolState only.
	Pool common.Address

	// TickHalfWidth is the distance in ticks from the current tick to each
	// bound of a freshly minted range, before alignment to tick spacing.
	TickHalfWidth  int32
	DeadlineWindow time.Duration
	// SlippageBps bounds how far below the expected amounts a mint or
	// increase may settle. Zero minimums need AllowZeroMinimums.
	SlippageBps       uint32
	AllowZeroMinimums bool

	// StartSequence is the last event sequence already published.
	StartSequence uint64
	Clock         func() time.Time
	Logger        *zap.Logger
	Registry      prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Token0.Address == (common.Address{}) || c.Token1.Address == (common.Address{}) {
		return errors.New("config: token0 and token1 are required")
	}
	if bytes.Compare(c.Token0.Address.Bytes(), c.Token1.Address.Bytes()) >= 0 {
		return fmt.Errorf("config: token0 %s must sort before token1 %s", c.Token0.Address.Hex(), c.Token1.Address.Hex())
	}
	if c.TickHalfWidth < 0 {
		return fmt.Errorf("config: tick half width must be positive, got %d", c.TickHalfWidth)
	}
	if c.TickHalfWidth == 0 {
		c.TickHalfWidth = DefaultTickHalfWidth
	}
	if c.DeadlineWindow < 0 {
		return fmt.Errorf("config: deadline window must be positive, got %s", c.DeadlineWindow)
	}
	if c.DeadlineWindow == 0 {
		c.DeadlineWindow = DefaultDeadlineWindow
	}
	if c.SlippageBps >= 10000 {
		return fmt.Errorf("config: slippage bps must be below 10000, got %d", c.SlippageBps)
	}
	if c.SlippageBps == 0 && !c.AllowZeroMinimums {
		c.SlippageBps = DefaultSlippageBps
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return nil
}

// Deps are the collaborators a Manager drives. Store is optional.
type Deps struct {
	Custody custody.Custody
	Pool    pool.Pool
	Ledger  *ledger.Ledger
	Sink    events.Sink
	Store   storage.StateStore
}

// Manager runs the position lifecycle: mint, increase, decrease-in-half and
// the custody bookkeeping around them. Mutating operations are serialized.
type Manager struct {
	cfg     Config
	custody custody.Custody
	pool    pool.Pool
	ledger  *ledger.Ledger
	sink    events.Sink
	store   storage.StateStore
	logger  *zap.Logger
	metrics *metrics

	mu  sync.Mutex
	seq uint64
}

func New(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Custody == nil {
		return nil, errors.New("custody is nil")
	}
	if deps.Pool == nil {
		return nil, errors.New("pool is nil")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New()
	}
	if deps.Sink == nil {
		deps.Sink = events.NewLog()
	}
	m := &Manager{
		cfg:     cfg,
		custody: deps.Custody,
		pool:    deps.Pool,
		ledger:  deps.Ledger,
		sink:    deps.Sink,
		store:   deps.Store,
		logger:  cfg.Logger,
		seq:     cfg.StartSequence,
	}
	mt, err := newMetrics(cfg.Registry)
	if err != nil {
		return nil, err
	}
	m.metrics = mt
	m.metrics.setPositions(m.ledger)
	return m, nil
}

// LoadState restores the ledger from the state store, if one is configured.
func (m *Manager) LoadState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !ok {
		m.logger.Info("no saved state")
		return nil
	}
	for _, dep := range state.Deposits {
		if dep.Token0 != m.cfg.Token0.Address || dep.Token1 != m.cfg.Token1.Address {
			return fmt.Errorf("load state: position %s holds %s/%s, manager is configured for %s/%s",
				dep.PositionID, dep.Token0.Hex(), dep.Token1.Hex(), m.cfg.Token0.Address.Hex(), m.cfg.Token1.Address.Hex())
		}
	}
	if err := m.ledger.Restore(state); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	m.metrics.setPositions(m.ledger)
	for _, ev := range state.Unpublished {
		if ev.Sequence > m.seq {
			m.seq = ev.Sequence
		}
	}
	m.metrics.eventsDeferred.Set(float64(len(state.Unpublished)))
	m.logger.Info("state loaded",
		zap.Int("deposits", len(state.Deposits)),
		zap.Int("pending", len(state.Pending)),
		zap.Int("unallocated", len(state.Unallocated)),
		zap.Int("unpublished", len(state.Unpublished)),
	)
	if err := m.publish(ctx, nil); err != nil {
		m.logger.Warn("deferred events still unpublished", zap.Int("events", len(state.Unpublished)), zap.Error(err))
	}
	return nil
}

// Config returns the effective configuration after defaults.
func (m *Manager) Config() Config {
	return m.cfg
}

// Account is the custody account that owns every position receipt.
func (m *Manager) Account() common.Address {
	return m.custody.Account()
}

// Deposits returns the deposit of a position.
func (m *Manager) Deposits(id model.PositionID) (model.Deposit, error) {
	return m.ledger.Get(id)
}

// Positions lists every deposit ordered by position id.
func (m *Manager) Positions() []model.Deposit {
	return m.ledger.Positions()
}

// Unallocated returns owner's custody credit not attributed to any position.
func (m *Manager) Unallocated(owner common.Address) (*big.Int, *big.Int) {
	return m.ledger.Unallocated(owner)
}

// Pending returns the pending collection of a position, if any.
func (m *Manager) Pending(id model.PositionID) (model.PendingCollection, bool) {
	return m.ledger.Pending(id)
}

// PendingAll lists every pending collection.
func (m *Manager) PendingAll() []model.PendingCollection {
	return m.ledger.PendingAll()
}

// PoolState is the managed pool with its current price.
type PoolState struct {
	model.PoolMeta
	Slot0 model.Slot0 `json:"slot0"`
}

func (m *Manager) PoolState(ctx context.Context) (PoolState, error) {
	slot0, err := m.pool.Slot0(ctx)
	if err != nil {
		return PoolState{}, err
	}
	spacing, err := m.pool.TickSpacing(ctx)
	if err != nil {
		return PoolState{}, err
	}
	return PoolState{
		PoolMeta: model.PoolMeta{
			Address:     m.cfg.Pool,
			Token0:      m.cfg.Token0.Address,
			Token1:      m.cfg.Token1.Address,
			Fee:         m.cfg.Fee,
			TickSpacing: spacing,
		},
		Slot0: slot0,
	}, nil
}

// Sequence is the sequence number of the last published event.
func (m *Manager) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

func (m *Manager) deadline(o options) time.Time {
	if !o.deadline.IsZero() {
		return o.deadline
	}
	return m.cfg.Clock().Add(m.cfg.DeadlineWindow)
}
