package manager

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidityManager/internal/custody"
	"liquidityManager/internal/events"
	"liquidityManager/internal/ledger"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
	"liquidityManager/internal/pool/simulated"
	"liquidityManager/internal/storage"
	"liquidityManager/internal/token"
)

var (
	daiMeta  = model.TokenMeta{Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Decimals: 18, Symbol: "DAI"}
	usdcMeta = model.TokenMeta{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6, Symbol: "USDC"}

	custodyAccount = common.HexToAddress("0xC000000000000000000000000000000000000C00")
	venueAddress   = common.HexToAddress("0x5000000000000000000000000000000000000005")
	alice          = common.HexToAddress("0xA11CE00000000000000000000000000000000A11")
	bob            = common.HexToAddress("0xB0B0000000000000000000000000000000000B0B")
)

const scenarioTick = -276324

// opaquePool and opaqueCustody hide Snapshot, standing in for chain backends.
type opaquePool struct{ pool.Pool }

type opaqueCustody struct{ custody.Custody }

type failingSink struct{ err error }

func (s failingSink) Publish(ctx context.Context, events []model.Event) error {
	return s.err
}

// switchSink forwards to log unless it is down.
type switchSink struct {
	down bool
	log  *events.Log
}

func (s *switchSink) Publish(ctx context.Context, evs []model.Event) error {
	if s.down {
		return errors.New("journal write failed")
	}
	return s.log.Publish(ctx, evs)
}

func countSequence(evs []model.Event, seq uint64) int {
	n := 0
	for _, ev := range evs {
		if ev.Sequence == seq {
			n++
		}
	}
	return n
}

type env struct {
	now     time.Time
	tokens  *token.Ledger
	venue   *simulated.Venue
	ledger  *ledger.Ledger
	log     *events.Log
	mgr     *Manager
	cfg     Config
	deps    Deps
	ctx     context.Context
	account common.Address
}

type envOption func(*Config, *Deps)

func opaque() envOption {
	return func(_ *Config, d *Deps) {
		d.Pool = opaquePool{d.Pool}
		d.Custody = opaqueCustody{d.Custody}
	}
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := &env{
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ctx:     context.Background(),
		account: custodyAccount,
	}
	e.tokens = token.NewLedger(daiMeta, usdcMeta)
	venue, err := simulated.NewVenue(simulated.Config{
		Address: venueAddress,
		Token0:  daiMeta.Address,
		Token1:  usdcMeta.Address,
		Fee:     100,
		Tick:    scenarioTick,
		Clock:   func() time.Time { return e.now },
	}, e.tokens)
	require.NoError(t, err)
	e.venue = venue
	e.ledger = ledger.New()
	e.log = events.NewLog()

	e.cfg = Config{
		Token0:        daiMeta,
		Token1:        usdcMeta,
		Fee:           100,
		TickHalfWidth: 600,
		Clock:         func() time.Time { return e.now },
		Logger:        zap.NewNop(),
		Registry:      prometheus.NewRegistry(),
	}
	e.deps = Deps{
		Custody: custody.NewLedgerAdapter(e.tokens, custodyAccount),
		Pool:    venue.Adapter(custodyAccount),
		Ledger:  e.ledger,
		Sink:    e.log,
	}
	for _, opt := range opts {
		opt(&e.cfg, &e.deps)
	}
	mgr, err := New(e.cfg, e.deps)
	require.NoError(t, err)
	e.mgr = mgr
	return e
}

func units(t *testing.T, value string, decimals uint8) *big.Int {
	t.Helper()
	v, err := token.ParseUnits(value, decimals)
	require.NoError(t, err)
	return v
}

// seedCustody transfers tokens straight into custody, the way the pair is
// funded before the first mint.
func (e *env) seedCustody(t *testing.T, dai, usdc string) {
	t.Helper()
	require.NoError(t, e.tokens.Mint(daiMeta.Address, custodyAccount, units(t, dai, 18)))
	require.NoError(t, e.tokens.Mint(usdcMeta.Address, custodyAccount, units(t, usdc, 6)))
}

// fund gives who tokens and approves custody to pull all of them.
func (e *env) fund(t *testing.T, who common.Address, dai, usdc string) {
	t.Helper()
	require.NoError(t, e.tokens.Mint(daiMeta.Address, who, units(t, dai, 18)))
	require.NoError(t, e.tokens.Mint(usdcMeta.Address, who, units(t, usdc, 6)))
	require.NoError(t, e.tokens.Approve(daiMeta.Address, who, custodyAccount, e.tokens.BalanceOf(daiMeta.Address, who)))
	require.NoError(t, e.tokens.Approve(usdcMeta.Address, who, custodyAccount, e.tokens.BalanceOf(usdcMeta.Address, who)))
}

func (e *env) balances(who common.Address) (string, string) {
	return e.tokens.BalanceOf(daiMeta.Address, who).String(), e.tokens.BalanceOf(usdcMeta.Address, who).String()
}

func (e *env) mint(t *testing.T, caller common.Address) Result {
	t.Helper()
	e.seedCustody(t, "1000", "1000")
	res, err := e.mgr.MintNewPosition(e.ctx, caller)
	require.NoError(t, err)
	return res
}

func TestMintScenario(t *testing.T) {
	e := newEnv(t)
	e.seedCustody(t, "1000", "1000")

	res, err := e.mgr.MintNewPosition(e.ctx, alice)
	require.NoError(t, err)

	dep, err := e.mgr.Deposits(res.Deposit.PositionID)
	require.NoError(t, err)
	assert.Equal(t, alice, dep.Owner)
	assert.Equal(t, daiMeta.Address, dep.Token0)
	assert.Equal(t, usdcMeta.Address, dep.Token1)
	assert.Equal(t, 1, dep.Liquidity.Sign())
	assert.Equal(t, res.Liquidity.String(), dep.Liquidity.String())
	assert.Equal(t, int32(-276924), dep.TickLower)
	assert.Equal(t, int32(-275724), dep.TickUpper)

	info, ok := e.venue.Position(dep.PositionID)
	require.True(t, ok)
	assert.Equal(t, custodyAccount, info.Owner)
	assert.Equal(t, dep.Liquidity.String(), info.Liquidity.String())

	evs := e.log.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPositionMinted, evs[0].Name)
	assert.Equal(t, dep.PositionID, evs[0].PositionID)
	assert.Equal(t, uint64(1), evs[0].Sequence)
	data, ok := evs[0].Data.(model.PositionMintedData)
	require.True(t, ok)
	assert.Equal(t, dep.Liquidity.String(), data.Liquidity)
	assert.Equal(t, res.Amount0.String(), data.Amount0)
	assert.Equal(t, res.Amount1.String(), data.Amount1)

	// Residue stays in custody and belongs to the minter.
	residue0, residue1 := e.mgr.Unallocated(alice)
	custody0, custody1 := e.balances(custodyAccount)
	assert.Equal(t, custody0, residue0.String())
	assert.Equal(t, custody1, residue1.String())
	assert.Equal(t, units(t, "1000", 18).String(), new(big.Int).Add(residue0, res.Amount0).String())
	assert.Equal(t, units(t, "1000", 6).String(), new(big.Int).Add(residue1, res.Amount1).String())

	assert.Equal(t, float64(1), testutil.ToFloat64(e.mgr.metrics.operations.WithLabelValues(opMint, "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.mgr.metrics.positions))
}

func TestMintEmptyCustody(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.MintNewPosition(e.ctx, alice)
	require.ErrorIs(t, err, model.ErrZeroLiquidity)
	assert.Empty(t, e.mgr.Positions())
	assert.Equal(t, 0, e.log.Len())
}

func TestMintSweepsUnallocated(t *testing.T) {
	e := newEnv(t)
	e.fund(t, alice, "600", "600")
	e.fund(t, bob, "400", "400")
	_, err := e.mgr.Deposit(e.ctx, alice, units(t, "600", 18), units(t, "600", 6))
	require.NoError(t, err)
	_, err = e.mgr.Deposit(e.ctx, bob, units(t, "400", 18), units(t, "400", 6))
	require.NoError(t, err)

	res, err := e.mgr.MintNewPosition(e.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, res.Deposit.Owner)

	a0, a1 := e.mgr.Unallocated(alice)
	assert.Equal(t, "0", a0.String())
	assert.Equal(t, "0", a1.String())

	b0, b1 := e.mgr.Unallocated(bob)
	custody0, custody1 := e.balances(custodyAccount)
	assert.Equal(t, custody0, b0.String())
	assert.Equal(t, custody1, b1.String())
	assert.Equal(t, units(t, "1000", 18).String(), new(big.Int).Add(b0, res.Amount0).String())
}

func TestIncreaseScenario(t *testing.T) {
	e := newEnv(t)
	minted := e.mint(t, alice)
	id := minted.Deposit.PositionID
	before, err := e.mgr.Deposits(id)
	require.NoError(t, err)

	e.fund(t, alice, "150", "150")
	res, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, alice, id, units(t, "150", 18), units(t, "150", 6))
	require.NoError(t, err)

	after, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Add(before.Liquidity, res.Liquidity).String(), after.Liquidity.String())
	assert.Equal(t, 1, after.Liquidity.Cmp(before.Liquidity))
	assert.Equal(t, before.TickLower, after.TickLower)
	assert.Equal(t, before.TickUpper, after.TickUpper)
	assert.Equal(t, before.Owner, after.Owner)

	info, ok := e.venue.Position(id)
	require.True(t, ok)
	assert.Equal(t, after.Liquidity.String(), info.Liquidity.String())

	evs := e.log.ByPosition(id)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventLiquidityIncreased, evs[1].Name)
	data := evs[1].Data.(model.LiquidityIncreasedData)
	assert.Equal(t, res.Liquidity.String(), data.Liquidity)
	assert.Equal(t, res.Amount0.String(), data.Amount0)
	assert.Equal(t, res.Amount1.String(), data.Amount1)

	// Unused pulled tokens are credited back to the caller.
	a0, a1 := e.mgr.Unallocated(alice)
	residue0 := new(big.Int).Sub(units(t, "1000", 18), minted.Amount0)
	unused0 := new(big.Int).Sub(units(t, "150", 18), res.Amount0)
	assert.Equal(t, new(big.Int).Add(residue0, unused0).String(), a0.String())
	residue1 := new(big.Int).Sub(units(t, "1000", 6), minted.Amount1)
	unused1 := new(big.Int).Sub(units(t, "150", 6), res.Amount1)
	assert.Equal(t, new(big.Int).Add(residue1, unused1).String(), a1.String())
}

func TestDecreaseScenario(t *testing.T) {
	e := newEnv(t)
	minted := e.mint(t, alice)
	id := minted.Deposit.PositionID
	old := minted.Deposit.Liquidity

	res, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Amount0.Sign())
	assert.Equal(t, 1, res.Amount1.Sign())

	dep, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	half := new(big.Int).Rsh(old, 1)
	assert.Equal(t, new(big.Int).Sub(old, half).String(), dep.Liquidity.String())
	assert.Equal(t, half.String(), res.Liquidity.String())

	owner0, owner1 := e.balances(alice)
	assert.Equal(t, res.Amount0.String(), owner0)
	assert.Equal(t, res.Amount1.String(), owner1)

	info, _ := e.venue.Position(id)
	assert.Equal(t, "0", info.Owed0.String())
	assert.Equal(t, "0", info.Owed1.String())

	evs := e.log.ByPosition(id)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventLiquidityDecreasedByHalf, evs[1].Name)
	data := evs[1].Data.(model.LiquidityDecreasedByHalfData)
	assert.Equal(t, res.Amount0.String(), data.Amount0)
	assert.Equal(t, res.Amount1.String(), data.Amount1)
}

func TestDecreaseCollectsAccruedFees(t *testing.T) {
	e := newEnv(t)
	id := e.mint(t, alice).Deposit.PositionID
	require.NoError(t, e.venue.AccrueFees(id, big.NewInt(7), big.NewInt(3)))

	res, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)
	owner0, owner1 := e.balances(alice)
	assert.Equal(t, res.Amount0.String(), owner0)
	assert.Equal(t, res.Amount1.String(), owner1)
	assert.True(t, res.Amount0.Cmp(big.NewInt(7)) > 0)
}

func TestDecreaseDownToOne(t *testing.T) {
	e := newEnv(t)
	id := e.mint(t, alice).Deposit.PositionID

	for i := 0; i < 256; i++ {
		dep, err := e.mgr.Deposits(id)
		require.NoError(t, err)
		if dep.Liquidity.Cmp(big.NewInt(1)) == 0 {
			break
		}
		_, err = e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
		require.NoError(t, err)
	}
	dep, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	require.Equal(t, "1", dep.Liquidity.String())

	count := e.log.Len()
	res, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0", res.Liquidity.String())

	dep, err = e.mgr.Deposits(id)
	require.NoError(t, err)
	assert.Equal(t, "1", dep.Liquidity.String())
	assert.Equal(t, count+1, e.log.Len())
}

func TestUnknownPosition(t *testing.T) {
	e := newEnv(t)
	e.mint(t, alice)
	e.fund(t, bob, "150", "150")
	bob0, bob1 := e.balances(bob)
	custody0, custody1 := e.balances(custodyAccount)
	state := e.ledger.State()

	_, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, bob, 99, units(t, "150", 18), units(t, "150", 6))
	require.ErrorIs(t, err, model.ErrUnknownPosition)
	_, err = e.mgr.DecreaseLiquidityInHalf(e.ctx, 99)
	require.ErrorIs(t, err, model.ErrUnknownPosition)
	_, err = e.mgr.Deposits(99)
	require.ErrorIs(t, err, model.ErrUnknownPosition)

	got0, got1 := e.balances(bob)
	assert.Equal(t, bob0, got0)
	assert.Equal(t, bob1, got1)
	got0, got1 = e.balances(custodyAccount)
	assert.Equal(t, custody0, got0)
	assert.Equal(t, custody1, got1)
	assert.Equal(t, state, e.ledger.State())
	assert.Equal(t, 1, e.log.Len())
}

func TestDepositsReadIsIdempotent(t *testing.T) {
	e := newEnv(t)
	id := e.mint(t, alice).Deposit.PositionID
	first, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	first.Liquidity.SetInt64(0)
	second, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	third, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, 1, second.Liquidity.Sign())
}

func TestFailuresRollBack(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, e *env)
		run   func(t *testing.T, e *env, id model.PositionID) error
		want  error
	}{
		{
			name:  "mint slippage",
			setup: func(t *testing.T, e *env) { e.seedCustody(t, "10", "10") },
			run: func(t *testing.T, e *env, _ model.PositionID) error {
				_, err := e.mgr.MintNewPosition(e.ctx, bob, WithMinimums(units(t, "1000000", 18), units(t, "1000000", 6)))
				return err
			},
			want: model.ErrSlippageExceeded,
		},
		{
			name:  "mint expired",
			setup: func(t *testing.T, e *env) { e.seedCustody(t, "10", "10") },
			run: func(t *testing.T, e *env, _ model.PositionID) error {
				_, err := e.mgr.MintNewPosition(e.ctx, bob, WithDeadline(e.now.Add(-time.Second)))
				return err
			},
			want: model.ErrExpired,
		},
		{
			name:  "increase expired",
			setup: func(t *testing.T, e *env) { e.fund(t, bob, "150", "150") },
			run: func(t *testing.T, e *env, id model.PositionID) error {
				_, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, bob, id, units(t, "150", 18), units(t, "150", 6), WithDeadline(e.now.Add(-time.Second)))
				return err
			},
			want: model.ErrExpired,
		},
		{
			name: "increase without allowance",
			setup: func(t *testing.T, e *env) {
				require.NoError(t, e.tokens.Mint(daiMeta.Address, bob, units(t, "150", 18)))
				require.NoError(t, e.tokens.Mint(usdcMeta.Address, bob, units(t, "150", 6)))
			},
			run: func(t *testing.T, e *env, id model.PositionID) error {
				_, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, bob, id, units(t, "150", 18), units(t, "150", 6))
				return err
			},
			want: model.ErrInsufficientAllowance,
		},
		{
			name: "increase token1 allowance short",
			setup: func(t *testing.T, e *env) {
				e.fund(t, bob, "150", "150")
				require.NoError(t, e.tokens.Approve(usdcMeta.Address, bob, custodyAccount, big.NewInt(1)))
			},
			run: func(t *testing.T, e *env, id model.PositionID) error {
				_, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, bob, id, units(t, "150", 18), units(t, "150", 6))
				return err
			},
			want: model.ErrInsufficientAllowance,
		},
		{
			name:  "decrease collect fails",
			setup: func(t *testing.T, e *env) { e.venue.FailNext(simulated.OpCollect, model.ErrExpired) },
			run: func(t *testing.T, e *env, id model.PositionID) error {
				_, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
				return err
			},
			want: model.ErrExpired,
		},
		{
			name:  "decrease slippage",
			setup: func(t *testing.T, e *env) {},
			run: func(t *testing.T, e *env, id model.PositionID) error {
				_, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id, WithMinimums(units(t, "1000000", 18), big.NewInt(0)))
				return err
			},
			want: model.ErrSlippageExceeded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			id := e.mint(t, alice).Deposit.PositionID
			tc.setup(t, e)

			ledgerState := e.ledger.State()
			venueBefore, _ := e.venue.Position(id)
			eventCount := e.log.Len()
			seq := e.mgr.Sequence()
			type balances struct{ dai, usdc string }
			snapshot := func() map[common.Address]balances {
				out := make(map[common.Address]balances)
				for _, who := range []common.Address{alice, bob, custodyAccount, venueAddress} {
					d, u := e.balances(who)
					out[who] = balances{d, u}
				}
				return out
			}
			before := snapshot()

			err := tc.run(t, e, id)
			require.ErrorIs(t, err, tc.want)

			assert.Equal(t, before, snapshot())
			assert.Equal(t, ledgerState, e.ledger.State())
			assert.Equal(t, eventCount, e.log.Len())
			assert.Equal(t, seq, e.mgr.Sequence())
			venueAfter, _ := e.venue.Position(id)
			assert.Equal(t, venueBefore.Liquidity.String(), venueAfter.Liquidity.String())
			assert.Equal(t, venueBefore.Owed0.String(), venueAfter.Owed0.String())
			_, opened := e.venue.Position(id + 1)
			assert.False(t, opened)
		})
	}
}

func TestIncreaseFailureLeavesBalances(t *testing.T) {
	e := newEnv(t)
	id := e.mint(t, alice).Deposit.PositionID
	e.fund(t, bob, "150", "150")
	bob0, bob1 := e.balances(bob)
	custody0, custody1 := e.balances(custodyAccount)
	allowance := e.tokens.Allowance(daiMeta.Address, bob, custodyAccount).String()

	e.venue.FailNext(simulated.OpAdd, model.ErrSlippageExceeded)
	_, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, bob, id, units(t, "150", 18), units(t, "150", 6))
	require.ErrorIs(t, err, model.ErrSlippageExceeded)
	assert.True(t, model.IsRetryable(err))

	got0, got1 := e.balances(bob)
	assert.Equal(t, bob0, got0)
	assert.Equal(t, bob1, got1)
	got0, got1 = e.balances(custodyAccount)
	assert.Equal(t, custody0, got0)
	assert.Equal(t, custody1, got1)
	assert.Equal(t, allowance, e.tokens.Allowance(daiMeta.Address, bob, custodyAccount).String())
	a0, a1 := e.mgr.Unallocated(bob)
	assert.Equal(t, "0", a0.String())
	assert.Equal(t, "0", a1.String())
}

func TestSinkFailureRollsBack(t *testing.T) {
	e := newEnv(t, func(_ *Config, d *Deps) {
		d.Sink = failingSink{err: errors.New("disk full")}
	})
	e.seedCustody(t, "1000", "1000")
	custody0, custody1 := e.balances(custodyAccount)

	_, err := e.mgr.MintNewPosition(e.ctx, alice)
	require.Error(t, err)

	assert.Empty(t, e.mgr.Positions())
	_, opened := e.venue.Position(1)
	assert.False(t, opened)
	got0, got1 := e.balances(custodyAccount)
	assert.Equal(t, custody0, got0)
	assert.Equal(t, custody1, got1)
	assert.Equal(t, uint64(0), e.mgr.Sequence())
	assert.Equal(t, float64(1), testutil.ToFloat64(e.mgr.metrics.rollbacks.WithLabelValues(opMint)))
}

func TestSinkFailureAfterPoolCommitDefersEvents(t *testing.T) {
	journal := &switchSink{down: true, log: events.NewLog()}
	e := newEnv(t, opaque(), func(_ *Config, d *Deps) {
		d.Sink = events.Multi{d.Sink, journal}
	})

	minted := e.mint(t, alice)
	id := minted.Deposit.PositionID
	assert.Equal(t, model.EventPositionMinted, minted.Event.Name)
	_, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	_, opened := e.venue.Position(id)
	assert.True(t, opened)
	assert.Equal(t, uint64(1), e.mgr.Sequence())
	assert.Equal(t, 0, journal.log.Len())
	assert.Len(t, e.ledger.Unpublished(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.mgr.metrics.eventsDeferred))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.mgr.metrics.operations.WithLabelValues(opMint, "ok")))

	journal.down = false
	_, err = e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)

	for name, log := range map[string]*events.Log{"log": e.log, "journal": journal.log} {
		evs := log.Events()
		require.Len(t, evs, 2, name)
		assert.Equal(t, model.EventPositionMinted, evs[0].Name, name)
		assert.Equal(t, 1, countSequence(evs, 1), name)
		assert.Equal(t, model.EventLiquidityDecreasedByHalf, evs[1].Name, name)
		assert.Equal(t, 1, countSequence(evs, 2), name)
	}
	assert.Empty(t, e.ledger.Unpublished())
	assert.Equal(t, float64(0), testutil.ToFloat64(e.mgr.metrics.eventsDeferred))
}

func TestDeferredEventsPublishedOnLoad(t *testing.T) {
	store := &storage.FileStore{Path: filepath.Join(t.TempDir(), "state.json")}
	e := newEnv(t, opaque(), func(_ *Config, d *Deps) {
		d.Sink = failingSink{err: errors.New("disk full")}
		d.Store = store
	})
	id := e.mint(t, alice).Deposit.PositionID

	state, ok, err := store.Load(e.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, state.Unpublished, 1)

	log := events.NewLog()
	cfg := e.cfg
	cfg.Registry = prometheus.NewRegistry()
	restored, err := New(cfg, Deps{
		Custody: e.deps.Custody,
		Pool:    e.deps.Pool,
		Sink:    log,
		Store:   store,
	})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(e.ctx))

	evs := log.ByPosition(id)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPositionMinted, evs[0].Name)
	assert.Equal(t, uint64(1), restored.Sequence())

	state, _, err = store.Load(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Unpublished)

	_, err = restored.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)
	require.Len(t, log.Events(), 2)
	assert.Equal(t, uint64(2), log.Events()[1].Sequence)
}

func TestZeroMinimums(t *testing.T) {
	e := newEnv(t)
	e.seedCustody(t, "1000", "1000")
	_, err := e.mgr.MintNewPosition(e.ctx, alice, WithMinimums(big.NewInt(0), big.NewInt(0)))
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	assert.Empty(t, e.mgr.Positions())

	allowed := newEnv(t, func(c *Config, _ *Deps) {
		c.AllowZeroMinimums = true
	})
	allowed.seedCustody(t, "1000", "1000")
	res, err := allowed.mgr.MintNewPosition(allowed.ctx, alice, WithMinimums(big.NewInt(0), big.NewInt(0)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Liquidity.Sign())
}

func TestMintSingleSidedCustody(t *testing.T) {
	e := newEnv(t)
	e.seedCustody(t, "1000", "0")
	custody0, custody1 := e.balances(custodyAccount)

	_, err := e.mgr.MintNewPosition(e.ctx, alice)
	require.ErrorIs(t, err, model.ErrZeroLiquidity)
	assert.Empty(t, e.mgr.Positions())
	got0, got1 := e.balances(custodyAccount)
	assert.Equal(t, custody0, got0)
	assert.Equal(t, custody1, got1)
}

func TestPendingCollectionOnOpaquePool(t *testing.T) {
	e := newEnv(t, opaque())
	minted := e.mint(t, alice)
	id := minted.Deposit.PositionID
	old := minted.Deposit.Liquidity

	e.venue.FailNext(simulated.OpCollect, errors.New("rpc unavailable"))
	_, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.ErrorIs(t, err, model.ErrCollectionPending)

	remaining := new(big.Int).Sub(old, new(big.Int).Rsh(old, 1))
	dep, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	assert.Equal(t, remaining.String(), dep.Liquidity.String())
	pending, ok := e.mgr.Pending(id)
	require.True(t, ok)
	assert.Equal(t, alice, pending.Owner)
	assert.Equal(t, 1, e.log.Len())

	_, err = e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.ErrorIs(t, err, model.ErrCollectionPending)

	res, err := e.mgr.CollectPending(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pending.Amount0Owed, res.Amount0.String())
	assert.Equal(t, pending.Amount1Owed, res.Amount1.String())
	_, ok = e.mgr.Pending(id)
	assert.False(t, ok)

	owner0, owner1 := e.balances(alice)
	assert.Equal(t, res.Amount0.String(), owner0)
	assert.Equal(t, res.Amount1.String(), owner1)

	evs := e.log.ByPosition(id)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventLiquidityDecreasedByHalf, evs[1].Name)

	_, err = e.mgr.CollectPending(e.ctx, id)
	require.ErrorIs(t, err, model.ErrNoPendingCollection)

	// Decrease works again once the collection is settled.
	_, err = e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)
}

func TestOpaqueCustodyRefundsPull(t *testing.T) {
	e := newEnv(t, opaque())
	id := e.mint(t, alice).Deposit.PositionID
	e.fund(t, bob, "150", "150")
	bob0, bob1 := e.balances(bob)

	e.venue.FailNext(simulated.OpAdd, model.ErrExpired)
	_, err := e.mgr.IncreaseLiquidityCurrentRange(e.ctx, bob, id, units(t, "150", 18), units(t, "150", 6))
	require.ErrorIs(t, err, model.ErrExpired)

	got0, got1 := e.balances(bob)
	assert.Equal(t, bob0, got0)
	assert.Equal(t, bob1, got1)
	a0, a1 := e.mgr.Unallocated(bob)
	assert.Equal(t, "0", a0.String())
	assert.Equal(t, "0", a1.String())
}

func TestDepositAndWithdraw(t *testing.T) {
	e := newEnv(t)
	e.fund(t, bob, "25", "40")

	credit, err := e.mgr.Deposit(e.ctx, bob, units(t, "25", 18), units(t, "40", 6))
	require.NoError(t, err)
	assert.Equal(t, units(t, "25", 18).String(), credit.Amount0)
	assert.Equal(t, units(t, "40", 6).String(), credit.Amount1)
	bob0, bob1 := e.balances(bob)
	assert.Equal(t, "0", bob0)
	assert.Equal(t, "0", bob1)

	withdrawn, err := e.mgr.WithdrawUnallocated(e.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, credit.Amount0, withdrawn.Amount0)
	assert.Equal(t, credit.Amount1, withdrawn.Amount1)
	bob0, bob1 = e.balances(bob)
	assert.Equal(t, units(t, "25", 18).String(), bob0)
	assert.Equal(t, units(t, "40", 6).String(), bob1)
	a0, a1 := e.mgr.Unallocated(bob)
	assert.Equal(t, "0", a0.String())
	assert.Equal(t, "0", a1.String())

	// Nothing left: a no-op.
	withdrawn, err = e.mgr.WithdrawUnallocated(e.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "0", withdrawn.Amount0)
	assert.Equal(t, 0, e.log.Len())
}

func TestDepositWithoutFunds(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.tokens.Approve(daiMeta.Address, bob, custodyAccount, units(t, "5", 18)))
	_, err := e.mgr.Deposit(e.ctx, bob, units(t, "5", 18), nil)
	require.ErrorIs(t, err, model.ErrInsufficientFunds)
	_, err = e.mgr.Deposit(e.ctx, bob, big.NewInt(-1), nil)
	require.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestEventEnvelope(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Deps) {
		c.StartSequence = 41
	})
	id := e.mint(t, alice).Deposit.PositionID
	_, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)

	evs := e.log.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(42), evs[0].Sequence)
	assert.Equal(t, uint64(43), evs[1].Sequence)
	assert.NotEqual(t, evs[0].ID, evs[1].ID)
	assert.NotEqual(t, evs[0].OperationID, evs[1].OperationID)
	assert.Equal(t, e.now, evs[0].Timestamp)
	assert.Equal(t, uint64(43), e.mgr.Sequence())
}

func TestStatePersistsAcrossManagers(t *testing.T) {
	store := &storage.FileStore{Path: filepath.Join(t.TempDir(), "state.json")}
	e := newEnv(t, func(_ *Config, d *Deps) {
		d.Store = store
	})
	id := e.mint(t, alice).Deposit.PositionID
	_, err := e.mgr.DecreaseLiquidityInHalf(e.ctx, id)
	require.NoError(t, err)

	cfg := e.cfg
	cfg.Registry = prometheus.NewRegistry()
	restored, err := New(cfg, Deps{
		Custody: e.deps.Custody,
		Pool:    e.deps.Pool,
		Store:   store,
	})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(e.ctx))

	want, err := e.mgr.Deposits(id)
	require.NoError(t, err)
	got, err := restored.Deposits(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	w0, w1 := e.mgr.Unallocated(alice)
	g0, g1 := restored.Unallocated(alice)
	assert.Equal(t, w0.String(), g0.String())
	assert.Equal(t, w1.String(), g1.String())
}

func TestLoadStateRejectsOtherPair(t *testing.T) {
	store := &storage.FileStore{Path: filepath.Join(t.TempDir(), "state.json")}
	require.NoError(t, store.Save(context.Background(), model.LedgerState{
		Deposits: []model.Deposit{{
			PositionID: 1,
			Owner:      alice,
			Liquidity:  big.NewInt(5),
			Token0:     common.HexToAddress("0x01"),
			Token1:     common.HexToAddress("0x02"),
		}},
	}))
	e := newEnv(t, func(_ *Config, d *Deps) {
		d.Store = store
	})
	require.Error(t, e.mgr.LoadState(e.ctx))
	assert.Empty(t, e.mgr.Positions())
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Token0 = model.TokenMeta{} }},
		{"unordered pair", func(c *Config) { c.Token0, c.Token1 = c.Token1, c.Token0 }},
		{"negative width", func(c *Config) { c.TickHalfWidth = -1 }},
		{"slippage too large", func(c *Config) { c.SlippageBps = 10000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Token0: daiMeta, Token1: usdcMeta, Fee: 100}
			tc.mutate(&cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := Config{Token0: daiMeta, Token1: usdcMeta, Fee: 100}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SlippageBps != DefaultSlippageBps || cfg.TickHalfWidth != DefaultTickHalfWidth || cfg.DeadlineWindow != DefaultDeadlineWindow {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
