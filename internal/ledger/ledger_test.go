package ledger

import (
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityManager/internal/model"
)

var (
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	alice = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func TestRecordAndGet(t *testing.T) {
	l := New()
	require.NoError(t, l.Record(7, alice, big.NewInt(1000), dai, usdc, -60, 60))

	dep, err := l.Get(7)
	require.NoError(t, err)
	assert.Equal(t, alice, dep.Owner)
	assert.Equal(t, "1000", dep.Liquidity.String())
	assert.Equal(t, dai, dep.Token0)
	assert.Equal(t, usdc, dep.Token1)
	assert.Equal(t, int32(-60), dep.TickLower)
	assert.Equal(t, int32(60), dep.TickUpper)

	again, err := l.Get(7)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(dep, again))

	dep.Liquidity.SetInt64(1)
	fresh, err := l.Get(7)
	require.NoError(t, err)
	assert.Equal(t, "1000", fresh.Liquidity.String(), "Get must return a copy")
}

func TestRecordDuplicate(t *testing.T) {
	l := New()
	require.NoError(t, l.Record(1, alice, big.NewInt(1), dai, usdc, -60, 60))
	err := l.Record(1, bob, big.NewInt(2), dai, usdc, -60, 60)
	assert.ErrorIs(t, err, model.ErrDuplicateEntry)

	dep, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, alice, dep.Owner)
}

func TestSetLiquidity(t *testing.T) {
	l := New()
	assert.ErrorIs(t, l.SetLiquidity(9, big.NewInt(1)), model.ErrUnknownPosition)

	require.NoError(t, l.Record(9, alice, big.NewInt(10), dai, usdc, -60, 60))
	require.NoError(t, l.SetLiquidity(9, big.NewInt(0)))
	dep, err := l.Get(9)
	require.NoError(t, err)
	assert.Equal(t, "0", dep.Liquidity.String())
	assert.Equal(t, alice, dep.Owner)
}

func TestGetUnknown(t *testing.T) {
	_, err := New().Get(42)
	if !errors.Is(err, model.ErrUnknownPosition) {
		t.Fatalf("expected unknown position, got %v", err)
	}
}

func TestPendingCollection(t *testing.T) {
	l := New()
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.ErrorIs(t, l.MarkCollectionPending(3, big.NewInt(1), big.NewInt(1), at), model.ErrUnknownPosition)

	require.NoError(t, l.Record(3, alice, big.NewInt(10), dai, usdc, -60, 60))
	require.NoError(t, l.MarkCollectionPending(3, big.NewInt(4), big.NewInt(5), at))
	assert.ErrorIs(t, l.MarkCollectionPending(3, big.NewInt(4), big.NewInt(5), at), model.ErrCollectionPending)

	p, ok := l.Pending(3)
	require.True(t, ok)
	assert.Equal(t, alice, p.Owner)
	assert.Equal(t, "4", p.Amount0Owed)
	assert.Equal(t, "5", p.Amount1Owed)
	assert.Len(t, l.PendingAll(), 1)

	l.ClearCollectionPending(3)
	_, ok = l.Pending(3)
	assert.False(t, ok)
}

func TestUnallocatedCredits(t *testing.T) {
	l := New()
	require.NoError(t, l.Credit(alice, big.NewInt(100), big.NewInt(5)))
	require.NoError(t, l.Credit(alice, big.NewInt(1), nil))
	require.NoError(t, l.Credit(bob, big.NewInt(0), big.NewInt(7)))

	a0, a1 := l.Unallocated(alice)
	assert.Equal(t, "101", a0.String())
	assert.Equal(t, "5", a1.String())

	assert.ErrorIs(t, l.Debit(alice, big.NewInt(102), nil), model.ErrInsufficientFunds)
	require.NoError(t, l.Debit(alice, big.NewInt(101), big.NewInt(5)))
	a0, a1 = l.Unallocated(alice)
	assert.Equal(t, 0, a0.Sign())
	assert.Equal(t, 0, a1.Sign())

	swept := l.SweepUnallocated()
	require.Len(t, swept, 1)
	assert.Equal(t, bob, swept[0].Owner)
	assert.Equal(t, "7", swept[0].Amount1)
	assert.Empty(t, l.UnallocatedAll())
}

func TestSnapshotRestore(t *testing.T) {
	l := New()
	require.NoError(t, l.Record(1, alice, big.NewInt(10), dai, usdc, -60, 60))
	require.NoError(t, l.Credit(bob, big.NewInt(3), big.NewInt(4)))
	before := l.State()

	restore := l.Snapshot()
	require.NoError(t, l.SetLiquidity(1, big.NewInt(5)))
	require.NoError(t, l.Record(2, bob, big.NewInt(1), dai, usdc, -60, 60))
	require.NoError(t, l.MarkCollectionPending(1, big.NewInt(1), big.NewInt(1), time.Now()))
	l.SweepUnallocated()
	restore()

	assert.Equal(t, before, l.State())
}

func TestRestoreRejectsOrphanPending(t *testing.T) {
	l := New()
	err := l.Restore(model.LedgerState{
		Pending: []model.PendingCollection{{PositionID: 5, Owner: alice}},
	})
	assert.ErrorIs(t, err, model.ErrUnknownPosition)
}

func TestUnpublishedEventsFollowState(t *testing.T) {
	l := New()
	restore := l.Snapshot()
	l.Defer(model.Event{ID: "b", Sequence: 2}, model.Event{ID: "a", Sequence: 1})
	assert.Len(t, l.Unpublished(), 2)

	state := l.State()
	require.Len(t, state.Unpublished, 2)

	restore()
	assert.Empty(t, l.Unpublished())

	require.NoError(t, l.Restore(state))
	got := l.Unpublished()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)

	l.ClearUnpublished()
	assert.Empty(t, l.Unpublished())
	assert.Nil(t, l.State().Unpublished)
}
