package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidityManager/internal/model"
)

type credit struct {
	amount0 *big.Int
	amount1 *big.Int
}

// Ledger is the authoritative table of deposits keyed by position id, together
// with pending collections and per-owner unallocated custody credit.
type Ledger struct {
	mu          sync.RWMutex
	deposits    map[model.PositionID]model.Deposit
	pending     map[model.PositionID]model.PendingCollection
	unallocated map[common.Address]credit
	unpublished []model.Event
}

func New() *Ledger {
	return &Ledger{
		deposits:    make(map[model.PositionID]model.Deposit),
		pending:     make(map[model.PositionID]model.PendingCollection),
		unallocated: make(map[common.Address]credit),
	}
}

// Record creates the deposit for a freshly opened position.
func (l *Ledger) Record(id model.PositionID, owner common.Address, liquidity *big.Int, token0, token1 common.Address, tickLower, tickUpper int32) error {
	if liquidity == nil || liquidity.Sign() < 0 {
		return fmt.Errorf("record %s: %w", id, model.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.deposits[id]; ok {
		return fmt.Errorf("record %s: %w", id, model.ErrDuplicateEntry)
	}
	l.deposits[id] = model.Deposit{
		PositionID: id,
		Owner:      owner,
		Liquidity:  new(big.Int).Set(liquidity),
		Token0:     token0,
		Token1:     token1,
		TickLower:  tickLower,
		TickUpper:  tickUpper,
	}
	return nil
}

// SetLiquidity replaces the recorded liquidity of a position. Nothing else changes.
func (l *Ledger) SetLiquidity(id model.PositionID, liquidity *big.Int) error {
	if liquidity == nil || liquidity.Sign() < 0 {
		return fmt.Errorf("set liquidity %s: %w", id, model.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dep, ok := l.deposits[id]
	if !ok {
		return fmt.Errorf("set liquidity %s: %w", id, model.ErrUnknownPosition)
	}
	dep.Liquidity = new(big.Int).Set(liquidity)
	l.deposits[id] = dep
	return nil
}

// Get returns a copy of the deposit.
func (l *Ledger) Get(id model.PositionID) (model.Deposit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dep, ok := l.deposits[id]
	if !ok {
		return model.Deposit{}, fmt.Errorf("position %s: %w", id, model.ErrUnknownPosition)
	}
	return dep.Clone(), nil
}

// Positions returns every deposit ordered by id.
func (l *Ledger) Positions() []model.Deposit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Deposit, 0, len(l.deposits))
	for _, dep := range l.deposits {
		out = append(out, dep.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// MarkCollectionPending records that liquidity was removed but owed tokens
// were not collected yet.
func (l *Ledger) MarkCollectionPending(id model.PositionID, owed0, owed1 *big.Int, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	dep, ok := l.deposits[id]
	if !ok {
		return fmt.Errorf("mark pending %s: %w", id, model.ErrUnknownPosition)
	}
	if _, ok := l.pending[id]; ok {
		return fmt.Errorf("mark pending %s: %w", id, model.ErrCollectionPending)
	}
	l.pending[id] = model.PendingCollection{
		PositionID:  id,
		Owner:       dep.Owner,
		Amount0Owed: model.BigString(owed0),
		Amount1Owed: model.BigString(owed1),
		RecordedAt:  at.UTC(),
	}
	return nil
}

func (l *Ledger) ClearCollectionPending(id model.PositionID) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// Pending returns the pending collection of a position, if any.
func (l *Ledger) Pending(id model.PositionID) (model.PendingCollection, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pending[id]
	return p, ok
}

func (l *Ledger) PendingAll() []model.PendingCollection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.PendingCollection, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// Credit adds custody residue to owner's unallocated balance.
func (l *Ledger) Credit(owner common.Address, amount0, amount1 *big.Int) error {
	if !nonNegative(amount0) || !nonNegative(amount1) {
		return fmt.Errorf("credit %s: %w", owner.Hex(), model.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.creditOf(owner)
	l.unallocated[owner] = credit{
		amount0: new(big.Int).Add(cur.amount0, orZero(amount0)),
		amount1: new(big.Int).Add(cur.amount1, orZero(amount1)),
	}
	return nil
}

// Debit removes amounts from owner's unallocated balance.
func (l *Ledger) Debit(owner common.Address, amount0, amount1 *big.Int) error {
	if !nonNegative(amount0) || !nonNegative(amount1) {
		return fmt.Errorf("debit %s: %w", owner.Hex(), model.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.creditOf(owner)
	if cur.amount0.Cmp(orZero(amount0)) < 0 || cur.amount1.Cmp(orZero(amount1)) < 0 {
		return fmt.Errorf("debit %s: %w", owner.Hex(), model.ErrInsufficientFunds)
	}
	next := credit{
		amount0: new(big.Int).Sub(cur.amount0, orZero(amount0)),
		amount1: new(big.Int).Sub(cur.amount1, orZero(amount1)),
	}
	if next.amount0.Sign() == 0 && next.amount1.Sign() == 0 {
		delete(l.unallocated, owner)
		return nil
	}
	l.unallocated[owner] = next
	return nil
}

// Unallocated returns owner's unallocated credit.
func (l *Ledger) Unallocated(owner common.Address) (*big.Int, *big.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cur := l.creditOf(owner)
	return new(big.Int).Set(cur.amount0), new(big.Int).Set(cur.amount1)
}

// UnallocatedAll lists every owner with a non-zero credit, ordered by address.
func (l *Ledger) UnallocatedAll() []model.Unallocated {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unallocatedLocked()
}

// SweepUnallocated zeroes every owner's credit and returns what was cleared.
func (l *Ledger) SweepUnallocated() []model.Unallocated {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.unallocatedLocked()
	l.unallocated = make(map[common.Address]credit)
	return out
}

// Defer queues events of a committed operation whose publish failed.
func (l *Ledger) Defer(events ...model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unpublished = append(l.unpublished, events...)
}

// Unpublished returns the queued events in sequence order.
func (l *Ledger) Unpublished() []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Event, len(l.unpublished))
	copy(out, l.unpublished)
	return out
}

func (l *Ledger) ClearUnpublished() {
	l.mu.Lock()
	l.unpublished = nil
	l.mu.Unlock()
}

// Snapshot captures the whole ledger; the returned func restores it.
func (l *Ledger) Snapshot() func() {
	state := l.State()
	return func() {
		// State produced by this ledger always restores cleanly.
		_ = l.Restore(state)
	}
}

// State exports the ledger for persistence.
func (l *Ledger) State() model.LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state := model.LedgerState{
		Deposits:    make([]model.Deposit, 0, len(l.deposits)),
		Pending:     make([]model.PendingCollection, 0, len(l.pending)),
		Unallocated: l.unallocatedLocked(),
	}
	if len(l.unpublished) > 0 {
		state.Unpublished = make([]model.Event, len(l.unpublished))
		copy(state.Unpublished, l.unpublished)
	}
	for _, dep := range l.deposits {
		state.Deposits = append(state.Deposits, dep.Clone())
	}
	for _, p := range l.pending {
		state.Pending = append(state.Pending, p)
	}
	sort.Slice(state.Deposits, func(i, j int) bool { return state.Deposits[i].PositionID < state.Deposits[j].PositionID })
	sort.Slice(state.Pending, func(i, j int) bool { return state.Pending[i].PositionID < state.Pending[j].PositionID })
	return state
}

// Restore replaces the ledger contents with state.
func (l *Ledger) Restore(state model.LedgerState) error {
	deposits := make(map[model.PositionID]model.Deposit, len(state.Deposits))
	for _, dep := range state.Deposits {
		if _, ok := deposits[dep.PositionID]; ok {
			return fmt.Errorf("restore %s: %w", dep.PositionID, model.ErrDuplicateEntry)
		}
		deposits[dep.PositionID] = dep.Clone()
	}
	pending := make(map[model.PositionID]model.PendingCollection, len(state.Pending))
	for _, p := range state.Pending {
		if _, ok := deposits[p.PositionID]; !ok {
			return fmt.Errorf("restore pending %s: %w", p.PositionID, model.ErrUnknownPosition)
		}
		pending[p.PositionID] = p
	}
	unallocated := make(map[common.Address]credit, len(state.Unallocated))
	for _, u := range state.Unallocated {
		a0, err := model.ParseBig(u.Amount0)
		if err != nil {
			return fmt.Errorf("restore unallocated %s: %w", u.Owner.Hex(), err)
		}
		a1, err := model.ParseBig(u.Amount1)
		if err != nil {
			return fmt.Errorf("restore unallocated %s: %w", u.Owner.Hex(), err)
		}
		unallocated[u.Owner] = credit{amount0: a0, amount1: a1}
	}

	var unpublished []model.Event
	if len(state.Unpublished) > 0 {
		unpublished = make([]model.Event, len(state.Unpublished))
		copy(unpublished, state.Unpublished)
		sort.SliceStable(unpublished, func(i, j int) bool { return unpublished[i].Sequence < unpublished[j].Sequence })
	}

	l.mu.Lock()
	l.deposits = deposits
	l.pending = pending
	l.unallocated = unallocated
	l.unpublished = unpublished
	l.mu.Unlock()
	return nil
}

func (l *Ledger) unallocatedLocked() []model.Unallocated {
	out := make([]model.Unallocated, 0, len(l.unallocated))
	for owner, c := range l.unallocated {
		out = append(out, model.Unallocated{
			Owner:   owner,
			Amount0: c.amount0.String(),
			Amount1: c.amount1.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Owner.Bytes(), out[j].Owner.Bytes()) < 0 })
	return out
}

func (l *Ledger) creditOf(owner common.Address) credit {
	if c, ok := l.unallocated[owner]; ok {
		return c
	}
	return credit{amount0: big.NewInt(0), amount1: big.NewInt(0)}
}

func nonNegative(v *big.Int) bool {
	return v == nil || v.Sign() >= 0
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
