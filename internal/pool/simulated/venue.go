package simulated

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidityManager/internal/clmath"
	"liquidityManager/internal/model"
	"liquidityManager/internal/token"
)

// Op names a venue call for fault injection.
type Op string

const (
	OpOpen    Op = "open"
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpCollect Op = "collect"
)

// Config describes the simulated pool.
type Config struct {
	Address     common.Address
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickSpacing int32
	Tick        int32
	Clock       func() time.Time
}

type position struct {
	owner     common.Address
	tickLower int32
	tickUpper int32
	liquidity *uint256.Int
	owed0     *uint256.Int
	owed1     *uint256.Int
}

func (p *position) clone() *position {
	return &position{
		owner:     p.owner,
		tickLower: p.tickLower,
		tickUpper: p.tickUpper,
		liquidity: p.liquidity.Clone(),
		owed0:     p.owed0.Clone(),
		owed1:     p.owed1.Clone(),
	}
}

// PositionInfo is a read-only view of a venue position.
type PositionInfo struct {
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Liquidity *big.Int
	Owed0     *big.Int
	Owed1     *big.Int
}

// Venue is an in-process concentrated-liquidity pool with a receipt
// registry. Token balances live in a shared token.Ledger under the venue's
// own address. Amount rounding follows V3: up when paying in, down when
// paying out.
type Venue struct {
	mu        sync.Mutex
	cfg       Config
	tokens    *token.Ledger
	sqrtPrice *uint256.Int
	tick      int32
	nextID    model.PositionID
	positions map[model.PositionID]*position
	failures  map[Op]error
}

func NewVenue(cfg Config, tokens *token.Ledger) (*Venue, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token ledger is nil")
	}
	if cfg.Token0 == cfg.Token1 {
		return nil, fmt.Errorf("pool tokens must differ")
	}
	if bytes.Compare(cfg.Token0.Bytes(), cfg.Token1.Bytes()) > 0 {
		return nil, fmt.Errorf("token0 %s must sort before token1 %s", cfg.Token0.Hex(), cfg.Token1.Hex())
	}
	if cfg.TickSpacing <= 0 {
		spacing, err := clmath.SpacingForFee(cfg.Fee)
		if err != nil {
			return nil, err
		}
		cfg.TickSpacing = spacing
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	sqrtPrice, err := clmath.GetSqrtRatioAtTick(cfg.Tick)
	if err != nil {
		return nil, fmt.Errorf("initial tick %d: %w", cfg.Tick, err)
	}
	return &Venue{
		cfg:       cfg,
		tokens:    tokens,
		sqrtPrice: sqrtPrice,
		tick:      cfg.Tick,
		nextID:    1,
		positions: make(map[model.PositionID]*position),
		failures:  make(map[Op]error),
	}, nil
}

func (v *Venue) Address() common.Address {
	return v.cfg.Address
}

func (v *Venue) Meta() model.PoolMeta {
	return model.PoolMeta{
		Address:     v.cfg.Address,
		Token0:      v.cfg.Token0,
		Token1:      v.cfg.Token1,
		Fee:         v.cfg.Fee,
		TickSpacing: v.cfg.TickSpacing,
	}
}

// Adapter returns a pool.Pool acting for account.
func (v *Venue) Adapter(account common.Address) *Adapter {
	return &Adapter{venue: v, account: account}
}

// SetTick moves the pool price.
func (v *Venue) SetTick(tick int32) error {
	sqrtPrice, err := clmath.GetSqrtRatioAtTick(tick)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.sqrtPrice = sqrtPrice
	v.tick = tick
	v.mu.Unlock()
	return nil
}

// AccrueFees credits fees to a position's owed amounts and funds them.
func (v *Venue) AccrueFees(id model.PositionID, fee0, fee1 *big.Int) error {
	f0, err := toU256(fee0)
	if err != nil {
		return err
	}
	f1, err := toU256(fee1)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, model.ErrUnknownPosition)
	}
	if err := v.tokens.Mint(v.cfg.Token0, v.cfg.Address, fee0); err != nil {
		return err
	}
	if err := v.tokens.Mint(v.cfg.Token1, v.cfg.Address, fee1); err != nil {
		return err
	}
	pos.owed0.Add(pos.owed0, f0)
	pos.owed1.Add(pos.owed1, f1)
	return nil
}

// FailNext makes the next call of kind op fail with err before any state change.
func (v *Venue) FailNext(op Op, err error) {
	v.mu.Lock()
	v.failures[op] = err
	v.mu.Unlock()
}

// Position returns a copy of a venue position.
func (v *Venue) Position(id model.PositionID) (PositionInfo, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[id]
	if !ok {
		return PositionInfo{}, false
	}
	return PositionInfo{
		Owner:     pos.owner,
		TickLower: pos.tickLower,
		TickUpper: pos.tickUpper,
		Liquidity: pos.liquidity.ToBig(),
		Owed0:     pos.owed0.ToBig(),
		Owed1:     pos.owed1.ToBig(),
	}, true
}

// Snapshot captures venue state and the shared token ledger.
func (v *Venue) Snapshot() func() {
	restoreTokens := v.tokens.Snapshot()
	v.mu.Lock()
	sqrtPrice := v.sqrtPrice.Clone()
	tick := v.tick
	nextID := v.nextID
	positions := make(map[model.PositionID]*position, len(v.positions))
	for id, pos := range v.positions {
		positions[id] = pos.clone()
	}
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		v.sqrtPrice = sqrtPrice
		v.tick = tick
		v.nextID = nextID
		v.positions = positions
		v.mu.Unlock()
		restoreTokens()
	}
}

func (v *Venue) slot0() model.Slot0 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return model.Slot0{SqrtPriceX96: v.sqrtPrice.ToBig(), Tick: v.tick}
}

// precheck runs the checks every committing call shares. Caller holds mu.
func (v *Venue) precheck(ctx context.Context, op Op, deadline time.Time, checkDeadline bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := v.failures[op]; ok {
		delete(v.failures, op)
		return err
	}
	if checkDeadline && v.cfg.Clock().After(deadline) {
		return fmt.Errorf("%s: %w", op, model.ErrExpired)
	}
	return nil
}

// amountsFor returns the token amounts for liquidity across the range at the current price.
func (v *Venue) amountsFor(tickLower, tickUpper int32, liquidity *uint256.Int, roundUp bool) (*uint256.Int, *uint256.Int, error) {
	sqrtA, err := clmath.GetSqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := clmath.GetSqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}
	return clmath.GetAmountsForLiquidity(v.sqrtPrice, sqrtA, sqrtB, liquidity, roundUp)
}

func (v *Venue) liquidityFor(tickLower, tickUpper int32, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, err := clmath.GetSqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, err
	}
	sqrtB, err := clmath.GetSqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, err
	}
	return clmath.GetLiquidityForAmounts(v.sqrtPrice, sqrtA, sqrtB, amount0, amount1)
}

// deposit prices liquidity for the desired amounts, checks minimums and
// pulls both tokens from payer. Caller holds mu.
func (v *Venue) deposit(payer common.Address, tickLower, tickUpper int32, desired0, desired1, min0, min1 *big.Int) (*uint256.Int, *big.Int, *big.Int, error) {
	d0, err := toU256(desired0)
	if err != nil {
		return nil, nil, nil, err
	}
	d1, err := toU256(desired1)
	if err != nil {
		return nil, nil, nil, err
	}
	liquidity, err := v.liquidityFor(tickLower, tickUpper, d0, d1)
	if err != nil {
		return nil, nil, nil, err
	}
	if liquidity.IsZero() {
		return nil, nil, nil, model.ErrZeroLiquidity
	}
	a0, a1, err := v.amountsFor(tickLower, tickUpper, liquidity, true)
	if err != nil {
		return nil, nil, nil, err
	}
	amount0, amount1 := a0.ToBig(), a1.ToBig()
	if belowMin(amount0, min0) || belowMin(amount1, min1) {
		return nil, nil, nil, fmt.Errorf("amounts %s/%s under minimums %s/%s: %w",
			amount0, amount1, model.BigString(min0), model.BigString(min1), model.ErrSlippageExceeded)
	}
	if err := v.pull(payer, amount0, amount1); err != nil {
		return nil, nil, nil, err
	}
	return liquidity, amount0, amount1, nil
}

// pull moves both amounts from payer into the venue, undoing the first leg
// when the second fails.
func (v *Venue) pull(payer common.Address, amount0, amount1 *big.Int) error {
	prevAllowance0 := v.tokens.Allowance(v.cfg.Token0, payer, v.cfg.Address)
	if err := v.tokens.TransferFrom(v.cfg.Token0, v.cfg.Address, payer, v.cfg.Address, amount0); err != nil {
		return fmt.Errorf("pay token0: %w", err)
	}
	if err := v.tokens.TransferFrom(v.cfg.Token1, v.cfg.Address, payer, v.cfg.Address, amount1); err != nil {
		if undoErr := v.tokens.Transfer(v.cfg.Token0, v.cfg.Address, payer, amount0); undoErr != nil {
			return fmt.Errorf("pay token1: %w (undo token0: %v)", err, undoErr)
		}
		if undoErr := v.tokens.Approve(v.cfg.Token0, payer, v.cfg.Address, prevAllowance0); undoErr != nil {
			return fmt.Errorf("pay token1: %w (undo allowance: %v)", err, undoErr)
		}
		return fmt.Errorf("pay token1: %w", err)
	}
	return nil
}

func (v *Venue) open(ctx context.Context, payer common.Address, params openArgs) (model.PositionID, *big.Int, *big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.precheck(ctx, OpOpen, params.deadline, true); err != nil {
		return 0, nil, nil, nil, err
	}
	if params.token0 != v.cfg.Token0 || params.token1 != v.cfg.Token1 || params.fee != v.cfg.Fee {
		return 0, nil, nil, nil, fmt.Errorf("no pool for %s/%s fee %d", params.token0.Hex(), params.token1.Hex(), params.fee)
	}
	if err := clmath.ValidateRange(params.tickLower, params.tickUpper, v.cfg.TickSpacing); err != nil {
		return 0, nil, nil, nil, fmt.Errorf("%v: %w", err, model.ErrInvalidRange)
	}
	liquidity, amount0, amount1, err := v.deposit(payer, params.tickLower, params.tickUpper, params.desired0, params.desired1, params.min0, params.min1)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	id := v.nextID
	v.nextID++
	v.positions[id] = &position{
		owner:     params.recipient,
		tickLower: params.tickLower,
		tickUpper: params.tickUpper,
		liquidity: liquidity,
		owed0:     new(uint256.Int),
		owed1:     new(uint256.Int),
	}
	return id, liquidity.ToBig(), amount0, amount1, nil
}

func (v *Venue) add(ctx context.Context, payer common.Address, id model.PositionID, desired0, desired1, min0, min1 *big.Int, deadline time.Time) (*big.Int, *big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.precheck(ctx, OpAdd, deadline, true); err != nil {
		return nil, nil, nil, err
	}
	pos, ok := v.positions[id]
	if !ok {
		return nil, nil, nil, fmt.Errorf("position %s: %w", id, model.ErrUnknownPosition)
	}
	liquidity, amount0, amount1, err := v.deposit(payer, pos.tickLower, pos.tickUpper, desired0, desired1, min0, min1)
	if err != nil {
		return nil, nil, nil, err
	}
	next := new(uint256.Int).Add(pos.liquidity, liquidity)
	if next.Gt(clmath.MaxUint128) {
		return nil, nil, nil, clmath.ErrLiquidityOverflow
	}
	pos.liquidity = next
	return liquidity.ToBig(), amount0, amount1, nil
}

func (v *Venue) remove(ctx context.Context, actor common.Address, id model.PositionID, liquidity, min0, min1 *big.Int, deadline time.Time) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.precheck(ctx, OpRemove, deadline, true); err != nil {
		return nil, nil, err
	}
	pos, err := v.ownedPosition(id, actor)
	if err != nil {
		return nil, nil, err
	}
	delta, err := toU256(liquidity)
	if err != nil {
		return nil, nil, err
	}
	if delta.Gt(pos.liquidity) {
		return nil, nil, fmt.Errorf("remove %s of %s: %w", delta.ToBig(), pos.liquidity.ToBig(), model.ErrInvalidAmount)
	}
	a0, a1, err := v.amountsFor(pos.tickLower, pos.tickUpper, delta, false)
	if err != nil {
		return nil, nil, err
	}
	amount0, amount1 := a0.ToBig(), a1.ToBig()
	if belowMin(amount0, min0) || belowMin(amount1, min1) {
		return nil, nil, fmt.Errorf("amounts %s/%s under minimums: %w", amount0, amount1, model.ErrSlippageExceeded)
	}
	pos.liquidity = new(uint256.Int).Sub(pos.liquidity, delta)
	pos.owed0 = new(uint256.Int).Add(pos.owed0, a0)
	pos.owed1 = new(uint256.Int).Add(pos.owed1, a1)
	return amount0, amount1, nil
}

func (v *Venue) collect(ctx context.Context, actor, recipient common.Address, id model.PositionID, max0, max1 *big.Int) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.precheck(ctx, OpCollect, time.Time{}, false); err != nil {
		return nil, nil, err
	}
	pos, err := v.ownedPosition(id, actor)
	if err != nil {
		return nil, nil, err
	}
	m0, err := toU256(max0)
	if err != nil {
		return nil, nil, err
	}
	m1, err := toU256(max1)
	if err != nil {
		return nil, nil, err
	}
	c0 := minU256(pos.owed0, m0)
	c1 := minU256(pos.owed1, m1)
	amount0, amount1 := c0.ToBig(), c1.ToBig()

	if err := v.tokens.Transfer(v.cfg.Token0, v.cfg.Address, recipient, amount0); err != nil {
		return nil, nil, fmt.Errorf("collect token0: %w", err)
	}
	if err := v.tokens.Transfer(v.cfg.Token1, v.cfg.Address, recipient, amount1); err != nil {
		if undoErr := v.tokens.Transfer(v.cfg.Token0, recipient, v.cfg.Address, amount0); undoErr != nil {
			return nil, nil, fmt.Errorf("collect token1: %w (undo token0: %v)", err, undoErr)
		}
		return nil, nil, fmt.Errorf("collect token1: %w", err)
	}
	pos.owed0 = new(uint256.Int).Sub(pos.owed0, c0)
	pos.owed1 = new(uint256.Int).Sub(pos.owed1, c1)
	return amount0, amount1, nil
}

func (v *Venue) ownedPosition(id model.PositionID, actor common.Address) (*position, error) {
	pos, ok := v.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrUnknownPosition)
	}
	if pos.owner != actor {
		return nil, fmt.Errorf("position %s not approved for %s", id, actor.Hex())
	}
	return pos, nil
}

func toU256(value *big.Int) (*uint256.Int, error) {
	if value == nil {
		return new(uint256.Int), nil
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s: %w", value, model.ErrInvalidAmount)
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows uint256: %w", value, model.ErrInvalidAmount)
	}
	return out, nil
}

func minU256(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

func belowMin(amount, min *big.Int) bool {
	return min != nil && amount.Cmp(min) < 0
}
