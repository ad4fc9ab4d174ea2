package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liquidityManager/internal/model"
)

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is an in-memory multi-asset balance sheet with ERC-20 style
// allowances. It backs the simulated venue and the ledger custody adapter.
type Ledger struct {
	mu         sync.RWMutex
	meta       map[common.Address]model.TokenMeta
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

func NewLedger(tokens ...model.TokenMeta) *Ledger {
	l := &Ledger{
		meta:       make(map[common.Address]model.TokenMeta),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
	for _, meta := range tokens {
		l.Register(meta)
	}
	return l
}

// Register adds an asset. Registering the same address twice replaces its metadata.
func (l *Ledger) Register(meta model.TokenMeta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.meta[meta.Address] = meta
	if _, ok := l.balances[meta.Address]; !ok {
		l.balances[meta.Address] = make(map[common.Address]*big.Int)
	}
}

// Meta returns the registered metadata of token.
func (l *Ledger) Meta(token common.Address) (model.TokenMeta, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	meta, ok := l.meta[token]
	return meta, ok
}

// Mint credits amount of token to account out of thin air.
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	book, err := l.book(token)
	if err != nil {
		return err
	}
	book[to] = new(big.Int).Add(balance(book, to), amount)
	return nil
}

func (l *Ledger) BalanceOf(token, account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	book, ok := l.balances[token]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(balance(book, account))
}

func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if value, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(value)
	}
	return big.NewInt(0)
}

// Approve sets the allowance of spender over owner's token balance.
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.book(token); err != nil {
		return err
	}
	l.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	book, err := l.book(token)
	if err != nil {
		return err
	}
	return move(book, from, to, amount)
}

// TransferFrom moves amount from owner to recipient on behalf of spender,
// consuming allowance. Allowance is checked before balance.
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	book, err := l.book(token)
	if err != nil {
		return err
	}
	key := allowanceKey{token, from, spender}
	allowed := l.allowances[key]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%s spender %s: %w", token.Hex(), spender.Hex(), model.ErrInsufficientAllowance)
	}
	if err := move(book, from, to, amount); err != nil {
		return err
	}
	l.allowances[key] = new(big.Int).Sub(allowed, amount)
	return nil
}

// Snapshot captures all balances and allowances; the returned func restores them.
func (l *Ledger) Snapshot() func() {
	l.mu.RLock()
	balances := make(map[common.Address]map[common.Address]*big.Int, len(l.balances))
	for token, book := range l.balances {
		copied := make(map[common.Address]*big.Int, len(book))
		for account, value := range book {
			copied[account] = new(big.Int).Set(value)
		}
		balances[token] = copied
	}
	allowances := make(map[allowanceKey]*big.Int, len(l.allowances))
	for key, value := range l.allowances {
		allowances[key] = new(big.Int).Set(value)
	}
	l.mu.RUnlock()

	return func() {
		l.mu.Lock()
		l.balances = balances
		l.allowances = allowances
		l.mu.Unlock()
	}
}

func (l *Ledger) book(token common.Address) (map[common.Address]*big.Int, error) {
	book, ok := l.balances[token]
	if !ok {
		return nil, fmt.Errorf("unknown token %s", token.Hex())
	}
	return book, nil
}

func move(book map[common.Address]*big.Int, from, to common.Address, amount *big.Int) error {
	have := balance(book, from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("%s has %s, needs %s: %w", from.Hex(), have, amount, model.ErrInsufficientFunds)
	}
	book[from] = new(big.Int).Sub(have, amount)
	book[to] = new(big.Int).Add(balance(book, to), amount)
	return nil
}

func balance(book map[common.Address]*big.Int, account common.Address) *big.Int {
	if value, ok := book[account]; ok {
		return value
	}
	return big.NewInt(0)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("amount %v: %w", amount, model.ErrInvalidAmount)
	}
	return nil
}
