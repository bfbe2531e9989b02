package bank

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// MemBank is an in-memory token bank. Transfers into custody need both the
// balance and an allowance granted with Approve, like an ERC20 transferFrom.
type MemBank struct {
	custody    types.Address
	mu         sync.RWMutex
	balances   map[types.Address]*uint256.Int
	allowances map[types.Address]*uint256.Int

	// FailOut makes every TransferOut fail, used to exercise abort paths
	FailOut bool
}

// NewMemBank sets up an empty bank with the given custody account
func NewMemBank(custody types.Address) *MemBank {
	return &MemBank{
		custody:    custody,
		balances:   make(map[types.Address]*uint256.Int),
		allowances: make(map[types.Address]*uint256.Int),
	}
}

// Custody returns the ledger's custody account
func (b *MemBank) Custody() types.Address { return b.custody }

// Mint credits new tokens to an account
func (b *MemBank) Mint(account types.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance(account).Add(b.balance(account), amount)
}

// Approve sets how much the custody account may pull from owner
func (b *MemBank) Approve(owner types.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[owner] = new(uint256.Int).Set(amount)
}

// Allowance returns the remaining allowance of owner towards custody
func (b *MemBank) Allowance(owner types.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if a, ok := b.allowances[owner]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Transfer moves tokens between two plain accounts, no allowance involved
func (b *MemBank) Transfer(from, to types.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fromb := b.balance(from)
	if fromb.Lt(amount) {
		return ErrInsufficientFunds
	}
	if from == to {
		return nil //no-op
	}

	fromb.Sub(fromb, amount)
	b.balance(to).Add(b.balance(to), amount)
	return nil
}

// TransferIn pulls amount from an account into custody
func (b *MemBank) TransferIn(_ context.Context, from types.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fromb := b.balance(from)
	if fromb.Lt(amount) {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, fromb.ToBig(), amount.ToBig())
	}

	allowance, ok := b.allowances[from]
	if !ok || allowance.Lt(amount) {
		return fmt.Errorf("%w: allowance too low", ErrInsufficientFunds)
	}

	allowance.Sub(allowance, amount)
	fromb.Sub(fromb, amount)
	b.balance(b.custody).Add(b.balance(b.custody), amount)
	return nil
}

// TransferOut pays amount out of custody
func (b *MemBank) TransferOut(_ context.Context, to types.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailOut {
		return fmt.Errorf("%w: payouts disabled", ErrFault)
	}

	custody := b.balance(b.custody)
	if custody.Lt(amount) {
		return fmt.Errorf("%w: custody holds %s, need %s", ErrFault, custody.ToBig(), amount.ToBig())
	}

	custody.Sub(custody, amount)
	b.balance(to).Add(b.balance(to), amount)
	return nil
}

// BalanceOf returns a copy of the account's balance
func (b *MemBank) BalanceOf(_ context.Context, account types.Address) (*uint256.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.balances[account]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int), nil
}

// balance returns the live balance entry, creating it when missing. The
// caller must hold the write lock.
func (b *MemBank) balance(account types.Address) *uint256.Int {
	bal, ok := b.balances[account]
	if !ok {
		bal = new(uint256.Int)
		b.balances[account] = bal
	}
	return bal
}
