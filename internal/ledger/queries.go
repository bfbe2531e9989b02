package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// Stakes returns account's whole stake sequence, tombstones included.
// Callers filter on IsOpen to find active stakes.
func (l *Ledger) Stakes(account types.Address) []model.Stake {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.Stake(nil), l.stakes[account]...)
}

// Stake returns the stake of account at index
func (l *Ledger) Stake(account types.Address, index int) (model.Stake, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq := l.stakes[account]
	if index < 0 || index >= len(seq) {
		return model.Stake{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return seq[index], nil
}

// Accounts returns every account that ever held a stake, in order of first stake
func (l *Ledger) Accounts() []types.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Address(nil), l.accounts...)
}

// TotalStake is the sum of principal over open stakes
func (l *Ledger) TotalStake() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(&l.totalStake)
}

// TotalStakeWeight is the sum of amount*weight over open stakes
func (l *Ledger) TotalStakeWeight() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(&l.totalStakeWeight)
}

// Pot is the amount funded directly and not yet distributed. It does not
// include the balance waiting at the pot address.
func (l *Ledger) Pot() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(&l.pot)
}

// Params returns the current parameters
func (l *Ledger) Params() Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.params.clone()
}

// Period returns the i-th entry of the period table
func (l *Ledger) Period(i int) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.params.Periods) {
		return 0, fmt.Errorf("%w: period %d of %d", ErrOutOfRange, i, len(l.params.Periods))
	}
	return l.params.Periods[i], nil
}

// TotalReward is the sum of unpaid reward over open stakes
func (l *Ledger) TotalReward() (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total, overflow := l.totalReward()
	if overflow {
		return nil, ErrOverflow
	}
	return total, nil
}

// PendingReward projects the reward a Distribute call would credit to the
// stake right now. Tombstones and an empty ledger project zero.
func (l *Ledger) PendingReward(ctx context.Context, account types.Address, index int) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq := l.stakes[account]
	if index < 0 || index >= len(seq) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	s := &seq[index]
	if !s.IsOpen() || l.totalStakeWeight.IsZero() {
		return new(uint256.Int), nil
	}

	pot, _, err := l.availablePot(ctx)
	if err != nil {
		return nil, err
	}
	return l.share(s, pot)
}

// Totals is a consistent view of the global counters
type Totals struct {
	Height           uint64
	Params           Params
	Stakes           int // open stakes
	TotalStake       uint256.Int
	TotalStakeWeight uint256.Int
	TotalReward      uint256.Int
	Pot              uint256.Int
	Unfunded         uint256.Int // credited by SetStake, never transferred in
}

// Obligations is what the ledger owes: stake plus reward plus pot
func (t Totals) Obligations() (*uint256.Int, bool) {
	sum, overflow := new(uint256.Int).AddOverflow(&t.TotalStake, &t.TotalReward)
	if overflow {
		return sum, true
	}
	return sum.AddOverflow(sum, &t.Pot)
}

// MarshalJSON encodes amounts as decimal strings
func (t Totals) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"height":             t.Height,
		"params":             t.Params,
		"open_stakes":        t.Stakes,
		"total_stake":        model.FormatAmount(&t.TotalStake),
		"total_stake_weight": model.FormatAmount(&t.TotalStakeWeight),
		"total_reward":       model.FormatAmount(&t.TotalReward),
		"pot":                model.FormatAmount(&t.Pot),
		"unfunded":           model.FormatAmount(&t.Unfunded),
	})
}

// Totals returns all global counters read under one lock
func (l *Ledger) Totals() (Totals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rewards, overflow := l.totalReward()
	if overflow {
		return Totals{}, ErrOverflow
	}

	t := Totals{
		Height:           l.clock.Height(),
		Params:           l.params.clone(),
		TotalStake:       l.totalStake,
		TotalStakeWeight: l.totalStakeWeight,
		TotalReward:      *rewards,
		Pot:              l.pot,
		Unfunded:         l.unfunded,
	}
	for _, account := range l.accounts {
		for i := range l.stakes[account] {
			if l.stakes[account][i].IsOpen() {
				t.Stakes++
			}
		}
	}
	return t, nil
}

// totalReward sums reward over open stakes. The caller must hold the lock.
func (l *Ledger) totalReward() (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, account := range l.accounts {
		seq := l.stakes[account]
		for i := range seq {
			if !seq[i].IsOpen() {
				continue
			}
			if _, overflow := total.AddOverflow(total, &seq[i].Reward); overflow {
				return total, true
			}
		}
	}
	return total, false
}
