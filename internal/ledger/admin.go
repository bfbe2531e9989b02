package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// SetPeriods replaces the period table. The list is installed as given:
// duplicates only ever resolve to their first position and unordered lists
// give longer locks smaller weights. Existing stakes keep their weight.
func (l *Ledger) SetPeriods(caller types.Address, periods []uint64) (Params, error) {
	if caller != l.admin {
		return Params{}, ErrNotAdmin
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.params.next()
	p.Periods = append([]uint64(nil), periods...)
	return l.install(p), nil
}

// SetPenaltyRate sets the percentage of principal withheld on early removal
func (l *Ledger) SetPenaltyRate(caller types.Address, rate uint64) (Params, error) {
	if caller != l.admin {
		return Params{}, ErrNotAdmin
	}
	if rate > 100 {
		return Params{}, fmt.Errorf("%w: penalty rate %d not in 0..100", ErrOutOfRange, rate)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.params.next()
	p.PenaltyRate = rate
	return l.install(p), nil
}

// SetPotAddress sets the account swept into the pot on every distribution.
// The zero address disables the sweep.
func (l *Ledger) SetPotAddress(caller, pot types.Address) (Params, error) {
	if caller != l.admin {
		return Params{}, ErrNotAdmin
	}
	if pot == l.bank.Custody() {
		return Params{}, fmt.Errorf("%w: pot address cannot be the custody account", ErrOutOfRange)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.params.next()
	p.PotAddress = pot
	return l.install(p), nil
}

// SetStake writes a stake for account directly, without moving any funds
// and without the minimum amount check. It exists to migrate state from a
// previous ledger; the stake is owned by account and only account may remove
// it. The new stake is appended, existing indices are never overwritten.
// Its amount and reward are added to the unfunded total.
func (l *Ledger) SetStake(_ context.Context, caller types.Address, amount *uint256.Int, period uint64, account types.Address, start uint64, reward *uint256.Int) (int, error) {
	if caller != l.admin {
		return -1, ErrNotAdmin
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.IsZero() {
		return -1, fmt.Errorf("%w: migrated stake must hold principal", ErrBelowMinimum)
	}

	weight, err := l.params.WeightOf(period)
	if err != nil {
		return -1, err
	}

	s := model.Stake{
		Amount:      *amount,
		Period:      period,
		Weight:      weight,
		StartHeight: start,
	}
	if reward != nil {
		s.Reward = *reward
	}

	totalStake, totalWeight, err := l.grow(&s)
	if err != nil {
		return -1, err
	}
	rewards, overflow := l.totalReward()
	if overflow {
		return -1, ErrOverflow
	}
	if _, overflow := rewards.AddOverflow(rewards, &s.Reward); overflow {
		return -1, ErrOverflow
	}
	unfunded, overflow := new(uint256.Int).AddOverflow(&l.unfunded, &s.Amount)
	if overflow {
		return -1, ErrOverflow
	}
	if _, overflow := unfunded.AddOverflow(unfunded, &s.Reward); overflow {
		return -1, ErrOverflow
	}

	index := l.appendStake(account, s)
	l.totalStake = totalStake
	l.totalStakeWeight = totalWeight
	l.unfunded = *unfunded

	logrus.WithFields(logrus.Fields{
		"account": account.Hex(),
		"index":   index,
		"amount":  model.FormatAmount(amount),
		"period":  period,
		"start":   start,
		"reward":  model.FormatAmount(&s.Reward),
	}).Warn("Stake set by admin")

	l.emit(Event{
		Kind:    EventStakeSet,
		Height:  l.clock.Height(),
		Account: account,
		Index:   index,
		Amount:  model.FormatAmount(amount),
		Reward:  model.FormatAmount(&s.Reward),
	})
	return index, nil
}

// install makes p the current parameters. The caller must hold the write lock.
func (l *Ledger) install(p Params) Params {
	l.params = p

	logrus.WithFields(logrus.Fields{
		"version":     p.Version,
		"periods":     p.Periods,
		"penalty":     p.PenaltyRate,
		"pot_address": p.PotAddress.Hex(),
	}).Info("Ledger parameters changed")

	l.emit(Event{
		Kind:    EventParamsChanged,
		Height:  l.clock.Height(),
		Account: l.admin,
		Index:   -1,
		Version: p.Version,
	})
	return p.clone()
}
