package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

var hundred = uint256.NewInt(100)

// AddStake locks amount from caller for period blocks and returns the index
// of the new stake in caller's sequence.
func (l *Ledger) AddStake(ctx context.Context, caller types.Address, amount *uint256.Int, period uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.IsZero() || amount.Lt(&l.minStake) {
		return -1, fmt.Errorf("%w: need at least %s", ErrBelowMinimum, model.FormatAmount(&l.minStake))
	}

	weight, err := l.params.WeightOf(period)
	if err != nil {
		return -1, err
	}

	s := model.Stake{
		Amount:      *amount,
		Period:      period,
		Weight:      weight,
		StartHeight: l.clock.Height(),
	}

	totalStake, totalWeight, err := l.grow(&s)
	if err != nil {
		return -1, err
	}

	if err := l.bank.TransferIn(ctx, caller, amount); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}

	index := l.appendStake(caller, s)
	l.totalStake = totalStake
	l.totalStakeWeight = totalWeight

	logrus.WithFields(logrus.Fields{
		"account": caller.Hex(),
		"index":   index,
		"amount":  model.FormatAmount(amount),
		"period":  period,
		"weight":  weight,
	}).Debug("Stake added")

	l.emit(Event{
		Kind:    EventStakeAdded,
		Height:  s.StartHeight,
		Account: caller,
		Index:   index,
		Amount:  model.FormatAmount(amount),
	})
	return index, nil
}

// Withdrawal is the outcome of closing a stake
type Withdrawal struct {
	Account   types.Address
	Index     int
	Height    uint64
	Early     bool
	Principal uint256.Int // amount returned from the locked principal
	Penalty   uint256.Int // amount withheld from principal
	Reward    uint256.Int
	Payout    uint256.Int // Principal + Reward
}

// MarshalJSON encodes amounts as decimal strings
func (w Withdrawal) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"account":   w.Account,
		"index":     w.Index,
		"height":    w.Height,
		"early":     w.Early,
		"principal": model.FormatAmount(&w.Principal),
		"penalty":   model.FormatAmount(&w.Penalty),
		"reward":    model.FormatAmount(&w.Reward),
		"payout":    model.FormatAmount(&w.Payout),
	})
}

// RemoveStake closes owner's stake at index and pays principal plus reward to
// the owner. Only the owner may do so; the admin has no override. When the
// lock period has not elapsed the penalty rate is withheld from principal,
// never from reward.
func (l *Ledger) RemoveStake(ctx context.Context, caller, owner types.Address, index int) (Withdrawal, error) {
	if caller != owner {
		return Withdrawal{}, ErrNotOwner
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.stakes[owner]
	if index < 0 || index >= len(seq) {
		return Withdrawal{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	s := &seq[index]
	if !s.IsOpen() {
		return Withdrawal{}, fmt.Errorf("%w: index %d at height %d", ErrAlreadyClosed, index, s.CloseHeight)
	}

	now := l.clock.Height()
	w := Withdrawal{
		Account: owner,
		Index:   index,
		Height:  now,
		Early:   !s.Unlocked(now),
		Reward:  s.Reward,
	}

	w.Principal.Set(&s.Amount)
	if w.Early {
		// amount*rate/100 <= amount, the product only overflows 256 bits inside MulDiv
		rate := uint256.NewInt(l.params.PenaltyRate)
		w.Penalty.MulDivOverflow(&s.Amount, rate, hundred)
		w.Principal.Sub(&s.Amount, &w.Penalty)
	}

	if _, overflow := w.Payout.AddOverflow(&w.Principal, &s.Reward); overflow {
		return Withdrawal{}, ErrOverflow
	}

	weighted, overflow := s.WeightedAmount()
	if overflow || l.totalStake.Lt(&s.Amount) || l.totalStakeWeight.Lt(weighted) {
		return Withdrawal{}, fmt.Errorf("%w: totals below stake %d of %s", ErrCorrupt, index, owner.Hex())
	}

	if err := l.bank.TransferOut(ctx, owner, &w.Payout); err != nil {
		return Withdrawal{}, fmt.Errorf("%w: %w", ErrTransferFault, err)
	}

	l.totalStake.Sub(&l.totalStake, &s.Amount)
	l.totalStakeWeight.Sub(&l.totalStakeWeight, weighted)

	s.Amount.Clear()
	s.Reward.Clear()
	s.CloseHeight = now

	logrus.WithFields(logrus.Fields{
		"account": owner.Hex(),
		"index":   index,
		"early":   w.Early,
		"payout":  model.FormatAmount(&w.Payout),
		"penalty": model.FormatAmount(&w.Penalty),
	}).Debug("Stake removed")

	l.emit(Event{
		Kind:    EventStakeRemoved,
		Height:  now,
		Account: owner,
		Index:   index,
		Amount:  model.FormatAmount(&w.Payout),
		Reward:  model.FormatAmount(&w.Reward),
		Penalty: model.FormatAmount(&w.Penalty),
	})
	return w, nil
}
