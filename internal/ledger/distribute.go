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

// Distribution is the outcome of splitting the pot
type Distribution struct {
	Height   uint64
	Stakes   int         // open stakes credited
	Pot      uint256.Int // value split, including the sweep
	Swept    uint256.Int // part pulled from the pot address
	Credited uint256.Int // sum of reward credits
	Dust     uint256.Int // Pot - Credited, left in custody by floor division
}

// MarshalJSON encodes amounts as decimal strings
func (d Distribution) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"height":   d.Height,
		"stakes":   d.Stakes,
		"pot":      model.FormatAmount(&d.Pot),
		"swept":    model.FormatAmount(&d.Swept),
		"credited": model.FormatAmount(&d.Credited),
		"dust":     model.FormatAmount(&d.Dust),
	})
}

type credit struct {
	stake  *model.Stake
	reward uint256.Int
}

// Distribute splits the pot across all open stakes: each receives
// floor(pot * amount * weight / totalStakeWeight). Anyone may call it.
// The remainder of the floor divisions stays in custody undistributed.
func (l *Ledger) Distribute(ctx context.Context, caller types.Address) (Distribution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pot, sweep, err := l.availablePot(ctx)
	if err != nil {
		return Distribution{}, err
	}
	if pot.IsZero() {
		return Distribution{}, ErrEmptyPot
	}
	if l.totalStakeWeight.IsZero() {
		return Distribution{}, ErrNoStakers
	}

	credits, credited, err := l.credits(pot)
	if err != nil {
		return Distribution{}, err
	}

	if !sweep.IsZero() {
		if err := l.bank.TransferIn(ctx, l.params.PotAddress, sweep); err != nil {
			return Distribution{}, fmt.Errorf("%w: pot sweep: %w", ErrTransferRejected, err)
		}
	}

	for i := range credits {
		credits[i].stake.Reward = credits[i].reward
	}
	l.pot.Clear()

	d := Distribution{
		Height:   l.clock.Height(),
		Stakes:   len(credits),
		Pot:      *pot,
		Swept:    *sweep,
		Credited: *credited,
	}
	d.Dust.Sub(pot, credited)

	logrus.WithFields(logrus.Fields{
		"caller": caller.Hex(),
		"pot":    model.FormatAmount(pot),
		"swept":  model.FormatAmount(sweep),
		"stakes": d.Stakes,
		"dust":   model.FormatAmount(&d.Dust),
	}).Info("Pot distributed")

	l.emit(Event{
		Kind:    EventDistributed,
		Height:  d.Height,
		Account: caller,
		Index:   -1,
		Amount:  model.FormatAmount(pot),
		Reward:  model.FormatAmount(credited),
	})
	return d, nil
}

// credits computes every open stake's new reward for splitting pot without
// touching any stake. The caller must hold the write lock.
func (l *Ledger) credits(pot *uint256.Int) ([]credit, *uint256.Int, error) {
	var credits []credit
	credited := new(uint256.Int)

	for _, account := range l.accounts {
		seq := l.stakes[account]
		for i := range seq {
			s := &seq[i]
			if !s.IsOpen() {
				continue
			}

			share, err := l.share(s, pot)
			if err != nil {
				return nil, nil, err
			}

			c := credit{stake: s}
			if _, overflow := c.reward.AddOverflow(&s.Reward, share); overflow {
				return nil, nil, fmt.Errorf("%w: reward of stake %d of %s", ErrOverflow, i, account.Hex())
			}
			credits = append(credits, c)
			credited.Add(credited, share)
		}
	}

	return credits, credited, nil
}

// share is floor(pot * amount * weight / totalStakeWeight) for an open stake
func (l *Ledger) share(s *model.Stake, pot *uint256.Int) (*uint256.Int, error) {
	weighted, overflow := s.WeightedAmount()
	if overflow {
		return nil, ErrOverflow
	}
	share, overflow := new(uint256.Int).MulDivOverflow(pot, weighted, &l.totalStakeWeight)
	if overflow {
		return nil, ErrOverflow
	}
	return share, nil
}
