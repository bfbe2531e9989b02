package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// FundPot moves amount from caller into the pot. Anyone may top up.
func (l *Ledger) FundPot(ctx context.Context, caller types.Address, amount *uint256.Int) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: pot top-up must be positive", ErrBelowMinimum)
	}

	pot, overflow := new(uint256.Int).AddOverflow(&l.pot, amount)
	if overflow {
		return nil, ErrOverflow
	}

	if err := l.bank.TransferIn(ctx, caller, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}
	l.pot.Set(pot)

	logrus.WithFields(logrus.Fields{
		"from":   caller.Hex(),
		"amount": model.FormatAmount(amount),
		"pot":    model.FormatAmount(pot),
	}).Debug("Pot funded")

	l.emit(Event{
		Kind:    EventPotFunded,
		Height:  l.clock.Height(),
		Account: caller,
		Index:   -1,
		Amount:  model.FormatAmount(amount),
	})
	return new(uint256.Int).Set(pot), nil
}

// availablePot returns what the next distribution would split: the pot plus
// the current balance of the pot address, and that balance on its own. The
// caller must hold at least the read lock.
func (l *Ledger) availablePot(ctx context.Context) (total, sweep *uint256.Int, err error) {
	total = new(uint256.Int).Set(&l.pot)
	sweep = new(uint256.Int)

	src := l.params.PotAddress
	if src == types.ZeroAddress {
		return total, sweep, nil
	}

	sweep, err = l.bank.BalanceOf(ctx, src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pot balance: %w", ErrTransferFault, err)
	}
	if _, overflow := total.AddOverflow(total, sweep); overflow {
		return nil, nil, ErrOverflow
	}
	return total, sweep, nil
}
