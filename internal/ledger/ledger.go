// Package ledger implements the weighted staking ledger: accounts lock
// stakes for one of the configured periods, a funded pot is split across
// open stakes by amount times weight, and stakes are paid out with an
// early-removal penalty on principal.
//
// The ledger is a single-writer state machine. Every mutating call holds the
// write lock for its whole duration, including the calls it makes into the
// bank, so an operation either applies completely or not at all.
package ledger

import (
	"github.com/algorand/go-deadlock"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/bank"
	"github.com/yourorg/weighted-stake-ledger/internal/clock"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/units"
)

// Ledger holds every account's stakes and the global totals
type Ledger struct {
	mu deadlock.RWMutex

	admin    types.Address
	bank     bank.Bank
	clock    clock.Clock
	minStake uint256.Int
	hooks    []func(Event)

	params   Params
	accounts []types.Address
	stakes   map[types.Address][]model.Stake

	totalStake       uint256.Int
	totalStakeWeight uint256.Int
	pot              uint256.Int

	// principal and reward credited by SetStake without a transfer into custody
	unfunded uint256.Int
}

// Option configures a Ledger at construction
type Option func(*Ledger)

// WithParams installs initial parameters instead of DefaultParams
func WithParams(p Params) Option {
	return func(l *Ledger) {
		if p.Version == 0 {
			p.Version = 1
		}
		p.Periods = append([]uint64(nil), p.Periods...)
		l.params = p
	}
}

// WithMinStake sets the smallest amount AddStake accepts
func WithMinStake(min *uint256.Int) Option {
	return func(l *Ledger) { l.minStake.Set(min) }
}

// WithEventHook registers a function called after every successful
// mutation. Hooks run while the ledger is locked and must not call back
// into the ledger.
func WithEventHook(h func(Event)) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, h) }
}

// New creates an empty ledger administered by admin
func New(admin types.Address, b bank.Bank, c clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		admin:  admin,
		bank:   b,
		clock:  c,
		params: DefaultParams(),
		stakes: make(map[types.Address][]model.Stake),
	}
	l.minStake.Set(units.One(units.DefaultDecimals))

	for _, opt := range opts {
		opt(l)
	}

	logrus.WithFields(logrus.Fields{
		"admin":     admin.Hex(),
		"custody":   b.Custody().Hex(),
		"periods":   l.params.Periods,
		"penalty":   l.params.PenaltyRate,
		"min_stake": model.FormatAmount(&l.minStake),
	}).Info("Ledger initialized")

	return l
}

// Admin returns the account allowed to change parameters
func (l *Ledger) Admin() types.Address { return l.admin }

// Custody returns the bank account holding the ledger's funds
func (l *Ledger) Custody() types.Address { return l.bank.Custody() }

// Height returns the current logical time
func (l *Ledger) Height() uint64 { return l.clock.Height() }

// MinStake returns the smallest amount AddStake accepts
func (l *Ledger) MinStake() *uint256.Int { return new(uint256.Int).Set(&l.minStake) }

// appendStake adds s to account's sequence and returns its index. The
// caller must hold the write lock.
func (l *Ledger) appendStake(account types.Address, s model.Stake) int {
	seq, ok := l.stakes[account]
	if !ok {
		l.accounts = append(l.accounts, account)
	}
	l.stakes[account] = append(seq, s)
	return len(seq)
}

// grow returns the totals after opening s without applying them
func (l *Ledger) grow(s *model.Stake) (stake, weight uint256.Int, err error) {
	weighted, overflow := s.WeightedAmount()
	if overflow {
		return stake, weight, ErrOverflow
	}
	if _, overflow = stake.AddOverflow(&l.totalStake, &s.Amount); overflow {
		return stake, weight, ErrOverflow
	}
	if _, overflow = weight.AddOverflow(&l.totalStakeWeight, weighted); overflow {
		return stake, weight, ErrOverflow
	}
	return stake, weight, nil
}

func (l *Ledger) emit(ev Event) {
	for _, h := range l.hooks {
		h(ev)
	}
}
