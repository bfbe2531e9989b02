package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// State is the persisted form of a ledger
type State struct {
	Params           Params         `json:"params"`
	Accounts         []AccountState `json:"accounts"`
	TotalStake       string         `json:"total_stake"`
	TotalStakeWeight string         `json:"total_stake_weight"`
	Pot              string         `json:"pot"`
	Unfunded         string         `json:"unfunded,omitempty"`
}

// AccountState is one account's stake sequence
type AccountState struct {
	Account types.Address `json:"account"`
	Stakes  []model.Stake `json:"stakes"`
}

// Snapshot copies the full ledger state under the read lock
func (l *Ledger) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{
		Params:           l.params.clone(),
		Accounts:         make([]AccountState, 0, len(l.accounts)),
		TotalStake:       model.FormatAmount(&l.totalStake),
		TotalStakeWeight: model.FormatAmount(&l.totalStakeWeight),
		Pot:              model.FormatAmount(&l.pot),
		Unfunded:         model.FormatAmount(&l.unfunded),
	}
	for _, account := range l.accounts {
		st.Accounts = append(st.Accounts, AccountState{
			Account: account,
			Stakes:  append([]model.Stake(nil), l.stakes[account]...),
		})
	}
	return st
}

// Encode serializes the snapshot
func (st State) Encode() ([]byte, error) {
	return json.Marshal(st)
}

// DecodeState parses a snapshot produced by Encode
func DecodeState(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return st, nil
}

// Restore replaces the ledger contents with st. The state is verified first
// and refused with ErrCorrupt when its totals disagree with its stakes.
func (l *Ledger) Restore(st State) error {
	next := Ledger{
		params: st.Params.clone(),
		stakes: make(map[types.Address][]model.Stake, len(st.Accounts)),
	}
	if next.params.Version == 0 {
		return fmt.Errorf("%w: params without version", ErrCorrupt)
	}

	for _, a := range st.Accounts {
		if _, dup := next.stakes[a.Account]; dup {
			return fmt.Errorf("%w: account %s listed twice", ErrCorrupt, a.Account.Hex())
		}
		next.accounts = append(next.accounts, a.Account)
		next.stakes[a.Account] = append([]model.Stake(nil), a.Stakes...)
	}

	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{
		{&next.totalStake, st.TotalStake},
		{&next.totalStakeWeight, st.TotalStakeWeight},
		{&next.pot, st.Pot},
		{&next.unfunded, st.Unfunded},
	} {
		v, err := model.ParseAmount(f.src)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		f.dst.Set(v)
	}

	if err := next.verify(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.params = next.params
	l.accounts = next.accounts
	l.stakes = next.stakes
	l.totalStake = next.totalStake
	l.totalStakeWeight = next.totalStakeWeight
	l.pot = next.pot
	l.unfunded = next.unfunded

	logrus.WithFields(logrus.Fields{
		"accounts":       len(l.accounts),
		"total_stake":    st.TotalStake,
		"params_version": l.params.Version,
	}).Info("Ledger state restored")
	return nil
}

// Verify recomputes the totals from every stake and compares them with the
// incrementally maintained counters.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verify()
}

func (l *Ledger) verify() error {
	var stake, weight uint256.Int

	for _, account := range l.accounts {
		for i, s := range l.stakes[account] {
			if !s.IsOpen() {
				if !s.Reward.IsZero() {
					return fmt.Errorf("%w: closed stake %d of %s holds reward", ErrCorrupt, i, account.Hex())
				}
				continue
			}
			if s.Weight == 0 {
				return fmt.Errorf("%w: open stake %d of %s has no weight", ErrCorrupt, i, account.Hex())
			}

			weighted, overflow := s.WeightedAmount()
			if overflow {
				return fmt.Errorf("%w: stake %d of %s: %v", ErrCorrupt, i, account.Hex(), ErrOverflow)
			}
			if _, overflow := stake.AddOverflow(&stake, &s.Amount); overflow {
				return fmt.Errorf("%w: total stake: %v", ErrCorrupt, ErrOverflow)
			}
			if _, overflow := weight.AddOverflow(&weight, weighted); overflow {
				return fmt.Errorf("%w: total stake weight: %v", ErrCorrupt, ErrOverflow)
			}
		}
	}

	if !stake.Eq(&l.totalStake) {
		return fmt.Errorf("%w: total stake %s, stakes sum to %s", ErrCorrupt, model.FormatAmount(&l.totalStake), model.FormatAmount(&stake))
	}
	if !weight.Eq(&l.totalStakeWeight) {
		return fmt.Errorf("%w: total stake weight %s, stakes sum to %s", ErrCorrupt, model.FormatAmount(&l.totalStakeWeight), model.FormatAmount(&weight))
	}
	return nil
}
