// Package report summarizes ledger state for accounts and operators.
package report

import (
	"context"
	"sort"

	"github.com/holiman/uint256"

	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/units"
)

// AccountSummary aggregates one account's stakes
type AccountSummary struct {
	Account       types.Address     `json:"account"`
	OpenStakes    int               `json:"open_stakes"`
	ClosedStakes  int               `json:"closed_stakes"`
	Principal     string            `json:"principal"`
	Tokens        string            `json:"principal_tokens"`
	WeightedStake string            `json:"weighted_stake"`
	Reward        string            `json:"reward"`
	Pending       string            `json:"pending_reward"`
	Share         string            `json:"weight_share"`
	Stakes        []model.StakeView `json:"stakes"`
}

// Summarize builds the summary of account, including the reward the next
// distribution would credit it
func Summarize(ctx context.Context, l *ledger.Ledger, account types.Address, decimals uint8) (AccountSummary, error) {
	stakes := l.Stakes(account)
	sum := AccountSummary{Account: account, Stakes: make([]model.StakeView, 0, len(stakes))}

	var principal, weighted, reward, pending uint256.Int
	for i := range stakes {
		s := &stakes[i]
		sum.Stakes = append(sum.Stakes, s.View(i))
		if !s.IsOpen() {
			sum.ClosedStakes++
			continue
		}
		sum.OpenStakes++

		w, overflow := s.WeightedAmount()
		if overflow {
			return AccountSummary{}, ledger.ErrOverflow
		}
		principal.Add(&principal, &s.Amount)
		weighted.Add(&weighted, w)
		reward.Add(&reward, &s.Reward)

		p, err := l.PendingReward(ctx, account, i)
		if err != nil {
			return AccountSummary{}, err
		}
		pending.Add(&pending, p)
	}

	sum.Principal = model.FormatAmount(&principal)
	sum.Tokens = units.FormatTokens(&principal, decimals)
	sum.WeightedStake = model.FormatAmount(&weighted)
	sum.Reward = model.FormatAmount(&reward)
	sum.Pending = model.FormatAmount(&pending)
	sum.Share = units.Ratio(&weighted, l.TotalStakeWeight())
	return sum, nil
}

// PeriodBreakdown aggregates the open stakes sharing a period and weight
type PeriodBreakdown struct {
	Period         uint64 `json:"period"`
	Weight         uint64 `json:"weight"`
	Stakes         int    `json:"stakes"`
	Amount         string `json:"amount"`
	WeightedAmount string `json:"weighted_amount"`
	Share          string `json:"weight_share"`

	amount   uint256.Int
	weighted uint256.Int
}

// LedgerReport is an operator view over one consistent snapshot
type LedgerReport struct {
	Params           ledger.Params     `json:"params"`
	Accounts         int               `json:"accounts"`
	OpenStakes       int               `json:"open_stakes"`
	TotalStake       string            `json:"total_stake"`
	TotalTokens      string            `json:"total_stake_tokens"`
	TotalStakeWeight string            `json:"total_stake_weight"`
	Pot              string            `json:"pot"`
	MedianStake      string            `json:"median_stake"`
	Periods          []PeriodBreakdown `json:"periods"`
}

// Build reports per-period totals and the median open stake
func Build(st ledger.State, decimals uint8) (LedgerReport, error) {
	total, err := model.ParseAmount(st.TotalStakeWeight)
	if err != nil {
		return LedgerReport{}, err
	}
	totalStake, err := model.ParseAmount(st.TotalStake)
	if err != nil {
		return LedgerReport{}, err
	}

	r := LedgerReport{
		Params:           st.Params,
		Accounts:         len(st.Accounts),
		TotalStake:       st.TotalStake,
		TotalTokens:      units.FormatTokens(totalStake, decimals),
		TotalStakeWeight: st.TotalStakeWeight,
		Pot:              st.Pot,
	}

	type key struct{ period, weight uint64 }
	groups := map[key]*PeriodBreakdown{}
	var amounts []*uint256.Int

	for _, a := range st.Accounts {
		for i := range a.Stakes {
			s := &a.Stakes[i]
			if !s.IsOpen() {
				continue
			}
			r.OpenStakes++
			amounts = append(amounts, &s.Amount)

			w, overflow := s.WeightedAmount()
			if overflow {
				return LedgerReport{}, ledger.ErrOverflow
			}

			k := key{s.Period, s.Weight}
			g, ok := groups[k]
			if !ok {
				g = &PeriodBreakdown{Period: s.Period, Weight: s.Weight}
				groups[k] = g
			}
			g.Stakes++
			g.amount.Add(&g.amount, &s.Amount)
			g.weighted.Add(&g.weighted, w)
		}
	}

	for _, g := range groups {
		g.Amount = model.FormatAmount(&g.amount)
		g.WeightedAmount = model.FormatAmount(&g.weighted)
		g.Share = units.Ratio(&g.weighted, total)
		r.Periods = append(r.Periods, *g)
	}
	sort.Slice(r.Periods, func(i, j int) bool {
		if r.Periods[i].Weight != r.Periods[j].Weight {
			return r.Periods[i].Weight < r.Periods[j].Weight
		}
		return r.Periods[i].Period < r.Periods[j].Period
	})

	r.MedianStake = model.FormatAmount(Median(amounts))
	return r, nil
}

// Median returns the median of amounts, the floor of the mean of the two
// middle values for an even count, and zero for none
func Median(amounts []*uint256.Int) *uint256.Int {
	if len(amounts) == 0 {
		return new(uint256.Int)
	}

	values := append([]*uint256.Int(nil), amounts...)
	sort.Slice(values, func(i, j int) bool { return values[i].Lt(values[j]) })

	n := len(values)
	if n%2 == 1 {
		return new(uint256.Int).Set(values[n/2])
	}

	// a/2 + b/2 + (a&b&1) avoids overflowing the sum
	a, b := values[n/2-1], values[n/2]
	m := new(uint256.Int).Rsh(a, 1)
	m.Add(m, new(uint256.Int).Rsh(b, 1))
	if a.Uint64()&b.Uint64()&1 == 1 {
		m.AddUint64(m, 1)
	}
	return m
}
