package ledger

import (
	"fmt"

	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// Params is the admin-controlled configuration. Every admin change produces
// a new Params with a higher Version; a Params value is never mutated after
// it is installed, so readers may keep it.
type Params struct {
	Version uint64 `json:"version"`

	// Periods are the allowed lock durations in blocks; a period's weight is
	// its 1-based position. Duplicates or unsorted lists are accepted as given.
	Periods []uint64 `json:"periods"`

	// PenaltyRate is the percentage of principal withheld on early removal
	PenaltyRate uint64 `json:"penalty_rate"`

	// PotAddress is swept into the pot on every distribution when set
	PotAddress types.Address `json:"pot_address"`
}

// DefaultParams are the parameters of a freshly deployed ledger
func DefaultParams() Params {
	return Params{
		Version:     1,
		Periods:     []uint64{1},
		PenaltyRate: 10,
	}
}

// WeightOf returns the weight of period: 1 + index of its first occurrence
func (p Params) WeightOf(period uint64) (uint64, error) {
	for i, d := range p.Periods {
		if d == period {
			return uint64(i) + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownPeriod, period)
}

// next returns a copy of p with the version bumped, ready to be modified
func (p Params) next() Params {
	n := p.clone()
	n.Version++
	return n
}

func (p Params) clone() Params {
	n := p
	n.Periods = append([]uint64(nil), p.Periods...)
	return n
}
