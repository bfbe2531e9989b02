package ledger

import (
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// EventKind names a ledger state transition
type EventKind string

// Ledger events
const (
	EventStakeAdded    EventKind = "stake_added"
	EventStakeSet      EventKind = "stake_set"
	EventStakeRemoved  EventKind = "stake_removed"
	EventPotFunded     EventKind = "pot_funded"
	EventDistributed   EventKind = "distributed"
	EventParamsChanged EventKind = "params_changed"
)

// Event describes one applied mutation. Amounts are decimal strings in base units.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Height  uint64        `json:"height"`
	Account types.Address `json:"account"`
	Index   int           `json:"index"`
	Amount  string        `json:"amount,omitempty"`
	Reward  string        `json:"reward,omitempty"`
	Penalty string        `json:"penalty,omitempty"`
	Version uint64        `json:"params_version,omitempty"`
}
