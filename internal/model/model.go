// Package model defines the core data structures of the staking ledger.
package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Stake is one locked deposit owned by an account. A stake whose Amount is
// zero is a tombstone: it was closed at CloseHeight and is kept only so that
// indices stay stable.
type Stake struct {
	// Amount is the locked principal in base units
	Amount uint256.Int

	// Period is the lock duration supplied at creation, in blocks
	Period uint64

	// Weight is the 1-based position of Period in the period table at creation time
	Weight uint64

	// Reward is the sum of distribution credits not yet paid out
	Reward uint256.Int

	// StartHeight is the logical time the stake was opened
	StartHeight uint64

	// CloseHeight is zero while open
	CloseHeight uint64
}

// IsOpen reports whether the stake still holds principal
func (s *Stake) IsOpen() bool {
	return !s.Amount.IsZero()
}

// WeightedAmount returns Amount*Weight and whether the product overflowed
func (s *Stake) WeightedAmount() (*uint256.Int, bool) {
	return new(uint256.Int).MulOverflow(&s.Amount, uint256.NewInt(s.Weight))
}

// Unlocked reports whether the lock period has elapsed at height now
func (s *Stake) Unlocked(now uint64) bool {
	if now < s.StartHeight {
		return false
	}
	return now-s.StartHeight >= s.Period
}

// StakeView is the wire representation of a stake
type StakeView struct {
	Index       int    `json:"index"`
	Amount      string `json:"amount"`
	Period      uint64 `json:"period"`
	Weight      uint64 `json:"weight"`
	Reward      string `json:"reward"`
	StartHeight uint64 `json:"start_height"`
	CloseHeight uint64 `json:"close_height"`
	Open        bool   `json:"open"`
}

// View converts the stake at index into its wire form
func (s Stake) View(index int) StakeView {
	return StakeView{
		Index:       index,
		Amount:      FormatAmount(&s.Amount),
		Period:      s.Period,
		Weight:      s.Weight,
		Reward:      FormatAmount(&s.Reward),
		StartHeight: s.StartHeight,
		CloseHeight: s.CloseHeight,
		Open:        s.IsOpen(),
	}
}

// MarshalJSON encodes amounts as decimal strings
func (s Stake) MarshalJSON() ([]byte, error) {
	v := s.View(0)
	return json.Marshal(struct {
		Amount      string `json:"amount"`
		Period      uint64 `json:"period"`
		Weight      uint64 `json:"weight"`
		Reward      string `json:"reward"`
		StartHeight uint64 `json:"start_height"`
		CloseHeight uint64 `json:"close_height"`
	}{v.Amount, v.Period, v.Weight, v.Reward, v.StartHeight, v.CloseHeight})
}

// UnmarshalJSON decodes the form produced by MarshalJSON
func (s *Stake) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount      string `json:"amount"`
		Period      uint64 `json:"period"`
		Weight      uint64 `json:"weight"`
		Reward      string `json:"reward"`
		StartHeight uint64 `json:"start_height"`
		CloseHeight uint64 `json:"close_height"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	amount, err := ParseAmount(raw.Amount)
	if err != nil {
		return fmt.Errorf("stake amount: %w", err)
	}
	reward, err := ParseAmount(raw.Reward)
	if err != nil {
		return fmt.Errorf("stake reward: %w", err)
	}

	*s = Stake{
		Amount:      *amount,
		Period:      raw.Period,
		Weight:      raw.Weight,
		Reward:      *reward,
		StartHeight: raw.StartHeight,
		CloseHeight: raw.CloseHeight,
	}
	return nil
}

// FormatAmount renders a base-unit amount as a decimal integer string
func FormatAmount(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.ToBig().String()
}

// ParseAmount parses a non-negative decimal integer that fits in 256 bits.
// An empty string is zero.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(uint256.Int), nil
	}

	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}

	x, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits", s)
	}
	return x, nil
}
