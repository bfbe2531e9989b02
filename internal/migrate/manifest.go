// Package migrate imports stakes from a previous ledger instance through the
// admin override.
package migrate

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/units"
	"github.com/yourorg/weighted-stake-ledger/internal/validation"
)

// Manifest is the YAML document listing stakes to import
type Manifest struct {
	Source   string  `yaml:"source"`
	Decimals *uint8  `yaml:"decimals"`
	Stakes   []Stake `yaml:"stakes"`
}

// Stake is one manifest line. Amount and reward are base units; Tokens is
// an alternative to Amount in whole tokens.
type Stake struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
	Tokens  string `yaml:"tokens"`
	Period  uint64 `yaml:"period"`
	Start   uint64 `yaml:"start"`
	Reward  string `yaml:"reward"`
}

// Load reads and parses a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest document
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Entries converts the manifest lines into validation entries
func (m *Manifest) Entries() ([]validation.Entry, error) {
	decimals := uint8(units.DefaultDecimals)
	if m.Decimals != nil {
		decimals = *m.Decimals
	}

	entries := make([]validation.Entry, 0, len(m.Stakes))
	for i, s := range m.Stakes {
		account, err := types.ParseAddress(s.Account)
		if err != nil {
			return nil, fmt.Errorf("stake %d: %w", i, err)
		}

		e := validation.Entry{Account: account, Period: s.Period, Start: s.Start}
		switch {
		case s.Amount != "" && s.Tokens != "":
			return nil, fmt.Errorf("stake %d: set either amount or tokens", i)
		case s.Tokens != "":
			e.Amount, err = units.ParseTokens(s.Tokens, decimals)
		default:
			e.Amount, err = model.ParseAmount(s.Amount)
		}
		if err != nil {
			return nil, fmt.Errorf("stake %d: %w", i, err)
		}

		if e.Reward, err = model.ParseAmount(s.Reward); err != nil {
			return nil, fmt.Errorf("stake %d reward: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Result reports what an import did
type Result struct {
	Applied  int                    `json:"applied"`
	Rejected []validation.Rejection `json:"rejected,omitempty"`
}

// Apply validates the manifest against the ledger's period table and current
// height and writes every valid entry with SetStake. Invalid entries are
// skipped and reported; a ledger error stops the import.
func Apply(ctx context.Context, l *ledger.Ledger, admin types.Address, m *Manifest) (Result, error) {
	entries, err := m.Entries()
	if err != nil {
		return Result{}, err
	}

	opts := validation.DefaultOptions(l.Params().Periods)
	opts.MaxStart = l.Height()
	valid, rejected := validation.FilterInvalidConcurrently(entries, opts)

	res := Result{Rejected: rejected}
	for _, e := range valid {
		if _, err := l.SetStake(ctx, admin, e.Amount, e.Period, e.Account, e.Start, e.Reward); err != nil {
			return res, fmt.Errorf("import %s: %w", e.Account.Hex(), err)
		}
		res.Applied++
	}

	logrus.WithFields(logrus.Fields{
		"source":   m.Source,
		"applied":  res.Applied,
		"rejected": len(res.Rejected),
	}).Info("Migration manifest applied")
	return res, nil
}
