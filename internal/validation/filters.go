// Package validation checks period tables and migration entries before
// they reach the ledger.
package validation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// CheckPeriods returns one warning per suspicious property of a period
// table. The ledger accepts all of them; these are operator hints.
func CheckPeriods(periods []uint64) []string {
	var warnings []string

	if len(periods) == 0 {
		warnings = append(warnings, "period table is empty, no stake can be added")
	}

	seen := make(map[uint64]int, len(periods))
	for i, p := range periods {
		if p == 0 {
			warnings = append(warnings, fmt.Sprintf("period %d is zero, such stakes are never early", i))
		}
		if first, dup := seen[p]; dup {
			warnings = append(warnings, fmt.Sprintf("period %d duplicates position %d, only the first one is reachable", p, first))
			continue
		}
		seen[p] = i
	}

	if !sort.SliceIsSorted(periods, func(i, j int) bool { return periods[i] < periods[j] }) {
		warnings = append(warnings, "periods are not ascending, longer locks get smaller weights")
	}

	for _, w := range warnings {
		logrus.WithField("periods", periods).Warn(w)
	}
	return warnings
}

// Entry is one stake to import into the ledger
type Entry struct {
	Account types.Address
	Amount  *uint256.Int
	Period  uint64
	Start   uint64
	Reward  *uint256.Int
}

// Options holds configuration for entry validation
type Options struct {
	// Periods are the periods entries may use; empty disables the check
	Periods []uint64

	// MaxStart rejects entries starting after this height; zero disables the check
	MaxStart uint64

	// MaxAmount rejects larger principals; nil disables the check
	MaxAmount *uint256.Int

	// RejectDuplicates drops an entry identical to an earlier one
	RejectDuplicates bool
}

// DefaultOptions returns sensible defaults for entry validation
func DefaultOptions(periods []uint64) Options {
	return Options{
		Periods:          periods,
		RejectDuplicates: true,
	}
}

// Rejection is an entry that failed validation and why
type Rejection struct {
	Index  int    `json:"index"`
	Entry  Entry  `json:"entry"`
	Reason string `json:"reason"`
}

// FilterInvalid splits entries into those that pass and those that don't,
// both in input order
func FilterInvalid(entries []Entry, opts Options) ([]Entry, []Rejection) {
	reasons := make([]string, len(entries))
	for i := range entries {
		reasons[i] = checkEntry(entries[i], opts)
	}
	return collect(entries, reasons, opts)
}

// FilterInvalidConcurrently performs validation in parallel for large manifests
func FilterInvalidConcurrently(entries []Entry, opts Options) ([]Entry, []Rejection) {
	if len(entries) < 100 {
		return FilterInvalid(entries, opts)
	}

	workerCount := 4
	chunkSize := (len(entries) + workerCount - 1) / workerCount
	reasons := make([]string, len(entries))
	wg := sync.WaitGroup{}

	for start := 0; start < len(entries); start += chunkSize {
		end := start + chunkSize
		if end > len(entries) {
			end = len(entries)
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				reasons[i] = checkEntry(entries[i], opts)
			}
		}(start, end)
	}
	wg.Wait()

	return collect(entries, reasons, opts)
}

// collect applies the order-dependent duplicate check and splits the result
func collect(entries []Entry, reasons []string, opts Options) ([]Entry, []Rejection) {
	valid := make([]Entry, 0, len(entries))
	var rejected []Rejection
	seen := make(map[string]int)

	for i, e := range entries {
		reason := reasons[i]
		if reason == "" && opts.RejectDuplicates {
			k := entryKey(e)
			if first, dup := seen[k]; dup {
				reason = fmt.Sprintf("duplicate of entry %d", first)
			} else {
				seen[k] = i
			}
		}

		if reason != "" {
			logrus.WithFields(logrus.Fields{
				"index":   i,
				"account": e.Account.Hex(),
				"reason":  reason,
			}).Debug("Filtered invalid entry")
			rejected = append(rejected, Rejection{Index: i, Entry: e, Reason: reason})
			continue
		}
		valid = append(valid, e)
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(entries),
		"filtered": len(rejected),
	}).Debug("Entry validation complete")
	return valid, rejected
}

// checkEntry returns why e is invalid, or the empty string
func checkEntry(e Entry, opts Options) string {
	if e.Account == types.ZeroAddress {
		return "zero account"
	}
	if e.Amount == nil || e.Amount.IsZero() {
		return "zero amount"
	}
	if opts.MaxAmount != nil && e.Amount.Gt(opts.MaxAmount) {
		return fmt.Sprintf("amount %s above maximum %s", model.FormatAmount(e.Amount), model.FormatAmount(opts.MaxAmount))
	}
	if len(opts.Periods) > 0 && !containsPeriod(opts.Periods, e.Period) {
		return fmt.Sprintf("unknown period %d", e.Period)
	}
	if opts.MaxStart > 0 && e.Start > opts.MaxStart {
		return fmt.Sprintf("start %d after height %d", e.Start, opts.MaxStart)
	}
	return ""
}

func containsPeriod(periods []uint64, p uint64) bool {
	for _, d := range periods {
		if d == p {
			return true
		}
	}
	return false
}

func entryKey(e Entry) string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", e.Account.Hex(), model.FormatAmount(e.Amount), e.Period, e.Start, model.FormatAmount(e.Reward))
}
