// Package solvency watches that the custody account covers everything the
// ledger owes and stops payouts when it does not.
package solvency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/bank"
	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
)

// ErrOpen is returned by Check while the guard is tripped
var ErrOpen = errors.New("solvency guard open: payouts suspended")

// State represents the current state of the guard
type State int

// Guard states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, payouts refused
	StateHalfOpen              // Testing if custody has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "half-open"
	}
}

// Sample is one comparison of custody holdings against ledger obligations.
// Unfunded obligations were written by the admin without a transfer and are
// not expected in custody.
type Sample struct {
	Height   uint64
	Held     uint256.Int // custody balance
	Owed     uint256.Int // total stake + total reward + pot
	Unfunded uint256.Int
}

// Backed is the part of the obligations custody must cover
func (s Sample) Backed() *uint256.Int {
	if s.Owed.Lt(&s.Unfunded) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&s.Owed, &s.Unfunded)
}

// Residue is what custody holds beyond the backed obligations: rounding
// dust, forfeited penalties and direct transfers
func (s Sample) Residue() *uint256.Int {
	backed := s.Backed()
	if s.Held.Lt(backed) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&s.Held, backed)
}

// Deficit is how much the backed obligations exceed custody
func (s Sample) Deficit() *uint256.Int {
	backed := s.Backed()
	if backed.Lt(&s.Held) {
		return new(uint256.Int)
	}
	return backed.Sub(backed, &s.Held)
}

// Measure reads the ledger totals and the custody balance
func Measure(ctx context.Context, l *ledger.Ledger, b bank.Bank) (Sample, error) {
	totals, err := l.Totals()
	if err != nil {
		return Sample{}, err
	}
	owed, overflow := totals.Obligations()
	if overflow {
		return Sample{}, ledger.ErrOverflow
	}

	held, err := b.BalanceOf(ctx, b.Custody())
	if err != nil {
		return Sample{}, fmt.Errorf("custody balance: %w", err)
	}

	return Sample{Height: totals.Height, Held: *held, Owed: *owed, Unfunded: totals.Unfunded}, nil
}

// Thresholds defines the limits that will trip the guard
type Thresholds struct {
	// MaxDeficit is the shortfall tolerated before tripping, in base units
	MaxDeficit uint256.Int `json:"-"`

	// MaxOwedChangePercent trips on a larger move of the obligations between
	// two consecutive samples. Zero disables the check.
	MaxOwedChangePercent uint64 `json:"max_owed_change_percent"`
}

// Guard implements the circuit breaker pattern over solvency samples
type Guard struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time
	reason   string

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	history []Sample

	// Count of consecutive healthy samples in HalfOpen state
	successCount     int
	successThreshold int

	onTripCallback func(reason string, s Sample)
}

// New creates a Guard with the provided thresholds
func New(t Thresholds) *Guard {
	return &Guard{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
	}
}

// WithResetDelay sets a custom reset delay and returns the guard
func (g *Guard) WithResetDelay(delay time.Duration) *Guard {
	g.resetDelay = delay
	return g
}

// WithSuccessThreshold sets the number of healthy samples needed to close the guard
func (g *Guard) WithSuccessThreshold(threshold int) *Guard {
	g.successThreshold = threshold
	return g
}

// WithTripCallback sets a function called when the guard trips
func (g *Guard) WithTripCallback(callback func(reason string, s Sample)) *Guard {
	g.onTripCallback = callback
	return g
}

// Allow reports ErrOpen while the guard is open and the reset delay has not passed
func (g *Guard) Allow() error {
	g.mu.RLock()
	state, lastTrip := g.state, g.lastTrip
	g.mu.RUnlock()

	if state == StateOpen {
		if time.Since(lastTrip) <= g.resetDelay {
			return ErrOpen
		}
		g.transitionToHalfOpen()
	}
	return nil
}

// Check evaluates a sample. A violation trips the guard and is returned.
func (g *Guard) Check(s Sample) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if deficit := s.Deficit(); deficit.Gt(&g.thresholds.MaxDeficit) {
		reason := fmt.Sprintf("custody deficit: owes %s, holds %s", model.FormatAmount(s.Backed()), model.FormatAmount(&s.Held))
		g.trip(reason, s)
		return errors.New(reason)
	}

	if pct := g.thresholds.MaxOwedChangePercent; pct > 0 && len(g.history) > 0 {
		last := g.history[len(g.history)-1]
		if prev, cur := last.Backed(), s.Backed(); changedBeyond(prev, cur, pct) {
			reason := fmt.Sprintf("obligations changed too fast: %s -> %s (threshold: %d%%)",
				model.FormatAmount(prev), model.FormatAmount(cur), pct)
			g.trip(reason, s)
			return errors.New(reason)
		}
	}

	logrus.WithField("residue", model.FormatAmount(s.Residue())).Debug("Solvency checks passed")
	g.addToHistory(s)

	if g.state == StateHalfOpen {
		g.successCount++
		if g.successCount >= g.successThreshold {
			g.state = StateClosed
			g.successCount = 0
			g.reason = ""
			logrus.Info("Solvency guard closed: custody has recovered")
		}
	}
	return nil
}

// GetState returns the current state of the guard
func (g *Guard) GetState() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Reason returns why the guard last tripped, empty while healthy
func (g *Guard) Reason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason
}

// Reset forcibly closes the guard
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateClosed
	g.successCount = 0
	g.reason = ""
	logrus.Info("Solvency guard manually reset to closed state")
}

// LastGood returns the most recent healthy sample
func (g *Guard) LastGood() (Sample, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.history) == 0 {
		return Sample{}, false
	}
	return g.history[len(g.history)-1], true
}

func (g *Guard) transitionToHalfOpen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateOpen {
		g.state = StateHalfOpen
		g.successCount = 0
		logrus.Info("Solvency guard half-open: testing custody recovery")
	}
}

// trip opens the guard. The caller must hold the write lock.
func (g *Guard) trip(reason string, s Sample) {
	g.state = StateOpen
	g.lastTrip = time.Now()
	g.reason = reason
	logrus.Warnf("Solvency guard tripped: %s", reason)

	if g.onTripCallback != nil {
		go g.onTripCallback(reason, s)
	}
}

// addToHistory keeps a bounded window of healthy samples
func (g *Guard) addToHistory(s Sample) {
	g.history = append(g.history, s)

	const maxHistorySize = 100
	if len(g.history) > maxHistorySize {
		g.history = g.history[len(g.history)-maxHistorySize:]
	}
}

// changedBeyond reports whether |cur-last| exceeds pct percent of last.
// A zero baseline never trips.
func changedBeyond(last, cur *uint256.Int, pct uint64) bool {
	if last.IsZero() {
		return false
	}

	var diff uint256.Int
	if cur.Lt(last) {
		diff.Sub(last, cur)
	} else {
		diff.Sub(cur, last)
	}

	lhs, overflow := new(uint256.Int).MulOverflow(&diff, uint256.NewInt(100))
	if overflow {
		return true
	}
	rhs, overflow := new(uint256.Int).MulOverflow(last, uint256.NewInt(pct))
	if overflow {
		return false
	}
	return lhs.Gt(rhs)
}
