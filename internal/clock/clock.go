// Package clock provides the ledger's logical time counter.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports the current logical height. Heights never decrease.
type Clock interface {
	Height() uint64
}

// Manual is a clock that only moves when told to
type Manual struct {
	height uint64
}

// NewManual creates a manual clock starting at height start
func NewManual(start uint64) *Manual {
	return &Manual{height: start}
}

// Height returns the current height
func (c *Manual) Height() uint64 {
	return atomic.LoadUint64(&c.height)
}

// Advance moves the clock n heights forward and returns the new height
func (c *Manual) Advance(n uint64) uint64 {
	return atomic.AddUint64(&c.height, n)
}

// Set jumps to height h if it is ahead of the current height
func (c *Manual) Set(h uint64) {
	for {
		cur := atomic.LoadUint64(&c.height)
		if h <= cur || atomic.CompareAndSwapUint64(&c.height, cur, h) {
			return
		}
	}
}

// Wall derives the height from wall-clock time: one block per interval
// since genesis, starting at height 1 at genesis.
type Wall struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewWall creates a wall clock. A non-positive interval defaults to 13s.
func NewWall(genesis time.Time, interval time.Duration) *Wall {
	if interval <= 0 {
		interval = 13 * time.Second
	}
	return &Wall{genesis: genesis, interval: interval, now: time.Now}
}

// Height returns the number of whole intervals elapsed since genesis, plus one
func (c *Wall) Height() uint64 {
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 1
	}
	return uint64(elapsed/c.interval) + 1
}
