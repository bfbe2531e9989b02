package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	c := NewManual(1)
	assert.Equal(t, uint64(1), c.Height())
	assert.Equal(t, uint64(11), c.Advance(10))

	c.Set(5) // never goes back
	assert.Equal(t, uint64(11), c.Height())

	c.Set(100)
	assert.Equal(t, uint64(100), c.Height())
}

func TestWall(t *testing.T) {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWall(genesis, 10*time.Second)

	c.now = func() time.Time { return genesis.Add(-time.Hour) }
	assert.Equal(t, uint64(1), c.Height(), "before genesis stays at the first block")

	c.now = func() time.Time { return genesis.Add(95 * time.Second) }
	assert.Equal(t, uint64(10), c.Height())

	assert.Equal(t, 13*time.Second, NewWall(genesis, 0).interval)
}
