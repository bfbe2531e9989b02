package report

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/weighted-stake-ledger/internal/bank"
	"github.com/yourorg/weighted-stake-ledger/internal/clock"
	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

var (
	admin   = types.MustParseAddress("0x00000000000000000000000000000000000000ad")
	custody = types.MustParseAddress("0x00000000000000000000000000000000000000cc")
	alice   = types.MustParseAddress("0x000000000000000000000000000000000000a11c")
	bob     = types.MustParseAddress("0x0000000000000000000000000000000000000b0b")
)

func setup(t *testing.T) (*ledger.Ledger, *bank.MemBank) {
	b := bank.NewMemBank(custody)
	l := ledger.New(admin, b, clock.NewManual(1),
		ledger.WithMinStake(uint256.NewInt(1)),
		ledger.WithParams(ledger.Params{Periods: []uint64{1, 6500, 100000}, PenaltyRate: 10}))

	for _, a := range []types.Address{alice, bob} {
		b.Mint(a, uint256.NewInt(10000))
		b.Approve(a, uint256.NewInt(10000))
	}

	ctx := context.Background()
	for _, s := range []struct {
		account types.Address
		amount  uint64
		period  uint64
	}{
		{alice, 200, 1},
		{bob, 10, 6500},
		{alice, 100, 100000},
		{bob, 40, 1},
	} {
		_, err := l.AddStake(ctx, s.account, uint256.NewInt(s.amount), s.period)
		require.NoError(t, err)
	}
	return l, b
}

func TestSummarize(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	_, err := l.FundPot(ctx, bob, uint256.NewInt(560))
	require.NoError(t, err)
	_, err = l.RemoveStake(ctx, bob, bob, 0)
	require.NoError(t, err)

	// open: alice 200x1 + 100x3, bob 40x1 => total weight 540
	sum, err := Summarize(ctx, l, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.OpenStakes)
	assert.Equal(t, 0, sum.ClosedStakes)
	assert.Equal(t, "300", sum.Principal)
	assert.Equal(t, "300", sum.Tokens)
	assert.Equal(t, "500", sum.WeightedStake)
	assert.Equal(t, "0", sum.Reward)
	assert.Equal(t, "518", sum.Pending, "floor(560*200/540) + floor(560*300/540)")
	assert.Len(t, sum.Stakes, 2)

	sum, err = Summarize(ctx, l, bob, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OpenStakes)
	assert.Equal(t, 1, sum.ClosedStakes)
	assert.False(t, sum.Stakes[0].Open)
}

func TestBuild(t *testing.T) {
	l, _ := setup(t)

	r, err := Build(l.Snapshot(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Accounts)
	assert.Equal(t, 4, r.OpenStakes)
	assert.Equal(t, "350", r.TotalStake)
	assert.Equal(t, "560", r.TotalStakeWeight)
	assert.Equal(t, "70", r.MedianStake, "median of 10, 40, 100, 200")

	require.Len(t, r.Periods, 3)
	assert.Equal(t, uint64(1), r.Periods[0].Weight)
	assert.Equal(t, 2, r.Periods[0].Stakes)
	assert.Equal(t, "240", r.Periods[0].Amount)
	assert.Equal(t, "0.4285714285714285714285714285714286", r.Periods[0].Share)
	assert.Equal(t, "20", r.Periods[1].WeightedAmount)
	assert.Equal(t, uint64(100000), r.Periods[2].Period)
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []uint64
		want   uint64
	}{
		{"empty", nil, 0},
		{"single", []uint64{7}, 7},
		{"odd", []uint64{9, 1, 5}, 5},
		{"even floors", []uint64{1, 2}, 1},
		{"even odd pair", []uint64{3, 5}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in []*uint256.Int
			for _, v := range tt.values {
				in = append(in, uint256.NewInt(v))
			}
			assert.Equal(t, tt.want, Median(in).Uint64())
		})
	}

	huge := new(uint256.Int).SetAllOne()
	assert.Equal(t, huge, Median([]*uint256.Int{huge, huge}), "median must not overflow")
}
