package train

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardSampler_RanksPartitionDataset(t *testing.T) {
	// GIVEN samplers for every rank of a 3-worker run, same seed and epoch
	const n, world = 10, 3
	seen := make(map[int]int)
	total := 0
	for rank := 0; rank < world; rank++ {
		s, err := NewShardSampler(n, rank, world, 42)
		require.NoError(t, err)
		s.SetEpoch(5)
		for _, idx := range s.Indices() {
			seen[idx]++
			total++
		}
	}

	// THEN every dataset index appears exactly once across ranks
	assert.Equal(t, n, total)
	for idx, count := range seen {
		assert.Equal(t, 1, count, "index %d seen %d times", idx, count)
	}
}

func TestShardSampler_SameEpochReproducible(t *testing.T) {
	a, err := NewShardSampler(20, 1, 4, 7)
	require.NoError(t, err)
	b, err := NewShardSampler(20, 1, 4, 7)
	require.NoError(t, err)

	a.SetEpoch(3)
	b.SetEpoch(3)
	assert.Equal(t, a.Indices(), b.Indices())
}

func TestShardSampler_DifferentEpochsReshuffle(t *testing.T) {
	s, err := NewShardSampler(50, 0, 1, 7)
	require.NoError(t, err)

	s.SetEpoch(1)
	first := append([]int(nil), s.Indices()...)
	s.SetEpoch(2)
	second := s.Indices()

	assert.NotEqual(t, first, second, "consecutive epochs should produce different orders")

	// Both are permutations of the full dataset.
	sortedFirst := append([]int(nil), first...)
	sort.Ints(sortedFirst)
	sortedSecond := append([]int(nil), second...)
	sort.Ints(sortedSecond)
	assert.Equal(t, sortedFirst, sortedSecond)
}

func TestShardSampler_InvalidRank_Errors(t *testing.T) {
	_, err := NewShardSampler(10, 4, 4, 1)
	assert.Error(t, err)
	_, err = NewShardSampler(10, -1, 4, 1)
	assert.Error(t, err)
	_, err = NewShardSampler(10, 0, 0, 1)
	assert.Error(t, err)
}

func TestCoordinator_PrimarySelection(t *testing.T) {
	single, err := NewCoordinator(ModeSingle, 3, 9)
	require.NoError(t, err)
	assert.True(t, single.IsPrimary(), "single mode is always primary")
	assert.Equal(t, 1, single.WorldSize)

	rank0, err := NewCoordinator(ModeDistributed, 0, 4)
	require.NoError(t, err)
	assert.True(t, rank0.IsPrimary())

	rank2, err := NewCoordinator(ModeDistributed, 2, 4)
	require.NoError(t, err)
	assert.False(t, rank2.IsPrimary())
}

func TestParseExecutionMode(t *testing.T) {
	for _, valid := range []string{"", "single", "distributed", "parallel"} {
		_, err := ParseExecutionMode(valid)
		assert.NoError(t, err, "mode %q", valid)
	}
	_, err := ParseExecutionMode("cluster")
	assert.Error(t, err)
}
