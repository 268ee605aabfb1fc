package train

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// ShardSampler deals each rank a disjoint, deterministic shard of the
// dataset. Reseeding with the epoch index makes the shuffle reproducible
// per epoch and across restarts: two workers that call SetEpoch with the
// same seed and epoch agree on the full permutation and take
// non-overlapping stride slices of it.
type ShardSampler struct {
	datasetLen int
	rank       int
	worldSize  int
	seed       int64
	epoch      int
	order      []int
}

// NewShardSampler builds a sampler for one rank of a worldSize-worker run.
func NewShardSampler(datasetLen, rank, worldSize int, seed int64) (*ShardSampler, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("sampler: world size %d < 1", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("sampler: rank %d outside [0,%d)", rank, worldSize)
	}
	s := &ShardSampler{
		datasetLen: datasetLen,
		rank:       rank,
		worldSize:  worldSize,
		seed:       seed,
	}
	s.SetEpoch(0)
	return s, nil
}

// SetEpoch reseeds the shuffle for the given epoch.
func (s *ShardSampler) SetEpoch(epoch int) {
	s.epoch = epoch
	rng := rand.New(rand.NewSource(s.seed ^ epochSeed(epoch)))
	perm := rng.Perm(s.datasetLen)
	shard := make([]int, 0, (s.datasetLen+s.worldSize-1)/s.worldSize)
	for i := s.rank; i < len(perm); i += s.worldSize {
		shard = append(shard, perm[i])
	}
	s.order = shard
}

// Indices returns this rank's shard for the current epoch, in shuffled
// order. The returned slice is owned by the sampler.
func (s *ShardSampler) Indices() []int {
	return s.order
}

// Len returns the shard length for this rank.
func (s *ShardSampler) Len() int {
	return len(s.order)
}

// epochSeed derives a per-epoch seed component by hashing the epoch label,
// keeping consecutive epochs decorrelated.
func epochSeed(epoch int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "epoch_%d", epoch)
	return int64(h.Sum64())
}
