// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"math/rand"
	"sort"
	"time"

	"github.com/gomlx/dataloader/pkg/data/instances"
)

// BatchSampler decides how a chunk of instances is grouped into batches,
// replacing the loader's fixed batchSize/shuffle/dropLast logic. When the
// loader reads lazily, chunks are one in-memory window; otherwise the whole
// dataset.
type BatchSampler interface {
	// BatchIndices returns the groups of indices into chunk that form the
	// batches, in serving order.
	BatchIndices(chunk []*instances.Instance) [][]int

	// BatchSize returns the nominal batch size, used to scale queue sizes.
	BatchSize() int

	// NumBatches returns how many batches the sampler will make out of the
	// given instances.
	NumBatches(chunk []*instances.Instance) int
}

// BucketBatchSampler groups instances of similar length together, so batches
// waste less padding. Lengths are perturbed with a bit of noise before
// sorting, keeping epochs from always producing identical buckets.
type BucketBatchSampler struct {
	// Size of each batch.
	Size int

	// SortField is the TextField whose token count defines the length of an
	// instance. When empty, the first TextField (in field name order) is
	// used.
	SortField string

	// NoiseFraction perturbs each length by a uniform factor in
	// [-NoiseFraction, +NoiseFraction] before sorting. Defaults to 0.1.
	NoiseFraction float64

	rng *rand.Rand
}

// NewBucketBatchSampler creates a BucketBatchSampler with the given batch
// size and the default noise.
func NewBucketBatchSampler(size int) *BucketBatchSampler {
	return &BucketBatchSampler{
		Size:          size,
		NoiseFraction: 0.1,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand sets the random number generator, for deterministic bucketing.
// It returns the sampler so calls can be cascaded.
func (s *BucketBatchSampler) WithRand(rng *rand.Rand) *BucketBatchSampler {
	s.rng = rng
	return s
}

// BatchIndices implements BatchSampler.
func (s *BucketBatchSampler) BatchIndices(chunk []*instances.Instance) [][]int {
	noisy := make([]float64, len(chunk))
	order := make([]int, len(chunk))
	for ii, inst := range chunk {
		length := float64(s.lengthOf(inst))
		noise := 1 + s.NoiseFraction*(2*s.rng.Float64()-1)
		noisy[ii] = length * noise
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool { return noisy[order[i]] < noisy[order[j]] })

	var groups [][]int
	for start := 0; start < len(order); start += s.Size {
		end := start + s.Size
		if end > len(order) {
			end = len(order)
		}
		groups = append(groups, order[start:end])
	}
	// Serve buckets in random order, otherwise every epoch starts with the
	// shortest sequences.
	s.rng.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })
	return groups
}

// BatchSize implements BatchSampler.
func (s *BucketBatchSampler) BatchSize() int { return s.Size }

// NumBatches implements BatchSampler.
func (s *BucketBatchSampler) NumBatches(chunk []*instances.Instance) int {
	return (len(chunk) + s.Size - 1) / s.Size
}

func (s *BucketBatchSampler) lengthOf(inst *instances.Instance) int {
	if s.SortField != "" {
		if f, ok := inst.Field(s.SortField).(*instances.TextField); ok {
			return f.Len()
		}
		return 0
	}
	for _, name := range inst.FieldNames() {
		if f, ok := inst.Field(name).(*instances.TextField); ok {
			return f.Len()
		}
	}
	return 0
}
