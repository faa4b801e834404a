// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/gomlx/dataloader/pkg/data/readers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMultiTaskLoader(t *testing.T, listA, listB []*instances.Instance,
	configure func(*MultiTaskLoader) *MultiTaskLoader) *MultiTaskLoader {
	t.Helper()
	loader := NewMultiTask(
		map[string]readers.DatasetReader{
			"a": &readers.SliceReader{Instances: listA},
			"b": &readers.SliceReader{Instances: listB},
		},
		map[string]string{"a": "a-path", "b": "b-path"},
		&RoundRobinScheduler{BatchSize: 4},
	).Quiet(true).Shuffle(false).WithRand(rand.New(rand.NewSource(1)))
	loader = configure(loader)
	loader, err := loader.Start()
	require.NoError(t, err)
	return loader
}

func drainMultiTaskEpoch(t *testing.T, loader *MultiTaskLoader) []*instances.Batch {
	t.Helper()
	it, err := loader.Batches()
	require.NoError(t, err)
	var batches []*instances.Batch
	for {
		b, err := it.Next()
		if err == io.EOF {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, b)
	}
}

func TestMultiTaskValidation(t *testing.T) {
	reader := &readers.SliceReader{Instances: makeTestInstances(2)}

	_, err := NewMultiTask(
		map[string]readers.DatasetReader{"a": reader},
		map[string]string{"b": "b-path"},
		&RoundRobinScheduler{BatchSize: 2},
	).Quiet(true).Start()
	require.ErrorContains(t, err, "same dataset names")

	_, err = NewMultiTask(
		map[string]readers.DatasetReader{"a": reader},
		map[string]string{"a": "a-path"},
		nil,
	).Quiet(true).Start()
	require.ErrorContains(t, err, "Scheduler")

	_, err = NewMultiTask(
		map[string]readers.DatasetReader{"a": reader},
		map[string]string{"a": "a-path"},
		&RoundRobinScheduler{BatchSize: 2},
	).Quiet(true).WorkersPerDataset(map[string]int{"nope": 2}).Start()
	require.ErrorContains(t, err, "unknown dataset names")

	_, err = NewMultiTask(
		map[string]readers.DatasetReader{"a": reader},
		map[string]string{"a": "a-path"},
		&RoundRobinScheduler{BatchSize: 2},
	).Quiet(true).InstancesPerEpoch(10).Start()
	require.ErrorContains(t, err, "requires an EpochSampler")
}

func TestMultiTaskUniformEpochs(t *testing.T) {
	listA := makeTestInstances(100)
	listB := makeTestInstances(10)
	loader := newMultiTaskLoader(t, listA, listB, func(l *MultiTaskLoader) *MultiTaskLoader {
		return l.InstancesPerEpoch(20).WithEpochSampler(UniformSampler{})
	})
	loader.IndexWith(testVocabulary())
	defer func() { require.NoError(t, loader.Close()) }()

	// Len reports the full 20-instance cap for each of the two datasets, an
	// upper bound independent of how the sampler splits the epoch.
	numBatches, err := loader.Len()
	require.NoError(t, err)
	assert.Equal(t, 10, numBatches)

	fromA := make(map[*instances.Instance]bool, len(listA))
	for _, inst := range listA {
		fromA[inst] = true
	}

	aTotals := make(map[*instances.Instance]int)
	for epoch := 0; epoch < 5; epoch++ {
		batches := drainMultiTaskEpoch(t, loader)
		require.Len(t, batches, 5)
		aCount, bCount := 0, 0
		for _, b := range batches {
			for _, inst := range b.Instances {
				if fromA[inst] {
					aCount++
					aTotals[inst]++
				} else {
					bCount++
				}
			}
		}
		// The uniform sampler splits the 20-instance epoch evenly.
		assert.Equal(t, 10, aCount, "epoch %d", epoch)
		assert.Equal(t, 10, bCount, "epoch %d", epoch)
	}

	// The big dataset is visited through a persistent cyclic iterator: over
	// 5 epochs, 50 of its 100 instances were each served exactly once, the
	// epochs resumed instead of restarting.
	assert.Len(t, aTotals, 50)
	for _, count := range aTotals {
		assert.Equal(t, 1, count)
	}
}

func TestMultiTaskProportionalSampler(t *testing.T) {
	loader := newMultiTaskLoader(t, makeTestInstances(30), makeTestInstances(10),
		func(l *MultiTaskLoader) *MultiTaskLoader {
			return l.InstancesPerEpoch(20).WithEpochSampler(ProportionalSampler{})
		})
	loader.IndexWith(testVocabulary())
	defer func() { _ = loader.Close() }()

	shares, err := loader.epochShares()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 15, "b": 5}, shares)

	batches := drainMultiTaskEpoch(t, loader)
	total := 0
	for _, b := range batches {
		total += b.Size()
	}
	assert.Equal(t, 20, total)
}

func TestMultiTaskFullEpochs(t *testing.T) {
	listA := makeTestInstances(6)
	listB := makeTestInstances(4)
	loader := newMultiTaskLoader(t, listA, listB, func(l *MultiTaskLoader) *MultiTaskLoader {
		return l
	})
	loader.IndexWith(testVocabulary())

	numBatches, err := loader.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, numBatches) // ceil(10 / 4)

	batches := drainMultiTaskEpoch(t, loader)
	require.Len(t, batches, 3)
	counts := countByPointer(batches)
	require.Len(t, counts, 10)
	for _, count := range counts {
		assert.Equal(t, 1, count)
	}
}

func TestMultiTaskInstancesChainsDatasets(t *testing.T) {
	listA := makeTestInstances(3)
	listB := makeTestInstances(2)
	loader := newMultiTaskLoader(t, listA, listB, func(l *MultiTaskLoader) *MultiTaskLoader {
		return l
	})

	it, err := loader.Instances()
	require.NoError(t, err)
	all, err := instances.ReadAll(it)
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Name order: all of "a" first, then all of "b".
	assert.Equal(t, listA, all[:3])
	assert.Equal(t, listB, all[3:])
}

// closeCountingReader hands out iterators that count their Close calls, to
// observe whether a loader releases its streams.
type closeCountingReader struct {
	list   []*instances.Instance
	closes int32
}

type closeCountingIterator struct {
	src    instances.Iterator
	closes *int32
}

func (r *closeCountingReader) Read(dataPath string, worker *readers.WorkerInfo) (instances.Iterator, error) {
	return &closeCountingIterator{src: instances.NewSliceIterator(r.list), closes: &r.closes}, nil
}

func (r *closeCountingReader) ApplyTokenIndexers(inst *instances.Instance) {}

func (it *closeCountingIterator) Next() (*instances.Instance, error) { return it.src.Next() }

func (it *closeCountingIterator) Close() error {
	atomic.AddInt32(it.closes, 1)
	return nil
}

func TestMultiTaskCloseReleasesLazyShuffledEpoch(t *testing.T) {
	// Big enough that the windowed shuffle never drains the reader on its own.
	reader := &closeCountingReader{list: makeTestInstances(3 * shuffleWindow)}
	loader, err := NewMultiTask(
		map[string]readers.DatasetReader{"a": reader},
		map[string]string{"a": "a-path"},
		&RoundRobinScheduler{BatchSize: 4},
	).Quiet(true).
		MaxInstancesInMemoryPerDataset(map[string]int{"a": 8}).
		WithRand(rand.New(rand.NewSource(1))).
		Start()
	require.NoError(t, err)
	loader.IndexWith(testVocabulary())

	it, err := loader.Batches()
	require.NoError(t, err)
	_, err = it.Next()
	require.NoError(t, err)
	require.NoError(t, it.Close())
	assert.EqualValues(t, 1, atomic.LoadInt32(&reader.closes),
		"abandoning an epoch mid-pass must close the reader's iterator")
}

func TestHomogeneousRoundRobinScheduler(t *testing.T) {
	listA := makeTestInstances(4)
	listB := makeTestInstances(6)
	loader := NewMultiTask(
		map[string]readers.DatasetReader{
			"a": &readers.SliceReader{Instances: listA},
			"b": &readers.SliceReader{Instances: listB},
		},
		map[string]string{"a": "a-path", "b": "b-path"},
		&HomogeneousRoundRobinScheduler{BatchSize: 2},
	).Quiet(true).Shuffle(false)
	started, err := loader.Start()
	require.NoError(t, err)
	started.IndexWith(testVocabulary())

	numBatches, err := started.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, numBatches) // 4/2 + 6/2

	fromA := make(map[*instances.Instance]bool)
	for _, inst := range listA {
		fromA[inst] = true
	}
	batches := drainMultiTaskEpoch(t, started)
	require.Len(t, batches, 5)
	for ii, b := range batches {
		require.Equal(t, 2, b.Size())
		// Every batch holds instances of a single dataset.
		assert.Equal(t, fromA[b.Instances[0]], fromA[b.Instances[1]], "batch %d is mixed", ii)
	}
}
