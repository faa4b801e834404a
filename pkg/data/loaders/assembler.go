// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"
	"math/rand"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/pkg/errors"
)

// assembler turns a stream of indexed instances into batches of instances,
// applying shuffling, fixed-size chunking or a BatchSampler, and a final
// tensorize step. It runs either on the consumer goroutine or inside a batch
// worker, so it must not touch loader state besides what it was given.
type assembler struct {
	src       instances.Iterator
	batchSize int
	dropLast  bool
	shuffle   bool
	sampler   BatchSampler
	window    int // 0 means the whole dataset fits in memory
	rng       *rand.Rand
	tensorize func([]*instances.Instance) (*instances.Batch, error)

	stream  instances.Iterator // src after the shuffle layer, built lazily
	pending [][]*instances.Instance
	done    bool
}

func (a *assembler) next() (*instances.Batch, error) {
	if a.done {
		return nil, io.EOF
	}
	group, err := a.nextGroup()
	if err != nil {
		a.done = true
		return nil, err
	}
	return a.tensorize(group)
}

func (a *assembler) nextGroup() ([]*instances.Instance, error) {
	if a.sampler != nil {
		return a.nextSampledGroup()
	}
	if a.stream == nil {
		stream, err := shuffled(a.src, a.shuffle, a.window, a.rng)
		if err != nil {
			return nil, err
		}
		a.stream = stream
	}
	group := make([]*instances.Instance, 0, a.batchSize)
	for len(group) < a.batchSize {
		inst, err := a.stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		group = append(group, inst)
	}
	if len(group) == 0 || (len(group) < a.batchSize && a.dropLast) {
		return nil, io.EOF
	}
	return group, nil
}

// nextSampledGroup serves groups chosen by the BatchSampler, one window (or
// the whole dataset) at a time.
func (a *assembler) nextSampledGroup() ([]*instances.Instance, error) {
	for len(a.pending) == 0 {
		chunk, err := a.readChunk()
		if err != nil {
			return nil, err
		}
		for _, indexGroup := range a.sampler.BatchIndices(chunk) {
			group := make([]*instances.Instance, len(indexGroup))
			for ii, idx := range indexGroup {
				if idx < 0 || idx >= len(chunk) {
					return nil, errors.Errorf("batch sampler returned index %d for a chunk of %d instances",
						idx, len(chunk))
				}
				group[ii] = chunk[idx]
			}
			a.pending = append(a.pending, group)
		}
	}
	group := a.pending[0]
	a.pending[0] = nil
	a.pending = a.pending[1:]
	return group, nil
}

// readChunk reads up to window instances (everything when window is 0) and
// returns io.EOF when the source is exhausted.
func (a *assembler) readChunk() ([]*instances.Instance, error) {
	var chunk []*instances.Instance
	for a.window == 0 || len(chunk) < a.window {
		inst, err := a.src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunk = append(chunk, inst)
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

// shuffled wraps src in a shuffle layer: a full in-memory shuffle when window
// is 0, a windowed streaming shuffle otherwise, or src itself when shuffling
// is off.
func shuffled(src instances.Iterator, shuffle bool, window int, rng *rand.Rand) (instances.Iterator, error) {
	if !shuffle {
		return src, nil
	}
	if window == 0 {
		all, err := instances.ReadAll(src)
		if err != nil {
			return nil, err
		}
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		return instances.NewSliceIterator(all), nil
	}
	return &shuffledIterator{src: src, window: window, rng: rng}, nil
}

// shuffledIterator keeps a reservoir of window instances and serves a random
// one on each Next, replacing it with the next instance of the source. The
// result is a stream uniformly shuffled within a sliding window, at constant
// memory.
type shuffledIterator struct {
	src    instances.Iterator
	window int
	rng    *rand.Rand

	buf     []*instances.Instance
	filled  bool
	srcDone bool
}

// Close implements io.Closer, releasing the underlying source. Consumers that
// abandon a shuffled stream mid-pass still reach the source's workers and
// open files this way.
func (it *shuffledIterator) Close() error {
	instances.CloseIterator(it.src)
	return nil
}

// Next implements instances.Iterator.
func (it *shuffledIterator) Next() (*instances.Instance, error) {
	if !it.filled {
		it.filled = true
		for len(it.buf) < it.window {
			inst, err := it.src.Next()
			if err == io.EOF {
				it.srcDone = true
				break
			}
			if err != nil {
				return nil, err
			}
			it.buf = append(it.buf, inst)
		}
	}
	if len(it.buf) == 0 {
		return nil, io.EOF
	}
	pick := it.rng.Intn(len(it.buf))
	out := it.buf[pick]
	if !it.srcDone {
		inst, err := it.src.Next()
		if err == io.EOF {
			it.srcDone = true
		} else if err != nil {
			return nil, err
		} else {
			it.buf[pick] = inst
			return out, nil
		}
	}
	it.buf[pick] = it.buf[len(it.buf)-1]
	it.buf[len(it.buf)-1] = nil
	it.buf = it.buf[:len(it.buf)-1]
	return out, nil
}
