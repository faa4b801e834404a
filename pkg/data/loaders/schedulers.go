// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// RoundRobinScheduler interleaves the datasets one instance at a time, in
// dataset name order, and cuts the combined stream into heterogeneous
// batches of BatchSize. Exhausted datasets drop out of the rotation; the
// final batch may be short.
type RoundRobinScheduler struct {
	BatchSize int
}

// Schedule implements Scheduler.
func (s *RoundRobinScheduler) Schedule(epoch map[string]instances.Iterator) GroupIterator {
	return &roundRobinGroups{
		names:     xslices.SortedKeys(epoch),
		epoch:     epoch,
		batchSize: s.BatchSize,
	}
}

// CountBatches implements Scheduler.
func (s *RoundRobinScheduler) CountBatches(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return (total + s.BatchSize - 1) / s.BatchSize
}

type roundRobinGroups struct {
	names     []string
	epoch     map[string]instances.Iterator
	batchSize int
	pos       int
}

// Next implements GroupIterator.
func (g *roundRobinGroups) Next() ([]*instances.Instance, error) {
	var group []*instances.Instance
	for len(g.names) > 0 && len(group) < g.batchSize {
		if g.pos >= len(g.names) {
			g.pos = 0
		}
		name := g.names[g.pos]
		inst, err := g.epoch[name].Next()
		if err == io.EOF {
			g.names = append(g.names[:g.pos], g.names[g.pos+1:]...)
			continue
		}
		if err != nil {
			return nil, err
		}
		group = append(group, inst)
		g.pos++
	}
	if len(group) == 0 {
		return nil, io.EOF
	}
	return group, nil
}

// HomogeneousRoundRobinScheduler also rotates over the datasets, but every
// batch holds instances of a single dataset: it keeps pulling from one
// dataset until a batch is full, emits it, then moves to the next dataset.
// Useful when different tasks need different model heads per batch.
type HomogeneousRoundRobinScheduler struct {
	// BatchSize used for every dataset, unless overridden.
	BatchSize int

	// BatchSizePerDataset optionally overrides BatchSize for individual
	// datasets.
	BatchSizePerDataset map[string]int
}

func (s *HomogeneousRoundRobinScheduler) sizeFor(name string) int {
	if size, ok := s.BatchSizePerDataset[name]; ok {
		return size
	}
	return s.BatchSize
}

// Schedule implements Scheduler.
func (s *HomogeneousRoundRobinScheduler) Schedule(epoch map[string]instances.Iterator) GroupIterator {
	return &homogeneousGroups{
		scheduler: s,
		names:     xslices.SortedKeys(epoch),
		epoch:     epoch,
	}
}

// CountBatches implements Scheduler.
func (s *HomogeneousRoundRobinScheduler) CountBatches(counts map[string]int) int {
	total := 0
	for name, n := range counts {
		size := s.sizeFor(name)
		total += (n + size - 1) / size
	}
	return total
}

type homogeneousGroups struct {
	scheduler *HomogeneousRoundRobinScheduler
	names     []string
	epoch     map[string]instances.Iterator
	pos       int
}

// Next implements GroupIterator.
func (g *homogeneousGroups) Next() ([]*instances.Instance, error) {
	for len(g.names) > 0 {
		if g.pos >= len(g.names) {
			g.pos = 0
		}
		name := g.names[g.pos]
		size := g.scheduler.sizeFor(name)
		var group []*instances.Instance
		for len(group) < size {
			inst, err := g.epoch[name].Next()
			if err == io.EOF {
				g.names = append(g.names[:g.pos], g.names[g.pos+1:]...)
				break
			}
			if err != nil {
				return nil, err
			}
			group = append(group, inst)
		}
		if len(group) == size {
			g.pos++
		}
		if len(group) > 0 {
			return group, nil
		}
	}
	return nil, io.EOF
}
