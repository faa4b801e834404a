// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/pkg/errors"
)

// cycleIterator is an endless instance stream: whenever the current
// underlying iterator is exhausted it asks restart for a fresh one. The
// iterator deliberately never returns io.EOF, its position survives across
// epochs so consumers that take a fixed share per epoch (see takeIterator)
// resume where the previous epoch stopped.
type cycleIterator struct {
	restart func() (instances.Iterator, error)
	current instances.Iterator
}

func newCycle(restart func() (instances.Iterator, error)) *cycleIterator {
	return &cycleIterator{restart: restart}
}

// Next implements instances.Iterator.
func (it *cycleIterator) Next() (*instances.Instance, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if it.current == nil {
			current, err := it.restart()
			if err != nil {
				return nil, err
			}
			it.current = current
		}
		inst, err := it.current.Next()
		if err == io.EOF {
			instances.CloseIterator(it.current)
			it.current = nil
			continue
		}
		return inst, err
	}
	return nil, errors.Errorf("cyclic instance stream restarted and was immediately exhausted, " +
		"the underlying dataset is empty")
}

// Close implements io.Closer, releasing the current underlying iterator.
func (it *cycleIterator) Close() error {
	if it.current != nil {
		instances.CloseIterator(it.current)
		it.current = nil
	}
	return nil
}

// takeIterator serves at most n instances of src and then reports io.EOF,
// without closing src.
type takeIterator struct {
	src   instances.Iterator
	n     int
	count int
}

func newTake(src instances.Iterator, n int) *takeIterator {
	return &takeIterator{src: src, n: n}
}

// Next implements instances.Iterator.
func (it *takeIterator) Next() (*instances.Instance, error) {
	if it.count >= it.n {
		return nil, io.EOF
	}
	inst, err := it.src.Next()
	if err != nil {
		return nil, err
	}
	it.count++
	return inst, nil
}
