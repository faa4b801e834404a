// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package instances

import "io"

// Iterator is a pull-style stream of instances. Next returns io.EOF once the
// stream is exhausted, any other error is fatal to the stream.
//
// Iterators that hold resources (open files, worker pools) additionally
// implement io.Closer; consumers that stop early should check for it.
type Iterator interface {
	Next() (*Instance, error)
}

// IteratorFunc adapts a function to the Iterator interface.
type IteratorFunc func() (*Instance, error)

// Next implements Iterator.
func (f IteratorFunc) Next() (*Instance, error) { return f() }

// SliceIterator iterates over a fixed slice of instances.
type SliceIterator struct {
	Instances []*Instance
	pos       int
}

// NewSliceIterator creates an Iterator over the given instances.
func NewSliceIterator(list []*Instance) *SliceIterator {
	return &SliceIterator{Instances: list}
}

// Next implements Iterator.
func (it *SliceIterator) Next() (*Instance, error) {
	if it.pos >= len(it.Instances) {
		return nil, io.EOF
	}
	inst := it.Instances[it.pos]
	it.pos++
	return inst, nil
}

// ReadAll drains an iterator into a slice. An io.EOF from the iterator is the
// normal termination and is not returned as an error.
func ReadAll(it Iterator) ([]*Instance, error) {
	var all []*Instance
	for {
		inst, err := it.Next()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, inst)
	}
}

// CloseIterator closes the iterator if it holds resources, and is a no-op
// otherwise.
func CloseIterator(it Iterator) {
	if closer, ok := it.(io.Closer); ok {
		_ = closer.Close()
	}
}
