// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"

	"github.com/gomlx/dataloader/pkg/data/instances"
)

// InstanceIterator is the stream Instances() returns. Next yields io.EOF at
// the end of the data. The iterator auto-closes on io.EOF and on error;
// consumers that stop early must call Close to release workers and open
// files, but even a dropped iterator is reclaimed: a finalizer abandons the
// worker pool when the iterator is garbage collected unclosed.
type InstanceIterator struct {
	next   func() (*instances.Instance, error)
	close  func()
	closed bool
}

// Next returns the next instance, or io.EOF at the end of the stream.
func (it *InstanceIterator) Next() (*instances.Instance, error) {
	if it.closed {
		return nil, io.EOF
	}
	inst, err := it.next()
	if err != nil {
		_ = it.Close()
		return nil, err
	}
	return inst, nil
}

// Close releases the resources behind the iterator. Idempotent.
func (it *InstanceIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.close != nil {
		it.close()
	}
	return nil
}

// BatchIterator is the stream Batches() returns, with the same lifecycle
// rules as InstanceIterator.
type BatchIterator struct {
	next   func() (*instances.Batch, error)
	close  func()
	closed bool
}

// Next returns the next batch, or io.EOF at the end of the epoch.
func (it *BatchIterator) Next() (*instances.Batch, error) {
	if it.closed {
		return nil, io.EOF
	}
	b, err := it.next()
	if err != nil {
		_ = it.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the resources behind the iterator. Idempotent.
func (it *BatchIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.close != nil {
		it.close()
	}
	return nil
}
