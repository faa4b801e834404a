// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package readers defines DatasetReader, the interface loaders use to pull
// instances out of raw files, plus a couple of ready-made readers for common
// flat formats.
//
// A reader must support being read concurrently by several loader workers: it
// receives a WorkerInfo and is responsible for "manual sharding", emitting
// only every NumWorkers-th record (offset by WorkerID) so that the workers
// together cover the dataset exactly once.
package readers

import (
	"github.com/gomlx/dataloader/pkg/data/instances"
)

// WorkerInfo tells a reader which shard of the data it must produce.
type WorkerInfo struct {
	// NumWorkers is the total number of workers reading the same dataPath.
	NumWorkers int

	// WorkerID identifies this worker, in [0, NumWorkers).
	WorkerID int
}

// Keep reports whether record number recordIndex (0-based, counted over the
// whole file) belongs to this worker's shard. A nil WorkerInfo keeps every
// record.
func (w *WorkerInfo) Keep(recordIndex int) bool {
	if w == nil || w.NumWorkers <= 1 {
		return true
	}
	return recordIndex%w.NumWorkers == w.WorkerID
}

// DatasetReader produces instances out of a data path.
//
// Reads must be repeatable: loaders re-open the reader once per epoch when
// instances are not cached in memory.
type DatasetReader interface {
	// Read opens dataPath and returns an iterator over its instances. worker
	// is nil for single-threaded loading; when non-nil the reader must only
	// emit the records of that worker's shard (see WorkerInfo.Keep).
	Read(dataPath string, worker *WorkerInfo) (instances.Iterator, error)

	// ApplyTokenIndexers attaches the reader's token indexers to the fields
	// of inst. Loaders call it on the consumer side of a worker handoff, so
	// indexers (and whatever encoder state they carry) live in one place
	// instead of one copy per worker. Must be idempotent.
	ApplyTokenIndexers(inst *instances.Instance)
}
