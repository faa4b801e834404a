// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package readers

import (
	"github.com/gomlx/dataloader/pkg/data/instances"
)

// SliceReader serves instances from an in-memory slice, ignoring the data
// path. Mostly useful in tests and for small synthetic datasets.
type SliceReader struct {
	Instances []*instances.Instance

	// Indexers to attach per field name in ApplyTokenIndexers. Optional.
	Indexers map[string]instances.TokenIndexer
}

// Read implements DatasetReader. Sharding is by position in the slice.
func (r *SliceReader) Read(_ string, worker *WorkerInfo) (instances.Iterator, error) {
	if worker == nil || worker.NumWorkers <= 1 {
		return instances.NewSliceIterator(r.Instances), nil
	}
	var shard []*instances.Instance
	for idx, inst := range r.Instances {
		if worker.Keep(idx) {
			shard = append(shard, inst)
		}
	}
	return instances.NewSliceIterator(shard), nil
}

// ApplyTokenIndexers implements DatasetReader.
func (r *SliceReader) ApplyTokenIndexers(inst *instances.Instance) {
	for name, indexer := range r.Indexers {
		if f, ok := inst.Field(name).(*instances.TextField); ok && f.Indexer == nil {
			f.Indexer = indexer
		}
	}
}
