// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// BatchSource is anything serving epochs of batches: both MultiWorkerLoader
// and MultiTaskLoader.
type BatchSource interface {
	Batches() (*BatchIterator, error)
}

// AsDataset adapts a loader to the train.Dataset interface, so it can feed a
// train.Trainer or a train loop directly. The named tensor slots of each
// batch are split positionally: inputSlots become the inputs, labelSlots the
// labels. A Reset starts a new epoch.
func AsDataset(src BatchSource, name string, inputSlots, labelSlots []string) train.Dataset {
	return &datasetAdapter{
		src:        src,
		name:       name,
		inputSlots: inputSlots,
		labelSlots: labelSlots,
	}
}

type datasetAdapter struct {
	src        BatchSource
	name       string
	inputSlots []string
	labelSlots []string

	epoch     *BatchIterator
	exhausted bool
}

// Name implements train.Dataset.
func (d *datasetAdapter) Name() string { return d.name }

// Reset implements train.Dataset.
func (d *datasetAdapter) Reset() {
	if d.epoch != nil {
		_ = d.epoch.Close()
		d.epoch = nil
	}
	d.exhausted = false
}

// Yield implements train.Dataset.
func (d *datasetAdapter) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.exhausted {
		return nil, nil, nil, io.EOF
	}
	if d.epoch == nil {
		d.epoch, err = d.src.Batches()
		if err != nil {
			return nil, nil, nil, err
		}
	}
	b, err := d.epoch.Next()
	if err == io.EOF {
		d.epoch = nil
		d.exhausted = true
		return nil, nil, nil, io.EOF
	}
	if err != nil {
		d.epoch = nil
		return nil, nil, nil, err
	}
	inputs, err = pickSlots(b, d.inputSlots)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err = pickSlots(b, d.labelSlots)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, inputs, labels, nil
}

func pickSlots(b *instances.Batch, slots []string) ([]*tensors.Tensor, error) {
	picked := make([]*tensors.Tensor, len(slots))
	for ii, slot := range slots {
		t, ok := b.Tensors[slot]
		if !ok {
			return nil, errors.Errorf("batch has no tensor slot %q, available slots: %v",
				slot, xslices.SortedKeys(b.Tensors))
		}
		picked[ii] = t
	}
	return picked, nil
}
