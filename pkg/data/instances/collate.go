// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package instances

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TensorMap is the tensorized form of a batch: one tensor per slot name.
type TensorMap map[string]*tensors.Tensor

// Batch groups the instances of one training step together with their
// collated tensors. The leading axis of every tensor is the batch axis.
type Batch struct {
	// Instances that make up the batch, in batch order.
	Instances []*Instance

	// Tensors collated from the instances, keyed by slot name. TextFields
	// contribute two slots, "<name>" and "<name>.mask".
	Tensors TensorMap
}

// Size returns the number of instances in the batch.
func (b *Batch) Size() int { return len(b.Instances) }

// FinalizeAll immediately frees the batch tensors, instead of waiting for the
// garbage collector. Training loops that create many batches per second may
// want to call this once a batch is consumed.
func (b *Batch) FinalizeAll() {
	for _, t := range b.Tensors {
		t.MustFinalizeAll()
	}
	b.Tensors = nil
}

// Collator converts the instances of one batch to tensors. The default is
// Collate; loaders accept a custom one for exotic field layouts.
type Collator func(batch []*Instance) (TensorMap, error)

// Collate is the default Collator. All instances must share the same field
// names and all fields must already be indexed. Per field type:
//
//   - TextField: ids are padded with PadID to the longest sequence of the
//     batch, giving an Int32 tensor of shape [batchSize, maxLen], plus a Bool
//     mask of the same shape under "<name>.mask".
//   - LabelField: an Int32 tensor of shape [batchSize].
//   - TensorField: all instances must agree on dimensions, stacked to shape
//     [batchSize, dimensions...].
func Collate(batch []*Instance) (tensorMap TensorMap, err error) {
	if len(batch) == 0 {
		return nil, errors.Errorf("cannot collate an empty batch")
	}
	first := batch[0]
	names := first.FieldNames()
	for ii, inst := range batch[1:] {
		if inst.NumFields() != first.NumFields() {
			return nil, errors.Errorf("cannot collate: instance %d has %d fields, instance 0 has %d",
				ii+1, inst.NumFields(), first.NumFields())
		}
	}

	tensorMap = make(TensorMap, len(names))
	// Tensor construction panics on invalid shapes or dtypes, convert those
	// to an error for the caller.
	err = exceptions.TryCatch[error](func() {
		for _, name := range names {
			err2 := collateField(tensorMap, name, batch)
			if err2 != nil {
				panic(err2)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while collating batch of %d instances", len(batch))
	}
	return tensorMap, nil
}

func collateField(out TensorMap, name string, batch []*Instance) error {
	n := len(batch)
	switch first := batch[0].Field(name).(type) {
	case *TextField:
		maxLen := 1
		for _, inst := range batch {
			f, err := textFieldAt(inst, name)
			if err != nil {
				return err
			}
			if f.Len() > maxLen {
				maxLen = f.Len()
			}
		}
		ids := make([]int32, n*maxLen)
		for ii := range ids {
			ids[ii] = PadID
		}
		mask := make([]bool, n*maxLen)
		for row, inst := range batch {
			f, err := textFieldAt(inst, name)
			if err != nil {
				return err
			}
			copy(ids[row*maxLen:], f.IDs())
			for col := range f.IDs() {
				mask[row*maxLen+col] = true
			}
		}
		out[name] = tensors.FromFlatDataAndDimensions(ids, n, maxLen)
		out[name+".mask"] = tensors.FromFlatDataAndDimensions(mask, n, maxLen)

	case *LabelField:
		ids := make([]int32, n)
		for row, inst := range batch {
			f, ok := inst.Field(name).(*LabelField)
			if !ok {
				return errors.Errorf("field %q: instance %d is not a LabelField", name, row)
			}
			if !f.Indexed() {
				return errors.Errorf("field %q of instance %d has not been indexed yet", name, row)
			}
			ids[row] = f.ID()
		}
		out[name] = tensors.FromFlatDataAndDimensions(ids, n)

	case *TensorField:
		flat := make([]float32, 0, n*len(first.Values))
		for row, inst := range batch {
			f, ok := inst.Field(name).(*TensorField)
			if !ok {
				return errors.Errorf("field %q: instance %d is not a TensorField", name, row)
			}
			if !equalDims(f.Dimensions, first.Dimensions) {
				return errors.Errorf("field %q: instance %d has dimensions %v, instance 0 has %v",
					name, row, f.Dimensions, first.Dimensions)
			}
			flat = append(flat, f.Values...)
		}
		dims := append([]int{n}, first.Dimensions...)
		out[name] = tensors.FromFlatDataAndDimensions(flat, dims...)

	default:
		return errors.Errorf("field %q has type %T, which the default collator does not know how to "+
			"batch, configure a custom Collator for it", name, first)
	}
	return nil
}

func textFieldAt(inst *Instance, name string) (*TextField, error) {
	f, ok := inst.Field(name).(*TextField)
	if !ok {
		return nil, errors.Errorf("field %q is not a TextField in every instance of the batch", name)
	}
	if !f.Indexed() {
		return nil, errors.Errorf("field %q has not been indexed yet, call IndexFields (or the "+
			"loader's IndexWith) before batching", name)
	}
	return f, nil
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if a[ii] != b[ii] {
			return false
		}
	}
	return true
}
