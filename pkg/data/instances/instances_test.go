// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package instances

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() MapVocabulary {
	return MapVocabulary{
		"tokens": {"the": 2, "cat": 3, "sat": 4, "mat": 5},
		"labels": {"pos": 0, "neg": 1},
	}
}

func TestIndexingIsIdempotent(t *testing.T) {
	vocab := testVocab()
	inst := New().
		Add("text", NewTextField("the", "cat", "unknown")).
		Add("label", NewLabelField("neg"))
	require.False(t, inst.Indexed())

	inst.IndexFields(vocab)
	require.True(t, inst.Indexed())
	text := inst.Field("text").(*TextField)
	require.Equal(t, []int32{2, 3, UnknownID}, text.IDs())
	assert.Equal(t, int32(1), inst.Field("label").(*LabelField).ID())

	// A second indexing, even with a different vocabulary, must not change
	// anything.
	inst.IndexFields(MapVocabulary{})
	assert.Equal(t, []int32{2, 3, UnknownID}, text.IDs())
	assert.Equal(t, int32(1), inst.Field("label").(*LabelField).ID())
}

func TestTextFieldDefaultIndexer(t *testing.T) {
	f := NewTextField("cat", "mat")
	require.Nil(t, f.Indexer)
	f.Index(testVocab())
	assert.Equal(t, []int32{3, 5}, f.IDs())
}

func TestFieldNamesAreSorted(t *testing.T) {
	inst := New().
		Add("z", NewTextField("cat")).
		Add("a", NewLabelField("pos")).
		Add("m", NewTensorField([]float32{1}))
	assert.Equal(t, []string{"a", "m", "z"}, inst.FieldNames())
}

func TestCollate(t *testing.T) {
	vocab := testVocab()
	batch := []*Instance{
		New().Add("text", NewTextField("the", "cat", "sat")).Add("label", NewLabelField("pos")),
		New().Add("text", NewTextField("mat")).Add("label", NewLabelField("neg")),
	}
	for _, inst := range batch {
		inst.IndexFields(vocab)
	}

	tensorMap, err := Collate(batch)
	require.NoError(t, err)
	require.Len(t, tensorMap, 3)

	text := tensorMap["text"]
	require.NotNil(t, text)
	assert.Equal(t, []int{2, 3}, text.Shape().Dimensions)
	assert.Equal(t, dtypes.Int32, text.Shape().DType)
	assert.Equal(t, [][]int32{{2, 3, 4}, {5, PadID, PadID}}, text.Value())

	mask := tensorMap["text.mask"]
	require.NotNil(t, mask)
	assert.Equal(t, [][]bool{{true, true, true}, {true, false, false}}, mask.Value())

	labels := tensorMap["label"]
	require.NotNil(t, labels)
	assert.Equal(t, []int32{0, 1}, labels.Value())
}

func TestCollateTensorFields(t *testing.T) {
	batch := []*Instance{
		New().Add("features", NewTensorField([]float32{1, 2})),
		New().Add("features", NewTensorField([]float32{3, 4})),
	}
	tensorMap, err := Collate(batch)
	require.NoError(t, err)
	features := tensorMap["features"]
	require.NotNil(t, features)
	assert.Equal(t, []int{2, 2}, features.Shape().Dimensions)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, features.Value())
}

func TestCollateErrors(t *testing.T) {
	_, err := Collate(nil)
	require.ErrorContains(t, err, "empty batch")

	// Not indexed yet.
	_, err = Collate([]*Instance{New().Add("text", NewTextField("cat"))})
	require.ErrorContains(t, err, "not been indexed")

	// Mismatched tensor field dimensions.
	_, err = Collate([]*Instance{
		New().Add("features", NewTensorField([]float32{1, 2})),
		New().Add("features", NewTensorField([]float32{3})),
	})
	require.ErrorContains(t, err, "dimensions")
}
