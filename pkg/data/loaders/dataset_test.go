// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsDataset(t *testing.T) {
	loader := newTestLoader(t, 6, func(l *MultiWorkerLoader) *MultiWorkerLoader {
		return l.BatchSize(2)
	})
	loader.IndexWith(testVocabulary())

	ds := AsDataset(loader, "train", []string{"text", "text.mask"}, []string{"label"})
	assert.Equal(t, "train", ds.Name())

	for batch := 0; batch < 3; batch++ {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Nil(t, spec)
		require.Len(t, inputs, 2)
		require.Len(t, labels, 1)
		assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
		assert.Equal(t, inputs[0].Shape().Dimensions, inputs[1].Shape().Dimensions)
		assert.Equal(t, []int{2}, labels[0].Shape().Dimensions)
	}

	// End of epoch, and io.EOF is sticky until Reset.
	_, _, _, err := ds.Yield()
	require.Equal(t, io.EOF, err)
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)

	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
}

func TestAsDatasetUnknownSlot(t *testing.T) {
	loader := newTestLoader(t, 4, func(l *MultiWorkerLoader) *MultiWorkerLoader {
		return l.BatchSize(2)
	})
	loader.IndexWith(testVocabulary())

	ds := AsDataset(loader, "train", []string{"no-such-slot"}, nil)
	_, _, _, err := ds.Yield()
	require.ErrorContains(t, err, `no tensor slot "no-such-slot"`)
}
