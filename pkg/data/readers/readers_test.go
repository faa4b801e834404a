// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package readers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestTextLineReader(t *testing.T) {
	path := writeTestFile(t, "lines.txt", "the cat sat\n\n  \non the mat\nagain\n")
	reader := NewTextLineReader()

	it, err := reader.Read(path, nil)
	require.NoError(t, err)
	all, err := instances.ReadAll(it)
	require.NoError(t, err)
	require.Len(t, all, 3) // Blank lines are skipped.

	text := all[0].Field("text").(*instances.TextField)
	assert.Equal(t, []string{"the", "cat", "sat"}, text.Tokens)
	assert.Nil(t, text.Indexer, "indexers are only attached by ApplyTokenIndexers")

	reader.ApplyTokenIndexers(all[0])
	require.NotNil(t, text.Indexer)
	assert.Equal(t, instances.SingleIDIndexer{Namespace: "tokens"}, text.Indexer)
}

func TestTextLineReaderSharding(t *testing.T) {
	content := ""
	for ii := 0; ii < 10; ii++ {
		content += "line" + string(rune('a'+ii)) + "\n"
	}
	path := writeTestFile(t, "lines.txt", content)
	reader := NewTextLineReader()

	// The shards of 3 workers must cover every line exactly once.
	const numWorkers = 3
	seen := make(map[string]int)
	var shardSizes []int
	for workerID := 0; workerID < numWorkers; workerID++ {
		it, err := reader.Read(path, &WorkerInfo{NumWorkers: numWorkers, WorkerID: workerID})
		require.NoError(t, err)
		shard, err := instances.ReadAll(it)
		require.NoError(t, err)
		shardSizes = append(shardSizes, len(shard))
		for _, inst := range shard {
			seen[inst.Field("text").(*instances.TextField).Tokens[0]]++
		}
	}
	assert.Equal(t, []int{4, 3, 3}, shardSizes)
	require.Len(t, seen, 10)
	for line, count := range seen {
		assert.Equal(t, 1, count, "line %q served %d times", line, count)
	}
}

func TestCSVReader(t *testing.T) {
	path := writeTestFile(t, "data.csv",
		"Text, Label, X1, X2\nthe cat, pos, 1.5, 2\non the mat, neg, -1, 0.25\n")
	reader := &CSVReader{
		TextColumn:   "text",
		LabelColumn:  "label",
		FloatColumns: []string{"x1", "x2"},
	}

	it, err := reader.Read(path, nil)
	require.NoError(t, err)
	all, err := instances.ReadAll(it)
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, []string{"the", "cat"}, all[0].Field("text").(*instances.TextField).Tokens)
	assert.Equal(t, "pos", all[0].Field("label").(*instances.LabelField).Label)
	assert.Equal(t, []float32{1.5, 2}, all[0].Field("features").(*instances.TensorField).Values)
	assert.Equal(t, []float32{-1, 0.25}, all[1].Field("features").(*instances.TensorField).Values)
}

func TestCSVReaderErrors(t *testing.T) {
	path := writeTestFile(t, "data.csv", "a,b\n1,x\n")

	_, err := (&CSVReader{TextColumn: "missing"}).Read(path, nil)
	require.ErrorContains(t, err, `column "missing" not found`)

	it, err := (&CSVReader{FloatColumns: []string{"b"}}).Read(path, nil)
	require.NoError(t, err)
	_, err = it.Next()
	require.ErrorContains(t, err, "not a float")
}

func TestWorkerInfoKeep(t *testing.T) {
	var nilInfo *WorkerInfo
	assert.True(t, nilInfo.Keep(7))

	w := &WorkerInfo{NumWorkers: 2, WorkerID: 1}
	assert.False(t, w.Keep(0))
	assert.True(t, w.Keep(1))
	assert.False(t, w.Keep(2))
}
