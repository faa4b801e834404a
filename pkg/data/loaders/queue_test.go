// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueUnbounded(t *testing.T) {
	q := newWorkQueue[int](0)
	for ii := 0; ii < 1000; ii++ {
		require.True(t, q.tryPut(envelope[int]{kind: itemPayload, value: ii}, time.Millisecond))
	}
	for ii := 0; ii < 1000; ii++ {
		e := q.get()
		assert.Equal(t, ii, e.value)
		q.taskDone()
	}
}

func TestWorkQueueBoundedBlocks(t *testing.T) {
	q := newWorkQueue[int](2)
	require.True(t, q.tryPut(envelope[int]{value: 1}, time.Millisecond))
	require.True(t, q.tryPut(envelope[int]{value: 2}, time.Millisecond))

	// Full queue: the put must time out.
	start := time.Now()
	require.False(t, q.tryPut(envelope[int]{value: 3}, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// A get frees a slot.
	q.get()
	require.True(t, q.tryPut(envelope[int]{value: 3}, time.Millisecond))
}

func TestWorkQueueJoin(t *testing.T) {
	q := newWorkQueue[int](0)

	// An empty queue joins immediately.
	done := make(chan struct{})
	go func() {
		q.join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("join on an empty queue did not return")
	}

	q.tryPut(envelope[int]{value: 1}, time.Millisecond)
	q.tryPut(envelope[int]{value: 2}, time.Millisecond)
	q.get()
	q.get()

	// Both items gotten but not acknowledged: join must block.
	joined := make(chan struct{})
	go func() {
		q.join()
		close(joined)
	}()
	select {
	case <-joined:
		t.Fatal("join returned before taskDone")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, q.taskDone())
	require.True(t, q.taskDone())
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not return after all acknowledgments")
	}

	// Extra acknowledgments on a drained queue are ignored.
	assert.False(t, q.taskDone())
}

func TestWorkQueueJoinCancel(t *testing.T) {
	q := newWorkQueue[int](0)
	q.tryPut(envelope[int]{value: 1}, time.Millisecond)
	q.get()

	cancel := make(chan struct{})
	joined := make(chan struct{})
	go func() {
		q.join(cancel)
		close(joined)
	}()
	close(cancel)
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not honor the cancel channel")
	}
}
