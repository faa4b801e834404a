// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"sync"
	"time"
)

// itemKind tags the envelopes traveling on a workQueue.
type itemKind int

const (
	// itemPayload carries a value produced by a worker.
	itemPayload itemKind = iota

	// itemFailure carries a WorkerError; the producing worker stops after
	// sending it.
	itemFailure

	// itemDone is the sentinel a worker sends after its last payload.
	itemDone
)

// envelope is one message from a worker to the consumer.
type envelope[T any] struct {
	kind  itemKind
	value T
	err   *WorkerError
}

// workQueue is a multi-producer single-consumer FIFO with two features Go
// channels lack: capacity 0 means unbounded (no pre-allocated buffer), and a
// join protocol in the style of a joinable task queue. Every put increments
// an "unfinished" count, the consumer acknowledges each item with taskDone,
// and join blocks until the count reaches zero. This is what lets a worker
// know that everything it produced was actually picked up before it exits.
type workQueue[T any] struct {
	mu         sync.Mutex
	buf        []envelope[T]
	capacity   int // 0 means unbounded
	unfinished int

	notEmpty chan struct{} // 1-buffered wake-up signals
	notFull  chan struct{}
	drained  chan struct{} // closed while unfinished == 0, replaced when it rises
}

func newWorkQueue[T any](capacity int) *workQueue[T] {
	q := &workQueue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		drained:  make(chan struct{}),
	}
	close(q.drained)
	return q
}

// tryPut enqueues e, waiting at most timeout for space. It returns false on
// timeout, so producers can interleave liveness checks with blocking.
func (q *workQueue[T]) tryPut(e envelope[T], timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if q.capacity <= 0 || len(q.buf) < q.capacity {
			if q.unfinished == 0 {
				// Queue was drained, future joins must block again.
				q.drained = make(chan struct{})
			}
			q.unfinished++
			q.buf = append(q.buf, e)
			q.mu.Unlock()
			signal(q.notEmpty)
			return true
		}
		q.mu.Unlock()
		select {
		case <-q.notFull:
		case <-deadline.C:
			return false
		}
	}
}

// get dequeues the next envelope, blocking until one is available.
func (q *workQueue[T]) get() envelope[T] {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			e := q.buf[0]
			q.buf[0] = envelope[T]{}
			q.buf = q.buf[1:]
			q.mu.Unlock()
			signal(q.notFull)
			return e
		}
		q.mu.Unlock()
		<-q.notEmpty
	}
}

// taskDone acknowledges one previously gotten item. Acknowledging an already
// drained queue is ignored, it returns false in that case.
func (q *workQueue[T]) taskDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		return false
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
	return true
}

// join blocks until every item put on the queue has been acknowledged with
// taskDone, or until one of the cancel channels is closed.
func (q *workQueue[T]) join(cancel ...<-chan struct{}) {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()
	switch len(cancel) {
	case 0:
		<-drained
	case 1:
		select {
		case <-drained:
		case <-cancel[0]:
		}
	default:
		select {
		case <-drained:
		case <-cancel[0]:
		case <-cancel[1]:
		}
	}
}

// signal makes a non-blocking send on a 1-buffered wake-up channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
