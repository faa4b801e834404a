// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"runtime"
	"time"

	"github.com/gomlx/gomlx/pkg/support/xsync"
	"k8s.io/klog/v2"
)

const (
	// putRetryInterval bounds how long a worker blocks on a full queue
	// before re-checking that the consumer is still there.
	putRetryInterval = 100 * time.Millisecond

	// workerJoinTimeout is how long shutdown waits for each worker before
	// abandoning it.
	workerJoinTimeout = time.Second
)

// worker is the per-worker handle the pool keeps: a stop signal owned by the
// consumer and a done latch triggered by the worker itself on exit.
type worker struct {
	id   int
	stop *xsync.Latch
	done *xsync.Latch
}

// pool runs numWorkers workers that feed one workQueue. The consumer drains
// the queue and eventually calls join to shut everything down.
//
// A worker can outlive its consumer, e.g. when the consumer stops iterating
// after an error or simply drops the iterator. Two mechanisms cover that:
// every blocking put periodically re-checks the worker's stop signal, and the
// abandoned latch releases all pool-owned blocking points at once when the
// consumer is gone for good (join gave up, or the iterator got garbage
// collected without being closed).
type pool[T any] struct {
	queue     *workQueue[T]
	workers   []*worker
	abandoned *xsync.Latch
}

func newPool[T any](numWorkers, queueCapacity int) *pool[T] {
	p := &pool[T]{
		queue:     newWorkQueue[T](queueCapacity),
		workers:   make([]*worker, numWorkers),
		abandoned: xsync.NewLatch(),
	}
	for ii := range p.workers {
		p.workers[ii] = &worker{
			id:   ii,
			stop: xsync.NewLatch(),
			done: xsync.NewLatch(),
		}
	}
	return p
}

// start launches one goroutine per worker running run. With
// StartLockedOSThread each goroutine is pinned to its own OS thread for the
// worker's whole life.
func (p *pool[T]) start(method StartMethod, run func(w *worker)) {
	for _, w := range p.workers {
		w := w
		go func() {
			if method == StartLockedOSThread {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
			}
			defer w.done.Trigger()
			run(w)
		}()
	}
}

// put enqueues e on behalf of w, blocking while the queue is full. It returns
// false if the worker was stopped or the pool abandoned while waiting, in
// which case the worker should exit without producing anything else.
func (p *pool[T]) put(w *worker, e envelope[T]) bool {
	for {
		if w.stop.Test() || p.abandoned.Test() {
			return false
		}
		if p.queue.tryPut(e, putRetryInterval) {
			return true
		}
	}
}

// finish is the tail of a successful worker run: send the done sentinel, then
// wait until the consumer acknowledged everything this pool produced.
// Interrupted by stop or abandonment like any other blocking point.
func (p *pool[T]) finish(w *worker) {
	if !p.put(w, envelope[T]{kind: itemDone}) {
		return
	}
	p.queue.join(w.stop.WaitChan(), p.abandoned.WaitChan())
}

// abandon force-releases every pool-owned blocking point. Used by finalizers
// when a consumer iterator is garbage collected without Close.
func (p *pool[T]) abandon() {
	p.abandoned.Trigger()
}

// join shuts the pool down from the consumer side:
//
//  1. Acknowledge one pending item per worker, so workers blocked in finish
//     waiting for their done sentinel to be acknowledged get released. Stops
//     at the first acknowledgment that finds the queue already drained.
//  2. Signal every worker to stop.
//  3. Wait up to workerJoinTimeout per worker; if one is still running after
//     that, abandon the pool so its next blocking call releases it, and move
//     on with a warning.
func (p *pool[T]) join() {
	for range p.workers {
		if !p.queue.taskDone() {
			break
		}
	}
	for _, w := range p.workers {
		w.stop.Trigger()
	}
	for _, w := range p.workers {
		select {
		case <-w.done.WaitChan():
		case <-time.After(workerJoinTimeout):
			klog.Warningf("data loader worker %d did not exit within %s, abandoning it",
				w.id, workerJoinTimeout)
			p.abandoned.Trigger()
		}
	}
}
