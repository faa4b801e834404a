// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loaders turns DatasetReaders into streams of collated tensor
// batches, optionally reading and batching in parallel worker goroutines.
//
// The two entry points are:
//
//   - MultiWorkerLoader: one reader, one data path. Configure it with the
//     usual cascaded setters ending in Start(), then call IndexWith with a
//     vocabulary and iterate Batches(). With Workers(n) reading, indexing
//     and batching are spread over n workers that feed a bounded queue.
//
//   - MultiTaskLoader: several named datasets combined into one batch
//     stream, with a Scheduler deciding the interleaving and an optional
//     EpochSampler capping and apportioning the instances of each epoch.
//
// Use AsDataset to plug either into a train.Trainer as a train.Dataset.
package loaders

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/pkg/errors"
)

// StartMethod selects how loader workers are started.
type StartMethod int

const (
	// StartGoroutine runs each worker as a plain goroutine. The default.
	StartGoroutine StartMethod = iota

	// StartLockedOSThread pins each worker goroutine to its own OS thread.
	// Needed when the reader or collator calls into thread-affine native
	// code, e.g. accelerator runtimes that bind state to the calling thread.
	StartLockedOSThread
)

// String implements fmt.Stringer.
func (m StartMethod) String() string {
	switch m {
	case StartGoroutine:
		return "goroutine"
	case StartLockedOSThread:
		return "locked_os_thread"
	}
	return fmt.Sprintf("StartMethod(%d)", int(m))
}

// DeviceTransferSafe reports whether batches may be moved to an accelerator
// device from inside a worker started with this method. When false, the
// loader transfers batches on the consumer side instead.
func (m StartMethod) DeviceTransferSafe() bool {
	return m == StartLockedOSThread
}

// ErrUnknownLength is returned by Len when the number of batches cannot be
// known without reading the data, i.e. lazy loading without a fixed
// batchesPerEpoch.
var ErrUnknownLength = errors.New("number of batches is not known upfront for a lazy loader, " +
	"set BatchesPerEpoch if the training loop needs a length")

// WorkerError reports a failure inside a loader worker. It carries the
// worker's stack trace so the failure site is visible even though the error
// surfaces on the consumer goroutine.
type WorkerError struct {
	// WorkerID of the worker that failed.
	WorkerID int

	// Message of the original failure.
	Message string

	// Trace is the worker-side trace, indented for display.
	Trace string
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed: %s\n\n  traceback from worker:\n  %s",
		e.WorkerID, e.Message, e.Trace)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// newWorkerError wraps cause, capturing the worker stack. Errors created with
// github.com/pkg/errors keep their original trace, everything else gets the
// stack of the calling goroutine.
func newWorkerError(workerID int, cause error) *WorkerError {
	var trace string
	var tracer stackTracer
	if errors.As(cause, &tracer) {
		trace = fmt.Sprintf("%+v", cause)
	} else {
		trace = string(debug.Stack())
	}
	return &WorkerError{
		WorkerID: workerID,
		Message:  cause.Error(),
		Trace:    indentTrace(trace),
	}
}

// newWorkerPanicError converts a recovered panic value to a WorkerError.
func newWorkerPanicError(workerID int, recovered any) *WorkerError {
	return &WorkerError{
		WorkerID: workerID,
		Message:  fmt.Sprintf("panic: %v", recovered),
		Trace:    indentTrace(string(debug.Stack())),
	}
}

// indentTrace reformats a stack trace for embedding in an error message: the
// "goroutine N [...]" header and the goroutine ids on "created by" lines are
// runtime bookkeeping with no value for the reader, so they are dropped, and
// every line is indented two spaces past the message.
func indentTrace(trace string) string {
	lines := strings.Split(strings.TrimRight(trace, "\n"), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}
	for ii, line := range lines {
		if strings.HasPrefix(line, "created by ") {
			if head, _, found := strings.Cut(line, " in goroutine"); found {
				lines[ii] = head
			}
		}
	}
	return strings.Join(lines, "\n  ")
}
