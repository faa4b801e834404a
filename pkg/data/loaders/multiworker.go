// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"
	"math/rand"
	"runtime"
	"time"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/gomlx/dataloader/pkg/data/readers"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// MultiWorkerLoader reads one dataset and serves it as shuffled, collated
// tensor batches, optionally with several worker goroutines doing the
// reading, indexing and batching.
//
// Configure it with the cascaded setters and call Start, e.g.:
//
//	loader, err := loaders.NewMultiWorker(reader, "train.txt").
//		BatchSize(32).Shuffle(true).Workers(4).
//		MaxInstancesInMemory(1024).Start()
//
// Without MaxInstancesInMemory the whole dataset is read (and kept) in
// memory at Start; with it, the loader streams lazily keeping at most that
// many instances buffered per worker pipeline. Call IndexWith before
// Batches.
type MultiWorkerLoader struct {
	reader   readers.DatasetReader
	dataPath string

	batchSize       int
	dropLast        bool
	shuffle         bool
	sampler         BatchSampler
	batchesPerEpoch int
	numWorkers      int
	maxInMemory     int
	startMethod     StartMethod
	collate         instances.Collator
	quiet           bool
	rng             *rand.Rand

	instanceQueueCap int
	batchQueueCap    int

	vocab     instances.Vocabulary
	backend   backends.Backend
	deviceNum backends.DeviceNum
	hasDevice bool

	cache []*instances.Instance

	// suspended carries a partially consumed batch stream across epochs
	// when batchesPerEpoch is set.
	suspended *BatchIterator

	started bool
}

// NewMultiWorker creates a loader for reader over dataPath, with defaults:
// no workers, no shuffling, whole dataset cached in memory. BatchSize (or a
// BatchSampler) must be set before Start.
func NewMultiWorker(reader readers.DatasetReader, dataPath string) *MultiWorkerLoader {
	return &MultiWorkerLoader{
		reader:   reader,
		dataPath: dataPath,
		collate:  instances.Collate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BatchSize sets how many instances each batch has. Mutually exclusive with
// WithBatchSampler. It returns the loader so calls can be cascaded.
func (l *MultiWorkerLoader) BatchSize(n int) *MultiWorkerLoader {
	if l.assertNotStarted("BatchSize") {
		l.batchSize = n
	}
	return l
}

// DropLast sets whether a final batch smaller than the batch size is dropped
// instead of served. It returns the loader so calls can be cascaded.
func (l *MultiWorkerLoader) DropLast(drop bool) *MultiWorkerLoader {
	if l.assertNotStarted("DropLast") {
		l.dropLast = drop
	}
	return l
}

// Shuffle sets whether instances are shuffled before batching. When the
// loader is lazy (MaxInstancesInMemory set) shuffling happens within a
// sliding window of that size. It returns the loader so calls can be
// cascaded.
func (l *MultiWorkerLoader) Shuffle(shuffle bool) *MultiWorkerLoader {
	if l.assertNotStarted("Shuffle") {
		l.shuffle = shuffle
	}
	return l
}

// WithBatchSampler delegates batching decisions to sampler. Mutually
// exclusive with BatchSize, Shuffle and DropLast. It returns the loader so
// calls can be cascaded.
func (l *MultiWorkerLoader) WithBatchSampler(sampler BatchSampler) *MultiWorkerLoader {
	if l.assertNotStarted("WithBatchSampler") {
		l.sampler = sampler
	}
	return l
}

// BatchesPerEpoch makes epochs a fixed n batches instead of one pass over
// the data: Batches() returns io.EOF after n batches and the next Batches()
// call resumes the underlying stream where the previous epoch stopped. It
// returns the loader so calls can be cascaded.
func (l *MultiWorkerLoader) BatchesPerEpoch(n int) *MultiWorkerLoader {
	if l.assertNotStarted("BatchesPerEpoch") {
		l.batchesPerEpoch = n
	}
	return l
}

// Workers sets how many worker goroutines read and process the data. Zero
// (the default) means everything runs on the consumer goroutine. It returns
// the loader so calls can be cascaded.
func (l *MultiWorkerLoader) Workers(n int) *MultiWorkerLoader {
	if l.assertNotStarted("Workers") {
		l.numWorkers = n
	}
	return l
}

// MaxInstancesInMemory switches the loader to lazy mode: instead of reading
// the whole dataset upfront, at most n instances are buffered per worker
// pipeline, and every epoch re-reads the data. It returns the loader so
// calls can be cascaded.
func (l *MultiWorkerLoader) MaxInstancesInMemory(n int) *MultiWorkerLoader {
	if l.assertNotStarted("MaxInstancesInMemory") {
		l.maxInMemory = n
	}
	return l
}

// WithStartMethod sets how workers are started. See StartMethod. It returns
// the loader so calls can be cascaded.
func (l *MultiWorkerLoader) WithStartMethod(method StartMethod) *MultiWorkerLoader {
	if l.assertNotStarted("WithStartMethod") {
		l.startMethod = method
	}
	return l
}

// WithCollator replaces the default collator (instances.Collate). It returns
// the loader so calls can be cascaded.
func (l *MultiWorkerLoader) WithCollator(collate instances.Collator) *MultiWorkerLoader {
	if l.assertNotStarted("WithCollator") {
		l.collate = collate
	}
	return l
}

// WithRand sets the random number generator used for shuffling, for
// reproducible epochs. It returns the loader so calls can be cascaded.
func (l *MultiWorkerLoader) WithRand(rng *rand.Rand) *MultiWorkerLoader {
	if l.assertNotStarted("WithRand") {
		l.rng = rng
	}
	return l
}

// Quiet disables the progress bar shown while reading instances. It returns
// the loader so calls can be cascaded.
func (l *MultiWorkerLoader) Quiet(quiet bool) *MultiWorkerLoader {
	if l.assertNotStarted("Quiet") {
		l.quiet = quiet
	}
	return l
}

func (l *MultiWorkerLoader) assertNotStarted(setter string) bool {
	if l.started {
		klog.Errorf("MultiWorkerLoader.%s called after Start, ignored", setter)
		return false
	}
	return true
}

// Start validates the configuration and makes the loader ready for
// iteration. In eager mode (no MaxInstancesInMemory) it also reads the whole
// dataset into the in-memory cache, using the configured workers.
func (l *MultiWorkerLoader) Start() (*MultiWorkerLoader, error) {
	if l.started {
		return nil, errors.Errorf("MultiWorkerLoader.Start called twice")
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	if l.maxInMemory > 0 {
		l.instanceQueueCap = 2 * l.numWorkers * l.maxInMemory
		effectiveBatch := l.batchSize
		if l.sampler != nil {
			effectiveBatch = l.sampler.BatchSize()
		}
		if effectiveBatch < 1 {
			effectiveBatch = 1
		}
		l.batchQueueCap = 2 * l.numWorkers * l.maxInMemory / effectiveBatch
		if l.batchQueueCap < 1 {
			l.batchQueueCap = 1
		}
	}
	l.started = true
	if l.maxInMemory == 0 {
		if err := l.fillCache(); err != nil {
			l.started = false
			return nil, err
		}
	}
	return l, nil
}

func (l *MultiWorkerLoader) validate() error {
	if l.reader == nil {
		return errors.Errorf("MultiWorkerLoader requires a non-nil reader")
	}
	if l.numWorkers < 0 {
		return errors.Errorf("Workers(%d): number of workers cannot be negative", l.numWorkers)
	}
	if l.sampler != nil {
		if l.batchSize != 0 || l.shuffle || l.dropLast {
			return errors.Errorf("WithBatchSampler is mutually exclusive with BatchSize, Shuffle and DropLast")
		}
	} else if l.batchSize < 1 {
		return errors.Errorf("BatchSize(%d): batch size must be at least 1 when no batch sampler is set",
			l.batchSize)
	}
	if l.batchesPerEpoch < 0 {
		return errors.Errorf("BatchesPerEpoch(%d): cannot be negative", l.batchesPerEpoch)
	}
	if l.maxInMemory < 0 {
		return errors.Errorf("MaxInstancesInMemory(%d): cannot be negative", l.maxInMemory)
	}
	if l.maxInMemory > 0 && l.batchSize > l.maxInMemory {
		return errors.Errorf("MaxInstancesInMemory(%d) must be at least the batch size (%d), otherwise "+
			"no full batch ever fits in the buffer", l.maxInMemory, l.batchSize)
	}
	if l.collate == nil {
		return errors.Errorf("WithCollator(nil): collator cannot be nil")
	}
	return nil
}

// fillCache drains one full pass of Instances() into the cache.
func (l *MultiWorkerLoader) fillCache() error {
	it, err := l.Instances()
	if err != nil {
		return err
	}
	var cache []*instances.Instance
	for {
		inst, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		cache = append(cache, inst)
	}
	l.cache = cache
	return nil
}

// IndexWith gives the loader the vocabulary used to index instances, a
// prerequisite for Batches. Instances already cached are indexed in place.
func (l *MultiWorkerLoader) IndexWith(vocab instances.Vocabulary) {
	l.vocab = vocab
	for _, inst := range l.cache {
		inst.IndexFields(vocab)
	}
}

// SetTargetDevice makes the loader move batch tensors to the given device
// before serving them. With a DeviceTransferSafe start method the transfer
// happens inside the workers, otherwise on the consumer goroutine.
func (l *MultiWorkerLoader) SetTargetDevice(backend backends.Backend, deviceNum backends.DeviceNum) {
	l.backend = backend
	l.deviceNum = deviceNum
	l.hasDevice = backend != nil
}

// Len returns the number of batches per epoch. It returns ErrUnknownLength
// for a lazy loader without BatchesPerEpoch, since that would require
// reading the data.
func (l *MultiWorkerLoader) Len() (int, error) {
	if !l.started {
		return 0, errors.Errorf("MultiWorkerLoader.Len called before Start")
	}
	if l.batchesPerEpoch > 0 {
		return l.batchesPerEpoch, nil
	}
	if l.cache == nil {
		return 0, ErrUnknownLength
	}
	if l.sampler != nil {
		return l.sampler.NumBatches(l.cache), nil
	}
	n := len(l.cache) / l.batchSize
	if !l.dropLast && len(l.cache)%l.batchSize != 0 {
		n++
	}
	return n, nil
}

// NumInstances returns how many instances the loader holds in its cache, or
// ErrUnknownLength for a lazy loader.
func (l *MultiWorkerLoader) NumInstances() (int, error) {
	if l.cache == nil {
		return 0, ErrUnknownLength
	}
	return len(l.cache), nil
}

// Instances returns a fresh stream over all instances of the dataset, not
// batched and in reading order. Served from the cache when eager, otherwise
// re-read from the data path, with workers when configured.
func (l *MultiWorkerLoader) Instances() (*InstanceIterator, error) {
	if !l.started {
		return nil, errors.Errorf("MultiWorkerLoader.Instances called before Start")
	}
	if l.cache != nil {
		src := instances.NewSliceIterator(l.cache)
		return &InstanceIterator{next: src.Next}, nil
	}
	if l.numWorkers <= 0 {
		return l.directInstances()
	}
	return l.pooledInstances(), nil
}

// directInstances reads on the consumer goroutine.
func (l *MultiWorkerLoader) directInstances() (*InstanceIterator, error) {
	src, err := l.reader.Read(l.dataPath, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read %q", l.dataPath)
	}
	bar := l.newProgressBar()
	collect := l.maxInMemory == 0
	var pending []*instances.Instance
	it := &InstanceIterator{}
	it.next = func() (*instances.Instance, error) {
		inst, err := src.Next()
		if err == io.EOF {
			if collect {
				l.cache = pending
			}
			finishProgressBar(bar)
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		l.reader.ApplyTokenIndexers(inst)
		if l.vocab != nil {
			inst.IndexFields(l.vocab)
		}
		if collect {
			pending = append(pending, inst)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		return inst, nil
	}
	it.close = func() { instances.CloseIterator(src) }
	return it, nil
}

// pooledInstances spreads the reading over numWorkers workers and gathers
// their output. Token indexers are applied, and instances indexed, on the
// consumer side.
func (l *MultiWorkerLoader) pooledInstances() *InstanceIterator {
	p := newPool[*instances.Instance](l.numWorkers, l.instanceQueueCap)
	p.start(l.startMethod, func(w *worker) { l.runInstanceWorker(p, w) })
	bar := l.newProgressBar()
	collect := l.maxInMemory == 0
	var pending []*instances.Instance
	doneCount := 0
	it := &InstanceIterator{}
	it.next = func() (*instances.Instance, error) {
		for doneCount < l.numWorkers {
			e := p.queue.get()
			switch e.kind {
			case itemDone:
				doneCount++
			case itemFailure:
				return nil, e.err
			case itemPayload:
				p.queue.taskDone()
				inst := e.value
				l.reader.ApplyTokenIndexers(inst)
				if l.vocab != nil {
					inst.IndexFields(l.vocab)
				}
				if collect {
					pending = append(pending, inst)
				}
				if bar != nil {
					_ = bar.Add(1)
				}
				return inst, nil
			}
		}
		if collect {
			l.cache = pending
		}
		finishProgressBar(bar)
		return nil, io.EOF
	}
	it.close = func() { p.join() }
	// If the iterator is dropped without Close, release the workers anyway.
	runtime.SetFinalizer(it, func(_ *InstanceIterator) { p.abandon() })
	return it
}

// runInstanceWorker is the body of one instance worker: read this worker's
// shard and push every instance to the queue.
func (l *MultiWorkerLoader) runInstanceWorker(p *pool[*instances.Instance], w *worker) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newWorkerPanicError(w.id, r)
			}
		}()
		src, err := l.reader.Read(l.dataPath, &readers.WorkerInfo{
			NumWorkers: l.numWorkers,
			WorkerID:   w.id,
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to read %q", l.dataPath)
		}
		defer instances.CloseIterator(src)
		checked := false
		for {
			inst, err := src.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if !checked {
				if err := checkNoAttachedIndexers(inst, l.numWorkers); err != nil {
					return err
				}
				checked = true
			}
			if !p.put(w, envelope[*instances.Instance]{kind: itemPayload, value: inst}) {
				return errConsumerGone
			}
		}
	}()
	finishWorkerEpilogue(p, w, err)
}

// finishWorkerEpilogue runs the common worker epilogue: an error (other than the
// consumer disappearing) is reported on the queue, a clean run is closed
// with the done sentinel plus a join on the consumer's acknowledgments.
func finishWorkerEpilogue[T any](p *pool[T], w *worker, err error) {
	switch {
	case err == nil:
		p.finish(w)
	case errors.Is(err, errConsumerGone):
		// Nothing to report, the consumer is not listening anymore.
	default:
		we := newWorkerError(w.id, err)
		klog.Errorf("data loader worker %d failed: %s", w.id, we.Message)
		p.put(w, envelope[T]{kind: itemFailure, err: we})
	}
}

// errConsumerGone is the internal signal that a worker found its consumer
// stopped or abandoned: exit silently, without sentinel or error report.
var errConsumerGone = errors.New("consumer gone")

// checkNoAttachedIndexers fails when instances coming out of a worker's
// reader already carry token indexers. Indexers are applied consumer-side
// precisely so their state is not built once per worker; a reader attaching
// them during Read defeats that.
func checkNoAttachedIndexers(inst *instances.Instance, numWorkers int) error {
	for _, name := range inst.FieldNames() {
		if f, ok := inst.Field(name).(*instances.TextField); ok && f.Indexer != nil {
			return errors.Errorf("field %q came out of the reader with a token indexer already "+
				"attached, but the loader is running with %d workers; attach indexers in the "+
				"reader's ApplyTokenIndexers instead, so they are not duplicated per worker",
				name, numWorkers)
		}
	}
	return nil
}

// Batches returns the batch stream of one epoch: io.EOF ends the epoch.
// IndexWith must have been called first. When BatchesPerEpoch is set, the
// underlying stream is suspended at the end of the epoch and resumed by the
// next Batches call.
func (l *MultiWorkerLoader) Batches() (*BatchIterator, error) {
	if !l.started {
		return nil, errors.Errorf("MultiWorkerLoader.Batches called before Start")
	}
	if l.vocab == nil {
		return nil, errors.Errorf("MultiWorkerLoader.Batches called before IndexWith: batching " +
			"requires instances to be indexed with a vocabulary")
	}
	if l.batchesPerEpoch == 0 {
		return l.newBatchStream()
	}

	stream := l.suspended
	l.suspended = nil
	if stream == nil {
		var err error
		stream, err = l.newBatchStream()
		if err != nil {
			return nil, err
		}
	}
	remaining := l.batchesPerEpoch
	it := &BatchIterator{}
	it.next = func() (*instances.Batch, error) {
		if remaining == 0 {
			l.suspended = stream
			return nil, io.EOF
		}
		b, err := stream.Next()
		if err == io.EOF {
			// Underlying pass over the data ended mid-epoch, restart it.
			stream, err = l.newBatchStream()
			if err != nil {
				return nil, err
			}
			b, err = stream.Next()
			if err == io.EOF {
				return nil, errors.Errorf("dataset produced no batches at all, cannot fill an " +
					"epoch with BatchesPerEpoch set")
			}
		}
		if err != nil {
			return nil, err
		}
		remaining--
		return b, nil
	}
	it.close = func() {
		if remaining > 0 {
			// Abandoned mid-epoch, the suspended stream cannot be reused.
			_ = stream.Close()
			return
		}
		l.suspended = stream
	}
	return it, nil
}

// newBatchStream creates one full pass of batches over the data.
func (l *MultiWorkerLoader) newBatchStream() (*BatchIterator, error) {
	if l.cache != nil || l.numWorkers <= 0 {
		src, err := l.Instances()
		if err != nil {
			return nil, err
		}
		asm := &assembler{
			src:       src,
			batchSize: l.batchSize,
			dropLast:  l.dropLast,
			shuffle:   l.shuffle,
			sampler:   l.sampler,
			window:    l.maxInMemory,
			rng:       l.rng,
			tensorize: func(group []*instances.Instance) (*instances.Batch, error) {
				return l.tensorize(group, true)
			},
		}
		return &BatchIterator{next: asm.next, close: func() { _ = src.Close() }}, nil
	}
	return l.pooledBatches(), nil
}

// pooledBatches runs the whole pipeline, including batching and collation,
// inside the workers. Only the optional device transfer may be left to the
// consumer, depending on the start method.
func (l *MultiWorkerLoader) pooledBatches() *BatchIterator {
	p := newPool[*instances.Batch](l.numWorkers, l.batchQueueCap)
	// Seeds are drawn here, before the workers exist: rand.Rand is not safe
	// for concurrent use.
	seeds := make([]int64, l.numWorkers)
	for ii := range seeds {
		seeds[ii] = l.rng.Int63()
	}
	p.start(l.startMethod, func(w *worker) { l.runBatchWorker(p, w, seeds[w.id]) })
	consumerTransfers := l.hasDevice && !l.startMethod.DeviceTransferSafe()
	doneCount := 0
	it := &BatchIterator{}
	it.next = func() (*instances.Batch, error) {
		for doneCount < l.numWorkers {
			e := p.queue.get()
			switch e.kind {
			case itemDone:
				doneCount++
			case itemFailure:
				return nil, e.err
			case itemPayload:
				p.queue.taskDone()
				b := e.value
				if consumerTransfers {
					if err := l.placeOnDevice(b); err != nil {
						return nil, err
					}
				}
				return b, nil
			}
		}
		return nil, io.EOF
	}
	it.close = func() { p.join() }
	runtime.SetFinalizer(it, func(_ *BatchIterator) { p.abandon() })
	return it
}

// runBatchWorker is the body of one batch worker: read the worker's shard,
// index, assemble and collate batches and push them to the queue.
func (l *MultiWorkerLoader) runBatchWorker(p *pool[*instances.Batch], w *worker, seed int64) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newWorkerPanicError(w.id, r)
			}
		}()
		src, err := l.reader.Read(l.dataPath, &readers.WorkerInfo{
			NumWorkers: l.numWorkers,
			WorkerID:   w.id,
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to read %q", l.dataPath)
		}
		defer instances.CloseIterator(src)
		workerTransfers := l.hasDevice && l.startMethod.DeviceTransferSafe()
		asm := &assembler{
			src:       l.indexingIterator(src),
			batchSize: l.batchSize,
			dropLast:  l.dropLast,
			shuffle:   l.shuffle,
			sampler:   l.sampler,
			window:    l.maxInMemory,
			rng:       rand.New(rand.NewSource(seed)),
			tensorize: func(group []*instances.Instance) (*instances.Batch, error) {
				return l.tensorize(group, workerTransfers)
			},
		}
		for {
			b, err := asm.next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if !p.put(w, envelope[*instances.Batch]{kind: itemPayload, value: b}) {
				return errConsumerGone
			}
		}
	}()
	finishWorkerEpilogue(p, w, err)
}

// indexingIterator wraps src so every instance comes out with token indexers
// applied and fields indexed. Used inside batch workers, where instances
// never cross back to the consumer un-batched.
func (l *MultiWorkerLoader) indexingIterator(src instances.Iterator) instances.Iterator {
	return instances.IteratorFunc(func() (*instances.Instance, error) {
		inst, err := src.Next()
		if err != nil {
			return nil, err
		}
		l.reader.ApplyTokenIndexers(inst)
		inst.IndexFields(l.vocab)
		return inst, nil
	})
}

// tensorize collates a group of instances into a Batch, optionally moving
// the tensors to the configured device.
func (l *MultiWorkerLoader) tensorize(group []*instances.Instance, mayTransfer bool) (*instances.Batch, error) {
	tensorMap, err := l.collate(group)
	if err != nil {
		return nil, err
	}
	b := &instances.Batch{Instances: group, Tensors: tensorMap}
	if mayTransfer && l.hasDevice {
		if err := l.placeOnDevice(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (l *MultiWorkerLoader) placeOnDevice(b *instances.Batch) error {
	for name, t := range b.Tensors {
		if err := t.MaterializeOnDevice(l.backend, false, l.deviceNum); err != nil {
			return errors.WithMessagef(err, "failed to move batch tensor %q to device %d",
				name, l.deviceNum)
		}
	}
	return nil
}

func (l *MultiWorkerLoader) newProgressBar() *progressbar.ProgressBar {
	if l.quiet {
		return nil
	}
	total := -1
	if l.cache != nil {
		total = len(l.cache)
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("loading instances"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("instances"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode))
}

func finishProgressBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
