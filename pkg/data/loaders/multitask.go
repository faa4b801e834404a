// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

import (
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/gomlx/dataloader/pkg/data/readers"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// shuffleWindow used when streaming the instances of a multi-task epoch out
// of a lazy per-dataset loader.
const shuffleWindow = 1024

// EpochSampler decides how the instancesPerEpoch cap of a MultiTaskLoader is
// split across the datasets.
type EpochSampler interface {
	// TaskProportions returns the relative weight of each dataset; weights
	// are normalized by their sum. Every dataset of the loader must get a
	// weight.
	TaskProportions(loaders map[string]*MultiWorkerLoader) (map[string]float64, error)
}

// GroupIterator is a stream of batch-sized groups of instances, ending with
// io.EOF. It is what a Scheduler produces.
type GroupIterator interface {
	Next() ([]*instances.Instance, error)
}

// Scheduler decides how the instance streams of the datasets are interleaved
// into batches within one epoch.
type Scheduler interface {
	// Schedule combines the per-dataset epoch streams into a stream of
	// batch groups.
	Schedule(epoch map[string]instances.Iterator) GroupIterator

	// CountBatches returns how many batches one epoch has, given the number
	// of instances each dataset contributes.
	CountBatches(counts map[string]int) int
}

// MultiTaskLoader serves batches drawn from several named datasets, one
// MultiWorkerLoader per dataset underneath, combined by a Scheduler.
//
// With InstancesPerEpoch set, each epoch serves a fixed total of instances,
// split across datasets by the EpochSampler, and each dataset is read
// through a persistent cyclic iterator: epochs resume where the previous one
// stopped, so over many epochs every instance of every dataset is visited
// even when a dataset's share per epoch is smaller than the dataset.
type MultiTaskLoader struct {
	taskReaders map[string]readers.DatasetReader
	dataPaths   map[string]string
	scheduler   Scheduler

	sampler           EpochSampler
	instancesPerEpoch int
	shuffle           bool
	workers           map[string]int
	maxInMemory       map[string]int
	startMethods      map[string]StartMethod
	quiet             bool
	collate           instances.Collator
	rng               *rand.Rand

	backend   backends.Backend
	deviceNum backends.DeviceNum
	hasDevice bool

	loaders map[string]*MultiWorkerLoader
	cycles  map[string]*cycleIterator
	vocab   instances.Vocabulary
	started bool
}

// NewMultiTask creates a loader over the given named readers and data paths.
// The two maps must have exactly the same keys. Instances are shuffled by
// default.
func NewMultiTask(taskReaders map[string]readers.DatasetReader, dataPaths map[string]string,
	scheduler Scheduler) *MultiTaskLoader {
	return &MultiTaskLoader{
		taskReaders: taskReaders,
		dataPaths:   dataPaths,
		scheduler:   scheduler,
		shuffle:     true,
		collate:     instances.Collate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithEpochSampler sets the sampler splitting InstancesPerEpoch across
// datasets. It returns the loader so calls can be cascaded.
func (l *MultiTaskLoader) WithEpochSampler(sampler EpochSampler) *MultiTaskLoader {
	l.sampler = sampler
	return l
}

// InstancesPerEpoch caps each epoch at n instances in total, apportioned by
// the EpochSampler (which becomes required). It returns the loader so calls
// can be cascaded.
func (l *MultiTaskLoader) InstancesPerEpoch(n int) *MultiTaskLoader {
	l.instancesPerEpoch = n
	return l
}

// Shuffle sets whether each dataset's instances are shuffled (on by
// default). It returns the loader so calls can be cascaded.
func (l *MultiTaskLoader) Shuffle(shuffle bool) *MultiTaskLoader {
	l.shuffle = shuffle
	return l
}

// WorkersPerDataset sets the number of worker goroutines of individual
// datasets, keyed by dataset name. Datasets not in the map keep the default
// of zero. It returns the loader so calls can be cascaded.
func (l *MultiTaskLoader) WorkersPerDataset(workers map[string]int) *MultiTaskLoader {
	l.workers = workers
	return l
}

// MaxInstancesInMemoryPerDataset switches individual datasets to lazy
// loading, keyed by dataset name. It returns the loader so calls can be
// cascaded.
func (l *MultiTaskLoader) MaxInstancesInMemoryPerDataset(limits map[string]int) *MultiTaskLoader {
	l.maxInMemory = limits
	return l
}

// StartMethodPerDataset sets the worker start method of individual datasets,
// keyed by dataset name. It returns the loader so calls can be cascaded.
func (l *MultiTaskLoader) StartMethodPerDataset(methods map[string]StartMethod) *MultiTaskLoader {
	l.startMethods = methods
	return l
}

// Quiet disables the per-dataset progress bars. It returns the loader so
// calls can be cascaded.
func (l *MultiTaskLoader) Quiet(quiet bool) *MultiTaskLoader {
	l.quiet = quiet
	return l
}

// WithCollator replaces the default collator used to tensorize the combined
// batches. It returns the loader so calls can be cascaded.
func (l *MultiTaskLoader) WithCollator(collate instances.Collator) *MultiTaskLoader {
	l.collate = collate
	return l
}

// WithRand sets the random number generator used for shuffling. It returns
// the loader so calls can be cascaded.
func (l *MultiTaskLoader) WithRand(rng *rand.Rand) *MultiTaskLoader {
	l.rng = rng
	return l
}

// Start validates the configuration, builds the per-dataset loaders and
// makes the MultiTaskLoader ready for iteration.
func (l *MultiTaskLoader) Start() (*MultiTaskLoader, error) {
	if l.started {
		return nil, errors.Errorf("MultiTaskLoader.Start called twice")
	}
	if err := l.validate(); err != nil {
		return nil, err
	}

	l.loaders = make(map[string]*MultiWorkerLoader, len(l.taskReaders))
	l.cycles = make(map[string]*cycleIterator, len(l.taskReaders))
	for name, reader := range l.taskReaders {
		// The per-dataset loaders batch with size 1: actual batch shapes
		// are the Scheduler's decision, taken across datasets.
		loader, err := NewMultiWorker(reader, l.dataPaths[name]).
			BatchSize(1).
			Workers(l.workers[name]).
			MaxInstancesInMemory(l.maxInMemory[name]).
			WithStartMethod(l.startMethods[name]).
			Quiet(l.quiet).
			WithRand(rand.New(rand.NewSource(l.rng.Int63()))).
			Start()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to start the loader of dataset %q", name)
		}
		l.loaders[name] = loader
		l.cycles[name] = newCycle(func() (instances.Iterator, error) {
			return l.epochStream(loader)
		})
	}
	l.started = true
	return l, nil
}

func (l *MultiTaskLoader) validate() error {
	if l.scheduler == nil {
		return errors.Errorf("MultiTaskLoader requires a non-nil Scheduler")
	}
	if len(l.taskReaders) == 0 {
		return errors.Errorf("MultiTaskLoader requires at least one dataset")
	}
	readerKeys := sets.MakeWith(xslices.Keys(l.taskReaders)...)
	pathKeys := sets.MakeWith(xslices.Keys(l.dataPaths)...)
	if !readerKeys.Equal(pathKeys) {
		return errors.Errorf("readers and data paths must be keyed by the same dataset names, "+
			"got readers for %v and paths for %v",
			xslices.SortedKeys(l.taskReaders), xslices.SortedKeys(l.dataPaths))
	}
	for _, perDataset := range []sets.Set[string]{
		sets.MakeWith(xslices.Keys(l.workers)...),
		sets.MakeWith(xslices.Keys(l.maxInMemory)...),
		sets.MakeWith(xslices.Keys(l.startMethods)...),
	} {
		if unknown := perDataset.Sub(readerKeys); len(unknown) > 0 {
			return errors.Errorf("per-dataset options given for unknown dataset names %v",
				xslices.SortedKeys(unknown))
		}
	}
	if l.instancesPerEpoch < 0 {
		return errors.Errorf("InstancesPerEpoch(%d): cannot be negative", l.instancesPerEpoch)
	}
	if l.instancesPerEpoch > 0 && l.sampler == nil {
		return errors.Errorf("InstancesPerEpoch requires an EpochSampler to split the epoch " +
			"across datasets")
	}
	if l.collate == nil {
		return errors.Errorf("WithCollator(nil): collator cannot be nil")
	}
	return nil
}

// epochStream opens one pass over a dataset's instances, shuffled if
// configured.
func (l *MultiTaskLoader) epochStream(loader *MultiWorkerLoader) (instances.Iterator, error) {
	it, err := loader.Instances()
	if err != nil {
		return nil, err
	}
	window := 0
	if loader.cache == nil {
		window = shuffleWindow
	}
	return shuffled(it, l.shuffle, window, l.rng)
}

// IndexWith indexes every dataset with the vocabulary, in parallel.
func (l *MultiTaskLoader) IndexWith(vocab instances.Vocabulary) {
	l.vocab = vocab
	var group errgroup.Group
	for _, loader := range l.loaders {
		loader := loader
		group.Go(func() error {
			loader.IndexWith(vocab)
			return nil
		})
	}
	_ = group.Wait()
}

// SetTargetDevice makes the loader move batch tensors to the given device
// before serving them.
func (l *MultiTaskLoader) SetTargetDevice(backend backends.Backend, deviceNum backends.DeviceNum) {
	l.backend = backend
	l.deviceNum = deviceNum
	l.hasDevice = backend != nil
}

// epochShares returns how many instances each dataset contributes to one
// epoch under the InstancesPerEpoch cap: the sampler's proportions scaled to
// the cap, rounded down per dataset.
func (l *MultiTaskLoader) epochShares() (map[string]int, error) {
	proportions, err := l.sampler.TaskProportions(l.loaders)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for name := range l.loaders {
		p, ok := proportions[name]
		if !ok {
			return nil, errors.Errorf("epoch sampler returned no proportion for dataset %q", name)
		}
		if p < 0 {
			return nil, errors.Errorf("epoch sampler returned negative proportion %g for dataset %q", p, name)
		}
		total += p
	}
	if total <= 0 {
		return nil, errors.Errorf("epoch sampler proportions sum to %g, must be positive", total)
	}
	shares := make(map[string]int, len(l.loaders))
	for name := range l.loaders {
		shares[name] = int(math.Floor(float64(l.instancesPerEpoch) * proportions[name] / total))
	}
	return shares, nil
}

// Len returns the number of batches per epoch, or ErrUnknownLength when any
// dataset is lazy and no epoch cap is set. With InstancesPerEpoch the count
// assumes every dataset serves the full cap, so it is an upper bound on the
// batches one epoch actually yields.
func (l *MultiTaskLoader) Len() (int, error) {
	if !l.started {
		return 0, errors.Errorf("MultiTaskLoader.Len called before Start")
	}
	counts := make(map[string]int, len(l.loaders))
	if l.instancesPerEpoch > 0 {
		// Every dataset is reported at the full epoch cap, not its sampled
		// share. Without pinning the sampler's split this over-counts, but it
		// stays stable across epochs even when the split changes.
		for name := range l.loaders {
			counts[name] = l.instancesPerEpoch
		}
	} else {
		for name, loader := range l.loaders {
			n, err := loader.NumInstances()
			if err != nil {
				return 0, err
			}
			counts[name] = n
		}
	}
	return l.scheduler.CountBatches(counts), nil
}

// Instances returns a stream over the instances of all datasets, one dataset
// after another in name order, without the epoch cap.
func (l *MultiTaskLoader) Instances() (*InstanceIterator, error) {
	if !l.started {
		return nil, errors.Errorf("MultiTaskLoader.Instances called before Start")
	}
	names := xslices.SortedKeys(l.loaders)
	var current *InstanceIterator
	pos := 0
	it := &InstanceIterator{}
	it.next = func() (*instances.Instance, error) {
		for {
			if current == nil {
				if pos >= len(names) {
					return nil, io.EOF
				}
				var err error
				current, err = l.loaders[names[pos]].Instances()
				if err != nil {
					return nil, err
				}
				pos++
			}
			inst, err := current.Next()
			if err == io.EOF {
				current = nil
				continue
			}
			return inst, err
		}
	}
	it.close = func() {
		if current != nil {
			_ = current.Close()
		}
	}
	return it, nil
}

// Batches returns the batch stream of one epoch. IndexWith must have been
// called first.
func (l *MultiTaskLoader) Batches() (*BatchIterator, error) {
	if !l.started {
		return nil, errors.Errorf("MultiTaskLoader.Batches called before Start")
	}
	if l.vocab == nil {
		return nil, errors.Errorf("MultiTaskLoader.Batches called before IndexWith: batching " +
			"requires instances to be indexed with a vocabulary")
	}
	epoch := make(map[string]instances.Iterator, len(l.loaders))
	var closers []func()
	if l.instancesPerEpoch > 0 {
		shares, err := l.epochShares()
		if err != nil {
			return nil, err
		}
		// The persistent cycles survive the epoch, nothing to close here.
		for name, share := range shares {
			epoch[name] = newTake(l.cycles[name], share)
		}
	} else {
		for name, loader := range l.loaders {
			stream, err := l.epochStream(loader)
			if err != nil {
				for _, closeFn := range closers {
					closeFn()
				}
				return nil, err
			}
			epoch[name] = stream
			closers = append(closers, func() { instances.CloseIterator(stream) })
		}
	}
	groups := l.scheduler.Schedule(epoch)
	it := &BatchIterator{}
	it.next = func() (*instances.Batch, error) {
		group, err := groups.Next()
		if err != nil {
			return nil, err
		}
		tensorMap, err := l.collate(group)
		if err != nil {
			return nil, err
		}
		b := &instances.Batch{Instances: group, Tensors: tensorMap}
		if l.hasDevice {
			for name, t := range b.Tensors {
				if err := t.MaterializeOnDevice(l.backend, false, l.deviceNum); err != nil {
					return nil, errors.WithMessagef(err, "failed to move batch tensor %q to device %d",
						name, l.deviceNum)
				}
			}
		}
		return b, nil
	}
	it.close = func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}
	return it, nil
}

// Close releases the persistent cyclic iterators and whatever resources they
// hold. Only needed when InstancesPerEpoch is in use, but always safe.
func (l *MultiTaskLoader) Close() error {
	for _, cycle := range l.cycles {
		_ = cycle.Close()
	}
	return nil
}
