// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loaders

// UniformSampler gives every dataset the same share of the epoch, regardless
// of dataset sizes. Small datasets get visited over and over while big ones
// trickle through their cyclic iterators across many epochs.
type UniformSampler struct{}

// TaskProportions implements EpochSampler.
func (UniformSampler) TaskProportions(loaders map[string]*MultiWorkerLoader) (map[string]float64, error) {
	proportions := make(map[string]float64, len(loaders))
	for name := range loaders {
		proportions[name] = 1
	}
	return proportions, nil
}

// ProportionalSampler sizes each dataset's share of the epoch by the number
// of instances it has, so one epoch is a scaled-down image of the combined
// data. Requires eager (cached) datasets, lazy ones have unknown sizes.
type ProportionalSampler struct{}

// TaskProportions implements EpochSampler.
func (ProportionalSampler) TaskProportions(loaders map[string]*MultiWorkerLoader) (map[string]float64, error) {
	proportions := make(map[string]float64, len(loaders))
	for name, loader := range loaders {
		n, err := loader.NumInstances()
		if err != nil {
			return nil, err
		}
		proportions[name] = float64(n)
	}
	return proportions, nil
}
