// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"math/rand/v2"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/gesture"
	"github.com/andypinxinliu/Intentional-Gesture/pkg/sampling"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// TrainDataset wraps a dataset of conditioning bundles with latents, and appends to each batch the
// random values of one training step: source noise (KeyNoise), times (KeyTime), step sizes
// (KeyStepSize) and unconditional flags (KeyForceUnconditional, omitted if the consistency subset
// is empty).
//
// The base dataset must yield a gesture.Layout as its spec, as gesture.NewInMemoryDataset does.
// Create it with GestureLSM.NewTrainDataset.
type TrainDataset struct {
	base train.Dataset
	rng  *rand.Rand

	timeSampler sampling.TimeSampler
	forceProb   float64

	// useDatasetNoise keeps the noise provided by the base dataset (reflow).
	useDatasetNoise bool
}

var _ train.Dataset = (*TrainDataset)(nil)

// NewTrainDataset wraps base with the random values sampled according to the model configuration.
// rng is owned by the dataset afterward.
func (m *GestureLSM) NewTrainDataset(base train.Dataset, rng *rand.Rand) *TrainDataset {
	return &TrainDataset{
		base:            base,
		rng:             rng,
		timeSampler:     m.TimeSampler,
		forceProb:       m.ForceUnconditionalProb,
		useDatasetNoise: m.Variant == VariantReflow,
	}
}

// Name implements train.Dataset.
func (ds *TrainDataset) Name() string { return ds.base.Name() }

// Reset implements train.Dataset. It resets the base dataset, but not the random generator.
func (ds *TrainDataset) Reset() { ds.base.Reset() }

// Yield implements train.Dataset.
func (ds *TrainDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.base.Yield()
	if err != nil {
		return
	}
	layout, ok := spec.(gesture.Layout)
	if !ok {
		err = errors.Errorf("dataset %q must yield a gesture.Layout as spec, got %T", ds.base.Name(), spec)
		return
	}
	latentsIdx := layout.Index(gesture.KeyLatents)
	if latentsIdx < 0 {
		err = errors.Wrapf(gesture.ErrMissingKey, "dataset %q: key %q", ds.base.Name(), gesture.KeyLatents)
		return
	}
	latentsShape := inputs[latentsIdx].Shape()
	batchSize := latentsShape.Dimensions[0]
	inputs = append([]*tensors.Tensor(nil), inputs...)

	noiseIdx := layout.Index(gesture.KeyNoise)
	if noiseIdx < 0 || !ds.useDatasetNoise {
		noise := tensors.FromFlatDataAndDimensions(
			sampling.Normal(ds.rng, latentsShape.Size()), latentsShape.Dimensions...)
		if noiseIdx < 0 {
			layout = layout.With(gesture.KeyNoise)
			inputs = append(inputs, noise)
		} else {
			inputs[noiseIdx] = noise
		}
	}

	t := ds.timeSampler(ds.rng, batchSize)
	d := sampling.StepSizes(ds.rng, batchSize)
	layout = layout.With(KeyTime, KeyStepSize)
	inputs = append(inputs,
		tensors.FromFlatDataAndDimensions(toFloat32(t), batchSize),
		tensors.FromFlatDataAndDimensions(toFloat32(d), batchSize))

	if consistencySize := sampling.ConsistencyBatchSize(batchSize); consistencySize > 0 {
		flags := sampling.ForceUnconditional(ds.rng, consistencySize, ds.forceProb)
		layout = layout.With(KeyForceUnconditional)
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(flags, consistencySize))
	}
	spec = layout
	return
}

func toFloat32(values []float64) []float32 {
	converted := make([]float32, len(values))
	for ii, v := range values {
		converted[ii] = float32(v)
	}
	return converted
}
