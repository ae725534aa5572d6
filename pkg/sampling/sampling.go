// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

// Package sampling implements the host-side samplers of flow times t and consistency step sizes d
// used to train and run GestureLSM.
//
// All samplers are pure functions of an explicitly given *rand.Rand: they never touch a global
// random source, and the caller owns (and seeds) the generator.
//
// Time samplers (except SigmoidNormal) return values strictly inside (TMin, TMax), so the
// interpolation x_t = t·x1 + (1-t)·x0 never degenerates to exactly the noise or exactly the data.
package sampling

import (
	"math"
	"math/rand/v2"
)

const (
	// TMin is the lower bound of the rescaled time samplers.
	TMin = 1e-5

	// TMax is the upper bound of the rescaled time samplers.
	TMax = 1 - 1e-5

	// FlowFraction of a training batch used for the flow-matching objective. The remaining
	// examples are used for the consistency objective.
	FlowFraction = 0.75
)

// TimeSampler returns n time values, one per example.
type TimeSampler func(rng *rand.Rand, n int) []float64

// Rescale maps x from [0, 1] to [TMin, TMax].
func Rescale(x float64) float64 {
	return x*(TMax-TMin) + TMin
}

// rescaleAll applies Rescale in place and returns values.
func rescaleAll(values []float64) []float64 {
	for ii, v := range values {
		values[ii] = Rescale(v)
	}
	return values
}

// FlowBatchSize returns the number of leading examples of a batch of size batchSize that are
// used for flow-matching, that is floor(0.75·batchSize).
//
// It is computed with integer arithmetic, so it is exact for every batch size.
func FlowBatchSize(batchSize int) int {
	return (3 * batchSize) / 4
}

// ConsistencyBatchSize returns batchSize - FlowBatchSize(batchSize).
func ConsistencyBatchSize(batchSize int) int {
	return batchSize - FlowBatchSize(batchSize)
}

// ForceUnconditional draws n independent flags, each true with probability prob.
// It is used to randomly drop the conditioning of consistency examples.
func ForceUnconditional(rng *rand.Rand, n int, prob float64) []bool {
	flags := make([]bool, n)
	for ii := range flags {
		flags[ii] = rng.Float64() < prob
	}
	return flags
}

// Normal draws n standard normal values, used as the initial noise of the flow.
func Normal(rng *rand.Rand, n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(rng.NormFloat64())
	}
	return values
}

// sigmoid is the logistic function.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
