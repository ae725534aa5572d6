// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math/rand/v2"
)

// NumStepSizes is the number of candidate consistency step sizes.
const NumStepSizes = 7

// StepSizeCandidates returns {2^-1, 2^-2, ..., 2^-7}.
func StepSizeCandidates() []float64 {
	candidates := make([]float64, NumStepSizes)
	for ii := range candidates {
		candidates[ii] = 1.0 / float64(int(1)<<(ii+1))
	}
	return candidates
}

// StepSizes draws batchSize step sizes uniformly (with replacement) from StepSizeCandidates,
// and then zeroes the flow-matching prefix [0, FlowBatchSize(batchSize)).
func StepSizes(rng *rand.Rand, batchSize int) []float64 {
	candidates := StepSizeCandidates()
	d := make([]float64, batchSize)
	for ii := range d {
		d[ii] = candidates[rng.IntN(len(candidates))]
	}
	for ii := range FlowBatchSize(batchSize) {
		d[ii] = 0
	}
	return d
}
