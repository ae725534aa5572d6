// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Beta draws n times from Beta(alpha, beta), rescaled into [TMin, TMax].
func Beta(rng *rand.Rand, n int, alpha, beta float64) []float64 {
	dist := distuv.Beta{Alpha: alpha, Beta: beta, Src: rng}
	values := make([]float64, n)
	for ii := range values {
		values[ii] = dist.Rand()
	}
	return rescaleAll(values)
}

// CosMap draws uniform u and maps it with t = 1 - 1/(tan(π/2·u) + 1), rescaled into [TMin, TMax].
func CosMap(rng *rand.Rand, n int) []float64 {
	values := make([]float64, n)
	for ii := range values {
		u := rng.Float64()
		values[ii] = 1 - 1/(math.Tan(math.Pi/2*u)+1)
	}
	return rescaleAll(values)
}

// SigmoidNormal returns sigmoid(z) with z ~ N(0, 1), the default training time distribution.
//
// Values are not rescaled: the logistic function never reaches 0 or 1 for finite z.
func SigmoidNormal(rng *rand.Rand, n int) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	values := make([]float64, n)
	for ii := range values {
		values[ii] = sigmoid(dist.Rand())
	}
	return values
}
