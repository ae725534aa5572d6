// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Names of the time samplers accepted by TimeSamplerFromName.
const (
	SamplerSigmoid         = "sigmoid"
	SamplerExponential     = "exponential"
	SamplerExponentialFast = "exponential_fast"
	SamplerBeta            = "beta"
	SamplerCosMap          = "cosmap"
)

// TimeSamplerParams holds the distribution parameters used by the parametric samplers.
type TimeSamplerParams struct {
	// Tilt is the exponent a of the exponential samplers.
	Tilt float64

	// Alpha and Beta of the beta sampler.
	Alpha, Beta float64
}

// DefaultTimeSamplerParams returns Tilt=2 and Beta(2, 0.8).
func DefaultTimeSamplerParams() TimeSamplerParams {
	return TimeSamplerParams{Tilt: 2, Alpha: 2, Beta: 0.8}
}

// TimeSamplerNames lists the accepted sampler names, sorted.
func TimeSamplerNames() []string {
	names := []string{SamplerSigmoid, SamplerExponential, SamplerExponentialFast, SamplerBeta, SamplerCosMap}
	slices.Sort(names)
	return names
}

// TimeSamplerFromName returns the sampler with the given name, configured with params.
func TimeSamplerFromName(name string, params TimeSamplerParams) (TimeSampler, error) {
	switch strings.ToLower(name) {
	case SamplerSigmoid:
		return SigmoidNormal, nil
	case SamplerExponential:
		return func(rng *rand.Rand, n int) []float64 { return ExponentialTilted(rng, n, params.Tilt) }, nil
	case SamplerExponentialFast:
		return func(rng *rand.Rand, n int) []float64 { return ExponentialTiltedFast(rng, n, params.Tilt) }, nil
	case SamplerBeta:
		if params.Alpha <= 0 || params.Beta <= 0 {
			return nil, errors.Errorf("beta time sampler requires alpha > 0 and beta > 0, got alpha=%g, beta=%g",
				params.Alpha, params.Beta)
		}
		return func(rng *rand.Rand, n int) []float64 { return Beta(rng, n, params.Alpha, params.Beta) }, nil
	case SamplerCosMap:
		return CosMap, nil
	}
	return nil, errors.Errorf("unknown time sampler %q, valid values are %q", name, TimeSamplerNames())
}
