// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"math"
	"math/rand/v2"
)

// ExponentialPDF is the density C·exp(A·x) over [0, 1], with C = A/(exp(A)-1) normalizing it.
//
// A > 0 tilts the mass towards 1, A < 0 towards 0, and A == 0 is the uniform distribution.
type ExponentialPDF struct {
	A float64
}

// Norm returns the normalizing constant C.
func (p ExponentialPDF) Norm() float64 {
	if p.A == 0 {
		return 1
	}
	return p.A / math.Expm1(p.A)
}

// PDF returns the density at x, and 0 outside [0, 1].
func (p ExponentialPDF) PDF(x float64) float64 {
	if x < 0 || x > 1 {
		return 0
	}
	return p.Norm() * math.Exp(p.A*x)
}

// CDF returns the cumulative probability at x.
func (p ExponentialPDF) CDF(x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	case p.A == 0:
		return x
	}
	return math.Expm1(p.A*x) / math.Expm1(p.A)
}

// Quantile is the inverse of CDF: ln(1 + u·(exp(A)-1)) / A.
func (p ExponentialPDF) Quantile(u float64) float64 {
	if p.A == 0 {
		return u
	}
	return math.Log1p(u*math.Expm1(p.A)) / p.A
}

// Rand draws one sample by rejection against the uniform envelope on [0, 1].
func (p ExponentialPDF) Rand(rng *rand.Rand) float64 {
	bound := max(p.PDF(0), p.PDF(1))
	for {
		x := rng.Float64()
		if rng.Float64()*bound <= p.PDF(x) {
			return x
		}
	}
}

// ExponentialTilted draws n times by rejection sampling from ExponentialPDF{A: a}.
//
// Each draw x is mirrored to 1-x, the 2n values are shuffled and the first n kept, so both ends
// of [0, 1] are favored equally. Values are rescaled into [TMin, TMax].
func ExponentialTilted(rng *rand.Rand, n int, a float64) []float64 {
	pdf := ExponentialPDF{A: a}
	draws := make([]float64, n)
	for ii := range draws {
		draws[ii] = pdf.Rand(rng)
	}
	return mirrorShuffleTruncate(rng, draws, n)
}

// ExponentialTiltedFast is ExponentialTilted using the closed form inverse CDF instead of
// rejection sampling. It draws 2n uniform values before mirroring.
func ExponentialTiltedFast(rng *rand.Rand, n int, a float64) []float64 {
	pdf := ExponentialPDF{A: a}
	draws := make([]float64, 2*n)
	for ii := range draws {
		draws[ii] = pdf.Quantile(rng.Float64())
	}
	return mirrorShuffleTruncate(rng, draws, n)
}

func mirrorShuffleTruncate(rng *rand.Rand, draws []float64, n int) []float64 {
	all := make([]float64, 0, 2*len(draws))
	all = append(all, draws...)
	for _, x := range draws {
		all = append(all, 1-x)
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return rescaleAll(all[:n:n])
}
