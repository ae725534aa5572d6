// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DefaultEpsilon is the margin of the inference time grid from 0 and 1.
const DefaultEpsilon = 1e-8

// TimeGrid returns numSteps+1 points evenly spaced from epsilon to 1-epsilon (inclusive).
// It returns nil if numSteps <= 0.
func TimeGrid(numSteps int, epsilon float64) []float64 {
	if numSteps <= 0 {
		return nil
	}
	grid := make([]float64, numSteps+1)
	start, end := epsilon, 1-epsilon
	for ii := range grid {
		grid[ii] = start + (end-start)*float64(ii)/float64(numSteps)
	}
	grid[numSteps] = end
	return grid
}

// StepFn advances the latent x from time tStart to tEnd. stepSize is the constant conditioning
// step 1/NumSteps given to the oracle.
type StepFn func(x *tensors.Tensor, tStart, tEnd, stepSize float64) (*tensors.Tensor, error)

// Integrator runs a fixed number of Euler steps over the linear TimeGrid.
type Integrator struct {
	// NumSteps is the number of integration steps, each one calling StepFn once.
	NumSteps int

	// Epsilon of the TimeGrid. If 0, DefaultEpsilon is used.
	Epsilon float64

	// OnStep, if not nil, is called after each step with the step number (starting at 1).
	OnStep func(step int, t float64)
}

// Run integrates x from the start to the end of the time grid, calling step exactly NumSteps
// times. The first error aborts the integration and is returned.
func (it *Integrator) Run(x *tensors.Tensor, step StepFn) (*tensors.Tensor, error) {
	if it.NumSteps <= 0 {
		return nil, errors.Errorf("integrator requires NumSteps > 0, got %d", it.NumSteps)
	}
	epsilon := it.Epsilon
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	grid := TimeGrid(it.NumSteps, epsilon)
	stepSize := 1.0 / float64(it.NumSteps)
	for k := 1; k < len(grid); k++ {
		next, err := step(x, grid[k-1], grid[k], stepSize)
		if err != nil {
			return nil, errors.WithMessagef(err, "integration step %d of %d (t=%g)", k, it.NumSteps, grid[k-1])
		}
		x = next
		if it.OnStep != nil {
			it.OnStep(k, grid[k])
		}
	}
	return x, nil
}
