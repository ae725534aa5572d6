// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ReshapeCoefs reshapes a per-example sequence of scalars shaped [B] to [B, 1, 1, 1], so it
// broadcasts against rank-4 latents shaped [B, C, J, L].
//
// It panics if coefs is not rank 1.
func ReshapeCoefs(coefs *Node) *Node {
	if coefs.Rank() != 1 {
		exceptions.Panicf("ReshapeCoefs requires a rank-1 input shaped [batchSize], got %s", coefs.Shape())
	}
	return Reshape(coefs, coefs.Shape().Dimensions[0], 1, 1, 1)
}

// FlattenCoefs is the inverse of ReshapeCoefs: [B, 1, 1, 1] -> [B].
func FlattenCoefs(coefs *Node) *Node {
	if coefs.Rank() == 0 {
		exceptions.Panicf("FlattenCoefs requires a leading batch axis, got a scalar")
	}
	batchSize := coefs.Shape().Dimensions[0]
	if coefs.Shape().Size() != batchSize {
		exceptions.Panicf("FlattenCoefs requires one value per example, got shape %s", coefs.Shape())
	}
	return Reshape(coefs, batchSize)
}

// MixLatents returns tCoef·x1 + (1-tCoef)·x0, with tCoef broadcast against the latents.
//
// tCoef is usually the output of ReshapeCoefs, but any shape broadcastable to x1 works.
// The result has the shape of x1.
func MixLatents(x1, x0, tCoef *Node) *Node {
	tCoef = ConvertDType(tCoef, x1.DType())
	return Add(Mul(x1, tCoef), Mul(x0, OneMinus(tCoef)))
}
