// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"github.com/andypinxinliu/Intentional-Gesture/pkg/sampling"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Loss types accepted by LossConfig.Loss.
const (
	LossMSE   = "mse"
	LossHuber = "huber"
)

// PseudoHuberScale is multiplied by the number of elements of one example to obtain the
// pseudo-Huber constant c.
const PseudoHuberScale = 0.00054

// Reduction of a per-example loss.
type Reduction string

const (
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
	ReductionNone Reduction = "none"
)

// PseudoHuberLoss returns, per example, (sqrt(Σ(a-b)² + c²) - c) / dataDim, where the sum runs
// over all non-batch axes, dataDim is the number of elements of one example and
// c = PseudoHuberScale·dataDim.
//
// a and b must be shaped [B, C, J, L]. The result is reduced over the batch with reduction:
// a scalar for ReductionMean and ReductionSum, shaped [B] for ReductionNone.
func PseudoHuberLoss(a, b *Node, reduction Reduction) *Node {
	if a.Rank() != 4 || !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("PseudoHuberLoss requires two rank-4 inputs of the same shape, got %s and %s",
			a.Shape(), b.Shape())
	}
	dims := a.Shape().Dimensions
	dataDim := float64(dims[1] * dims[2] * dims[3])
	c := PseudoHuberScale * dataDim
	loss := ReduceSum(Square(Sub(a, b)), 1, 2, 3)
	loss = AddScalar(Sqrt(AddScalar(loss, c*c)), -c)
	loss = DivScalar(loss, dataDim)
	return reduce(loss, reduction)
}

// meanSquaredErrorPerExample returns the mean of (a-b)² over all non-batch axes, shaped [B].
func meanSquaredErrorPerExample(a, b *Node) *Node {
	axes := make([]int, a.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return ReduceMean(Square(Sub(a, b)), axes...)
}

func reduce(loss *Node, reduction Reduction) *Node {
	switch reduction {
	case ReductionMean:
		return ReduceAllMean(loss)
	case ReductionSum:
		return ReduceAllSum(loss)
	case ReductionNone:
		return loss
	}
	exceptions.Panicf("unknown loss reduction %q", reduction)
	return nil
}

// LossConfig configures ComposeLoss.
type LossConfig struct {
	// Loss is either LossMSE (default if empty) or LossHuber.
	Loss string
}

// perExample returns the per-example loss between predictions and targets, shaped [B].
func (c LossConfig) perExample(predictions, targets *Node) *Node {
	switch c.Loss {
	case "", LossMSE:
		return meanSquaredErrorPerExample(predictions, targets)
	case LossHuber:
		return PseudoHuberLoss(predictions, targets, ReductionNone)
	}
	exceptions.Panicf("unknown loss %q, valid values are %q and %q", c.Loss, LossMSE, LossHuber)
	return nil
}

// LossInputs are the per-step inputs of ComposeLoss. Random values are drawn by the caller.
type LossInputs struct {
	// X1 are the target latents and X0 the source noise, both shaped [B, C, 1, L].
	X1, X0 *Node

	// T are the times and D the step sizes, both shaped [B]. D must be 0 over the flow subset.
	T, D *Node

	// ForceUnconditional is an optional Bool mask shaped [B - FlowBatchSize(B)], dropping the
	// conditioning of the consistency examples where true.
	ForceUnconditional *Node

	// Conditioning binds the conditioning part of the oracle inputs for the whole batch.
	Conditioning *OracleInputs
}

// Losses returned by ComposeLoss. All are scalars, and Total = Flow + Consistency.
type Losses struct {
	Total, Flow, Consistency *Node
}

// ComposeLoss builds the flow-matching and consistency losses of one training batch.
//
// The leading FlowBatchSize(B) examples are the flow subset: the oracle is evaluated at x_t with
// step size 0 and regressed to x1 - x0, and the per-example loss is divided by its t before
// averaging.
//
// The remaining examples are the consistency subset: two oracle evaluations without gradient,
// at (x_t, t, d) and at (x_t + d·v_t, t + d, d), give the midpoint target (v_t + v_td)/2, which
// the oracle evaluated at (x_t, t, 2d) is trained to match.
//
// An empty subset contributes an exact zero.
func ComposeLoss(ctx *context.Context, oracle VelocityOracle, in LossInputs, cfg LossConfig) Losses {
	g := in.X1.Graph()
	dtype := in.X1.DType()
	batchSize := in.X1.Shape().Dimensions[0]
	flowSize := sampling.FlowBatchSize(batchSize)

	tCoef := ReshapeCoefs(ConvertDType(in.T, dtype))
	xT := MixLatents(in.X1, in.X0, tCoef)
	t := FlattenCoefs(tCoef)
	d := ConvertDType(in.D, dtype)

	flowLoss := ScalarZero(g, dtype)
	if flowSize > 0 {
		perExample := flowPerExampleLoss(ctx, oracle, in, xT, t, d, flowSize, cfg)
		flowLoss = ReduceAllMean(Div(perExample, sliceBatch(t, 0, flowSize)))
	}

	consistencyLoss := ScalarZero(g, dtype)
	if flowSize < batchSize {
		consistencyLoss = consistencyLossGraph(ctx, oracle, in, xT, t, d, flowSize, cfg)
	}

	return Losses{
		Total:       Add(flowLoss, consistencyLoss),
		Flow:        flowLoss,
		Consistency: consistencyLoss,
	}
}

// flowPerExampleLoss evaluates the oracle over the flow subset [0, flowSize) and returns the
// per-example loss against the constant velocity target x1 - x0, shaped [flowSize].
func flowPerExampleLoss(ctx *context.Context, oracle VelocityOracle, in LossInputs, xT, t, d *Node,
	flowSize int, cfg LossConfig) *Node {
	flowInputs := in.Conditioning.Slice(0, flowSize).With(
		sliceBatch(xT, 0, flowSize), sliceBatch(t, 0, flowSize), sliceBatch(d, 0, flowSize))
	predictions := Predict(ctx, oracle, Request{Mode: ModeConditional, Inputs: flowInputs})
	targets := Sub(sliceBatch(in.X1, 0, flowSize), sliceBatch(in.X0, 0, flowSize))
	return cfg.perExample(predictions, targets)
}

func consistencyLossGraph(ctx *context.Context, oracle VelocityOracle, in LossInputs, xT, t, d *Node,
	flowSize int, cfg LossConfig) *Node {
	batchSize := xT.Shape().Dimensions[0]
	mask := in.ForceUnconditional
	if mask != nil {
		if mask.DType() != dtypes.Bool || mask.Rank() != 1 || mask.Shape().Dimensions[0] != batchSize-flowSize {
			exceptions.Panicf("ForceUnconditional must be a Bool mask shaped [%d], got %s",
				batchSize-flowSize, mask.Shape())
		}
	}
	cond := in.Conditioning.Slice(flowSize, batchSize)
	xT = sliceBatch(xT, flowSize, batchSize)
	t = sliceBatch(t, flowSize, batchSize)
	d = sliceBatch(d, flowSize, batchSize)
	request := func(x, t, stepSize *Node) Request {
		return Request{Mode: ModeConditional, Inputs: cond.With(x, t, stepSize), ForceUnconditional: mask}
	}

	speedT := StopGradient(Predict(ctx, oracle, request(xT, t, d)))
	xTD := Add(xT, Mul(ReshapeCoefs(d), speedT))
	speedTD := StopGradient(Predict(ctx, oracle, request(xTD, Add(t, d), d)))
	targets := StopGradient(DivScalar(Add(speedT, speedTD), 2))

	predictions := Predict(ctx, oracle, request(xT, t, MulScalar(d, 2)))
	return ReduceAllMean(cfg.perExample(predictions, targets))
}

// FlowLossProfile returns the per-example flow loss over the flow subset with t set to the same
// value for all examples, shaped [FlowBatchSize(B)]. The loss is not divided by t.
//
// t is a scalar node, so one graph serves all time buckets. It is used for offline diagnostics
// of how the loss varies with time, see LossProfiler.
func FlowLossProfile(ctx *context.Context, oracle VelocityOracle, in LossInputs, t *Node, cfg LossConfig) *Node {
	dtype := in.X1.DType()
	batchSize := in.X1.Shape().Dimensions[0]
	flowSize := sampling.FlowBatchSize(batchSize)
	if flowSize == 0 {
		exceptions.Panicf("FlowLossProfile requires a batch with a non-empty flow subset, got batch size %d", batchSize)
	}
	if !t.IsScalar() {
		exceptions.Panicf("FlowLossProfile requires a scalar t, got %s", t.Shape())
	}
	tAll := BroadcastToDims(ConvertDType(t, dtype), batchSize)
	xT := MixLatents(in.X1, in.X0, ReshapeCoefs(tAll))
	d := ConvertDType(in.D, dtype)
	return flowPerExampleLoss(ctx, oracle, in, xT, tAll, d, flowSize, cfg)
}
