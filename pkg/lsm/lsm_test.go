// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/sampling"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// fakeOracle is a deterministic velocity oracle:
// v = w·(x·(1 + t + d) + c), where c is the mean of AtFeat of the example, or 0 if unconditional,
// and w is the scalar variable "w" (initialized to 1) if withWeight is set, or 1 otherwise.
type fakeOracle struct {
	calls      int
	withWeight bool
}

func (o *fakeOracle) Velocity(ctx *context.Context, in *OracleInputs, unconditional *Node) *Node {
	o.calls++
	dtype := in.X.DType()
	c := ReduceMean(ConvertDType(in.AtFeat, dtype), 1, 2)
	if unconditional != nil {
		c = Where(unconditional, ZerosLike(c), c)
	}
	scale := AddScalar(Add(ConvertDType(in.Time, dtype), ConvertDType(in.StepSize, dtype)), 1)
	v := Add(Mul(in.X, ReshapeCoefs(scale)), ReshapeCoefs(c))
	if o.withWeight {
		v = Mul(v, fakeWeight(ctx, in.X.Graph()))
	}
	return v
}

// fakeWeight returns the scalar variable w of fakeOracle.
func fakeWeight(ctx *context.Context, g *Graph) *Node {
	return ctx.Checked(false).VariableWithValue("w", float32(1)).ValueGraph(g)
}

// fakeFeatureDim is the per-frame dimension of the AtFeat used with fakeOracle.
const fakeFeatureDim = 2

// fakeBatch holds host values of a small batch shaped [B, C, 1, L].
type fakeBatch struct {
	batchSize, numChannels, seqLen int
	x1, x0, atFeat, t, d           []float32
	mask                           []bool
}

func newFakeBatch(seed uint64, batchSize int) *fakeBatch {
	rng := rand.New(rand.NewPCG(seed, 0))
	fb := &fakeBatch{batchSize: batchSize, numChannels: 2, seqLen: 3}
	size := batchSize * fb.numChannels * fb.seqLen
	fb.x1 = sampling.Normal(rng, size)
	fb.x0 = sampling.Normal(rng, size)
	fb.atFeat = sampling.Normal(rng, batchSize*fb.seqLen*fakeFeatureDim)
	fb.t = make([]float32, batchSize)
	for ii := range fb.t {
		fb.t[ii] = float32(sampling.Rescale(rng.Float64()))
	}
	fb.d = toFloat32(sampling.StepSizes(rng, batchSize))
	fb.mask = sampling.ForceUnconditional(rng, sampling.ConsistencyBatchSize(batchSize), 0.5)
	return fb
}

func (fb *fakeBatch) lossInputs(g *Graph) LossInputs {
	dims := []int{fb.batchSize, fb.numChannels, 1, fb.seqLen}
	in := LossInputs{
		X1: Const(g, tensors.FromFlatDataAndDimensions(fb.x1, dims...)),
		X0: Const(g, tensors.FromFlatDataAndDimensions(fb.x0, dims...)),
		T:  Const(g, fb.t),
		D:  Const(g, fb.d),
		Conditioning: &OracleInputs{
			AtFeat: Const(g, tensors.FromFlatDataAndDimensions(fb.atFeat, fb.batchSize, fb.seqLen, fakeFeatureDim)),
		},
	}
	if len(fb.mask) > 0 {
		in.ForceUnconditional = Const(g, fb.mask)
	}
	return in
}

// conditioningOffset returns the c term of fakeOracle for the example, ignoring the mask.
func (fb *fakeBatch) conditioningOffset(example int) float64 {
	var c float64
	for ii := range fb.seqLen * fakeFeatureDim {
		c += float64(fb.atFeat[example*fb.seqLen*fakeFeatureDim+ii])
	}
	return c / float64(fb.seqLen*fakeFeatureDim)
}

// hostFlowLoss computes the expected flow loss of fakeOracle with an MSE loss.
func (fb *fakeBatch) hostFlowLoss() float64 {
	flowSize := sampling.FlowBatchSize(fb.batchSize)
	exampleSize := fb.numChannels * fb.seqLen
	var total float64
	for example := range flowSize {
		c := fb.conditioningOffset(example)
		t := float64(fb.t[example])
		var mse float64
		for ii := range exampleSize {
			x1 := float64(fb.x1[example*exampleSize+ii])
			x0 := float64(fb.x0[example*exampleSize+ii])
			xT := t*x1 + (1-t)*x0
			v := xT*(1+t) + c
			mse += (v - (x1 - x0)) * (v - (x1 - x0))
		}
		total += mse / float64(exampleSize) / t
	}
	return total / float64(flowSize)
}

// hostConsistencyLoss computes the expected consistency loss of fakeOracle (with w=1) with an MSE
// loss, and its derivative with respect to w when the targets are constant.
func (fb *fakeBatch) hostConsistencyLoss() (loss, gradWeight float64) {
	flowSize := sampling.FlowBatchSize(fb.batchSize)
	consistencySize := fb.batchSize - flowSize
	exampleSize := fb.numChannels * fb.seqLen
	for example := flowSize; example < fb.batchSize; example++ {
		c := fb.conditioningOffset(example)
		if fb.mask[example-flowSize] {
			c = 0
		}
		t, d := float64(fb.t[example]), float64(fb.d[example])
		var mse, grad float64
		for ii := range exampleSize {
			x1 := float64(fb.x1[example*exampleSize+ii])
			x0 := float64(fb.x0[example*exampleSize+ii])
			xT := t*x1 + (1-t)*x0
			speedT := xT*(1+t+d) + c
			xTD := xT + d*speedT
			speedTD := xTD*(1+(t+d)+d) + c
			target := (speedT + speedTD) / 2
			prediction := xT*(1+t+2*d) + c
			mse += (prediction - target) * (prediction - target)
			grad += 2 * (prediction - target) * prediction
		}
		loss += mse / float64(exampleSize)
		gradWeight += grad / float64(exampleSize)
	}
	return loss / float64(consistencySize), gradWeight / float64(consistencySize)
}

func execGraph(t *testing.T, backend backends.Backend, ctx *context.Context,
	fn func(ctx *context.Context, g *Graph) []*Node) []*tensors.Tensor {
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() {
		outputs = context.MustNewExec(backend, ctx, fn).MustExec()
	})
	return outputs
}

func TestCoefs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := execGraph(t, backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
		coefs := Const(g, []float32{0.1, 0.5, 0.9})
		reshaped := ReshapeCoefs(coefs)
		x1 := Ones(g, shapes.Make(dtypes.Float32, 3, 2, 1, 4))
		x0 := ZerosLike(x1)
		return []*Node{reshaped, FlattenCoefs(reshaped), MixLatents(x1, x0, reshaped)}
	})
	assert.Equal(t, []int{3, 1, 1, 1}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []float32{0.1, 0.5, 0.9}, tensors.MustCopyFlatData[float32](outputs[1]))
	interpolated := tensors.MustCopyFlatData[float32](outputs[2])
	assert.InDelta(t, 0.1, interpolated[0], 1e-6)
	assert.InDelta(t, 0.9, interpolated[len(interpolated)-1], 1e-6)

	// Only rank-1 coefficients are accepted.
	require.Panics(t, func() {
		_ = context.MustNewExec(backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
			return []*Node{ReshapeCoefs(Const(g, [][]float32{{1, 2}}))}
		}).MustExec()
	})
}

func TestMixLatentsEndpoints(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := execGraph(t, backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
		x1 := Const(g, [][][][]float32{{{{1, 2}}}, {{{3, 4}}}})
		x0 := Const(g, [][][][]float32{{{{-1, -2}}}, {{{-3, -4}}}})
		t := ReshapeCoefs(Const(g, []float32{sampling.TMin, sampling.TMax}))
		return []*Node{MixLatents(x1, x0, t)}
	})
	values := tensors.MustCopyFlatData[float32](outputs[0])
	assert.InDeltaSlice(t, []float32{-1, -2, 3, 4}, values, 1e-3)
}

func TestPseudoHuberLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	a := [][][][]float32{{{{1, 2, 3}}}, {{{0, 0, 0}}}}
	b := [][][][]float32{{{{0, 2, 5}}}, {{{0, 0, 0}}}}
	outputs := execGraph(t, backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
		nodeA, nodeB := Const(g, a), Const(g, b)
		return []*Node{
			PseudoHuberLoss(nodeA, nodeB, ReductionNone),
			PseudoHuberLoss(nodeA, nodeB, ReductionMean),
			PseudoHuberLoss(nodeA, nodeB, ReductionSum),
		}
	})
	const dataDim = 3.0
	c := PseudoHuberScale * dataDim
	want0 := (math.Sqrt(1+4+c*c) - c) / dataDim
	perExample := tensors.MustCopyFlatData[float32](outputs[0])
	assert.InDelta(t, want0, perExample[0], 1e-5)
	assert.InDelta(t, 0, perExample[1], 1e-6)
	assert.InDelta(t, want0/2, tensors.ToScalar[float32](outputs[1]), 1e-5)
	assert.InDelta(t, want0, tensors.ToScalar[float32](outputs[2]), 1e-5)

	// Mismatched shapes.
	require.Panics(t, func() {
		_ = context.MustNewExec(backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
			return []*Node{PseudoHuberLoss(Const(g, a), Const(g, [][][][]float32{{{{0, 0, 0}}}}), ReductionMean)}
		}).MustExec()
	})
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	fb := newFakeBatch(7, 4)
	oracle := &fakeOracle{}
	outputs := execGraph(t, backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		in := fb.lossInputs(g)
		inputs := in.Conditioning.With(in.X1, in.T, in.D)
		return []*Node{
			Predict(ctx, oracle, Request{Mode: ModeConditional, Inputs: inputs}),
			Predict(ctx, oracle, Request{Mode: ModeUnconditional, Inputs: inputs}),
			Predict(ctx, oracle, Request{Mode: ModeGuided, Inputs: inputs, GuidanceScale: 1}),
			Predict(ctx, oracle, Request{Mode: ModeGuided, Inputs: inputs, GuidanceScale: 2}),
		}
	})
	assert.Equal(t, 4, oracle.calls)
	cond := tensors.MustCopyFlatData[float32](outputs[0])
	uncond := tensors.MustCopyFlatData[float32](outputs[1])
	assert.InDeltaSlice(t, cond, tensors.MustCopyFlatData[float32](outputs[2]), 1e-5)
	guided := tensors.MustCopyFlatData[float32](outputs[3])
	for ii := range guided {
		assert.InDelta(t, uncond[ii]+2*(cond[ii]-uncond[ii]), guided[ii], 1e-5)
	}
}

func TestComposeLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, loss := range []string{LossMSE, LossHuber} {
		t.Run(loss, func(t *testing.T) {
			fb := newFakeBatch(42, 8)
			require.Len(t, fb.mask, 2)
			fb.mask = []bool{false, true}
			for ii := range 6 {
				require.Zero(t, fb.d[ii])
			}
			oracle := &fakeOracle{}
			fn := func(ctx *context.Context, g *Graph) []*Node {
				losses := ComposeLoss(ctx, oracle, fb.lossInputs(g), LossConfig{Loss: loss})
				return []*Node{losses.Total, losses.Flow, losses.Consistency}
			}
			outputs := execGraph(t, backend, context.New(), fn)
			// One flow evaluation and three consistency evaluations.
			assert.Equal(t, 4, oracle.calls)
			total := tensors.ToScalar[float32](outputs[0])
			flow := tensors.ToScalar[float32](outputs[1])
			consistency := tensors.ToScalar[float32](outputs[2])
			for _, v := range []float32{total, flow, consistency} {
				assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
				assert.GreaterOrEqual(t, v, float32(0))
			}
			assert.InDelta(t, flow+consistency, total, 1e-4)
			if loss == LossMSE {
				assert.InDelta(t, fb.hostFlowLoss(), flow, 1e-3*math.Max(1, fb.hostFlowLoss()))
				wantConsistency, _ := fb.hostConsistencyLoss()
				assert.InDelta(t, wantConsistency, consistency, 1e-3*math.Max(1, wantConsistency))
			}

			// Same inputs, same losses.
			again := execGraph(t, backend, context.New(), fn)
			assert.Equal(t, total, tensors.ToScalar[float32](again[0]))
		})
	}
}

// TestConsistencyTargetsWithoutGradient checks that the consistency loss only back-propagates
// through the prediction at 2d: the two evaluations building the midpoint target are constants.
func TestConsistencyTargetsWithoutGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	fb := newFakeBatch(11, 4)
	fb.mask = []bool{true}
	oracle := &fakeOracle{withWeight: true}
	outputs := execGraph(t, backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		losses := ComposeLoss(ctx, oracle, fb.lossInputs(g), LossConfig{})
		weight := fakeWeight(ctx, g)
		return []*Node{losses.Consistency, Gradient(losses.Consistency, weight)[0]}
	})
	wantLoss, wantGrad := fb.hostConsistencyLoss()
	assert.InDelta(t, wantLoss, tensors.ToScalar[float32](outputs[0]), 1e-3*math.Max(1, wantLoss))
	assert.InDelta(t, wantGrad, tensors.ToScalar[float32](outputs[1]), 1e-3*math.Max(1, math.Abs(wantGrad)))
}

func TestComposeLossSmallBatches(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Batch of 1: empty flow subset.
	fb := newFakeBatch(3, 1)
	oracle := &fakeOracle{}
	outputs := execGraph(t, backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		losses := ComposeLoss(ctx, oracle, fb.lossInputs(g), LossConfig{})
		return []*Node{losses.Flow, losses.Consistency}
	})
	assert.Equal(t, 3, oracle.calls)
	assert.Equal(t, float32(0), tensors.ToScalar[float32](outputs[0]))

	// Batch of 2: one example in each subset.
	fb = newFakeBatch(3, 2)
	oracle = &fakeOracle{}
	_ = execGraph(t, backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		losses := ComposeLoss(ctx, oracle, fb.lossInputs(g), LossConfig{})
		return []*Node{losses.Total}
	})
	assert.Equal(t, 4, oracle.calls)

	// Wrong mask size.
	fb = newFakeBatch(3, 8)
	fb.mask = []bool{true, false, true}
	require.Panics(t, func() {
		_ = context.MustNewExec(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			return []*Node{ComposeLoss(ctx, &fakeOracle{}, fb.lossInputs(g), LossConfig{}).Total}
		}).MustExec()
	})
}

func TestFlowLossProfile(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	fb := newFakeBatch(5, 8)
	outputs := execGraph(t, backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		return []*Node{FlowLossProfile(ctx, &fakeOracle{}, fb.lossInputs(g), Scalar(g, dtypes.Float32, 0.5), LossConfig{})}
	})
	assert.Equal(t, []int{6}, outputs[0].Shape().Dimensions)
}

func TestIntegrator(t *testing.T) {
	grid := TimeGrid(10, DefaultEpsilon)
	require.Len(t, grid, 11)
	assert.Equal(t, DefaultEpsilon, grid[0])
	assert.Equal(t, 1-DefaultEpsilon, grid[10])
	assert.Nil(t, TimeGrid(0, DefaultEpsilon))
	assert.Nil(t, TimeGrid(-3, DefaultEpsilon))

	x := tensors.FromFlatDataAndDimensions([]float32{0}, 1)
	var calls, onSteps int
	integrator := &Integrator{NumSteps: 10, OnStep: func(int, float64) { onSteps++ }}
	out, err := integrator.Run(x, func(x *tensors.Tensor, tStart, tEnd, stepSize float64) (*tensors.Tensor, error) {
		calls++
		assert.InDelta(t, 0.1, stepSize, 1e-12)
		assert.Less(t, tStart, tEnd)
		value := tensors.MustCopyFlatData[float32](x)[0]
		return tensors.FromFlatDataAndDimensions([]float32{value + float32(tEnd-tStart)}, 1), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, calls)
	assert.Equal(t, 10, onSteps)
	assert.InDelta(t, 1.0, tensors.MustCopyFlatData[float32](out)[0], 1e-5)

	// The first error aborts the integration.
	calls = 0
	_, err = (&Integrator{NumSteps: 5}).Run(x, func(x *tensors.Tensor, _, _, _ float64) (*tensors.Tensor, error) {
		calls++
		if calls == 2 {
			return nil, assert.AnError
		}
		return x, nil
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)

	_, err = (&Integrator{}).Run(x, nil)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	ctx := context.New()
	_, err := NewOracle(ctx, "no-such-oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-oracle")
	_, err = NewEncoder(ctx, "no-such-encoder")
	require.Error(t, err)

	RegisterOracle("test-fake", func(*context.Context) (VelocityOracle, error) { return &fakeOracle{}, nil })
	oracle, err := NewOracle(ctx, "test-fake")
	require.NoError(t, err)
	assert.IsType(t, &fakeOracle{}, oracle)
	assert.Contains(t, OracleNames(), "test-fake")
}

func TestModeEnumer(t *testing.T) {
	assert.Equal(t, "guided", ModeGuided.String())
	mode, err := ModeString("unconditional")
	require.NoError(t, err)
	assert.Equal(t, ModeUnconditional, mode)
	_, err = ModeString("bogus")
	require.Error(t, err)
}
