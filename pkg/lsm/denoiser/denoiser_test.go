// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package denoiser

import (
	"testing"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/lsm"
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

func TestNew(t *testing.T) {
	m, err := New(context.New())
	require.NoError(t, err)
	assert.Equal(t, 128, m.HiddenDim)
	assert.Equal(t, 2, m.NumLayers)
	assert.Equal(t, 32, m.TimeEmbedSize)

	for param, value := range map[string]any{
		ParamTimeEmbedSize: 5,
		ParamHiddenDim:     0,
		ParamActivation:    "no_such_activation",
	} {
		ctx := context.New()
		ctx.SetParam(param, value)
		_, err = New(ctx)
		require.Errorf(t, err, "%s=%v should fail", param, value)
	}

	oracle, err := lsm.NewOracle(context.New(), Name)
	require.NoError(t, err)
	assert.IsType(t, &MLP{}, oracle)
}

func TestSinusoidalEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	embed := MustExecOnce(backend, func(x *Node) *Node {
		return SinusoidalEmbedding(x, 8)
	}, []float32{0, 0.5})
	require.Equal(t, []int{2, 8}, embed.Shape().Dimensions)
	values := tensors.MustCopyFlatData[float32](embed)
	// At 0 the sines are 0 and the cosines are 1.
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0, 1, 1, 1, 1}, values[:8], 1e-6)
	for _, v := range values[8:] {
		assert.LessOrEqual(t, v, float32(1.0+1e-6))
		assert.GreaterOrEqual(t, v, float32(-1.0-1e-6))
	}
}

func TestVelocity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{
		ParamHiddenDim:     8,
		ParamNumLayers:     1,
		ParamTimeEmbedSize: 4,
		ParamNumIDs:        4,
	})
	m, err := New(ctx)
	require.NoError(t, err)

	const batchSize, numChannels, seqLen = 2, 4, 6
	outputs := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, batchSize, numChannels, 1, seqLen)), 0.1)
		in := &lsm.OracleInputs{
			X:             x,
			Time:          Const(g, []float32{0.2, 0.7}),
			StepSize:      Const(g, []float32{0, 0.25}),
			Seed:          Ones(g, shapes.Make(dtypes.Float32, batchSize, 3, numChannels)),
			AtFeat:        Ones(g, shapes.Make(dtypes.Float32, batchSize, seqLen, 5)),
			InstanceIDs:   Const(g, []int32{0, 3}),
			StyleFeatures: Ones(g, shapes.Make(dtypes.Float32, batchSize, 3)),
		}
		conditional := m.Velocity(ctx, in, nil)
		dropped := m.Velocity(ctx, in, Const(g, []bool{true, true}))
		mixed := m.Velocity(ctx, in, Const(g, []bool{false, true}))
		return []*Node{conditional, dropped, mixed}
	}).MustExec()

	for _, output := range outputs {
		assert.Equal(t, []int{batchSize, numChannels, 1, seqLen}, output.Shape().Dimensions)
	}
	conditional := tensors.MustCopyFlatData[float32](outputs[0])
	dropped := tensors.MustCopyFlatData[float32](outputs[1])
	mixed := tensors.MustCopyFlatData[float32](outputs[2])
	exampleSize := numChannels * seqLen
	assert.NotEqual(t, conditional, dropped)
	assert.InDeltaSlice(t, conditional[:exampleSize], mixed[:exampleSize], 1e-5)
	assert.InDeltaSlice(t, dropped[exampleSize:], mixed[exampleSize:], 1e-5)
}

func TestVelocityShapeErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	m, err := New(ctx)
	require.NoError(t, err)
	require.Panics(t, func() {
		context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			in := &lsm.OracleInputs{
				X:        Ones(g, shapes.Make(dtypes.Float32, 1, 4, 1, 6)),
				Time:     Const(g, []float32{0.5}),
				StepSize: Const(g, []float32{0}),
				Seed:     Ones(g, shapes.Make(dtypes.Float32, 1, 4)),
				// Wrong number of frames.
				AtFeat: Ones(g, shapes.Make(dtypes.Float32, 1, 5, 3)),
			}
			return m.Velocity(ctx, in, nil)
		}).MustExec()
	})
}
