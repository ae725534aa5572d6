// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

// Package denoiser implements a frame-wise MLP velocity oracle for lsm.GestureLSM, registered as
// "mlp".
//
// Each frame of the noised latent is concatenated with sinusoidal embeddings of the time and of
// the step size, and with the projected conditioning (audio features, seed motion, style and
// speaker identity), and fed to a residual feed-forward network predicting the velocity of the
// frame. Examples flagged unconditional have their conditioning replaced by a learned null
// vector.
//
// Importing the package (even with `_`) is enough to register it.
package denoiser

import (
	"math"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/lsm"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/pkg/errors"
)

// Name under which the oracle is registered.
const Name = "mlp"

// Hyperparameters of the MLP denoiser. They can be set at the root or in the "denoiser" scope.
const (
	// ParamHiddenDim is the width of the conditioning projections and of the hidden layers.
	ParamHiddenDim = "denoiser_hidden_dim"

	// ParamNumLayers is the number of hidden layers of the feed-forward trunk.
	ParamNumLayers = "denoiser_num_layers"

	// ParamTimeEmbedSize is the size of the sinusoidal embeddings of the time and step size.
	ParamTimeEmbedSize = "denoiser_time_embed_size"

	// ParamNumIDs is the number of speaker identities. Identities must be in [0, NumIDs).
	ParamNumIDs = "denoiser_num_ids"

	// ParamActivation of the trunk, see activations.FromName.
	ParamActivation = "denoiser_activation"
)

func init() {
	lsm.RegisterOracle(Name, func(ctx *context.Context) (lsm.VelocityOracle, error) {
		return New(ctx)
	})
}

// MLP is a frame-wise feed-forward velocity oracle.
type MLP struct {
	HiddenDim, NumLayers, TimeEmbedSize, NumIDs int
	Activation                                  activations.Type
}

var _ lsm.VelocityOracle = (*MLP)(nil)

// New creates an MLP configured from the hyperparameters in ctx.
func New(ctx *context.Context) (*MLP, error) {
	m := &MLP{
		HiddenDim:     context.GetParamOr(ctx, ParamHiddenDim, 128),
		NumLayers:     context.GetParamOr(ctx, ParamNumLayers, 2),
		TimeEmbedSize: context.GetParamOr(ctx, ParamTimeEmbedSize, 32),
		NumIDs:        context.GetParamOr(ctx, ParamNumIDs, 32),
	}
	if m.HiddenDim <= 0 || m.NumLayers < 0 || m.NumIDs <= 0 {
		return nil, errors.Errorf("invalid MLP denoiser dimensions: %s=%d, %s=%d, %s=%d",
			ParamHiddenDim, m.HiddenDim, ParamNumLayers, m.NumLayers, ParamNumIDs, m.NumIDs)
	}
	if m.TimeEmbedSize < 4 || m.TimeEmbedSize%2 != 0 {
		return nil, errors.Errorf("%s must be even and >= 4, got %d", ParamTimeEmbedSize, m.TimeEmbedSize)
	}
	activationName := context.GetParamOr(ctx, ParamActivation, "swish")
	var err error
	m.Activation, err = activations.TypeString(activationName)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", ParamActivation)
	}
	return m, nil
}

// Velocity implements lsm.VelocityOracle.
func (m *MLP) Velocity(ctx *context.Context, in *lsm.OracleInputs, unconditional *Node) *Node {
	x := in.X
	if x.Rank() != 4 || x.Shape().Dimensions[2] != 1 {
		exceptions.Panicf("MLP denoiser requires latents shaped [batch, channels, 1, seq_len], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, numChannels, seqLen := dims[0], dims[1], dims[3]
	dtype := x.DType()

	// Frames: [B, L, C].
	frames := Transpose(Reshape(x, batchSize, numChannels, seqLen), 1, 2)

	cond := m.conditioning(ctx, in, seqLen)
	if unconditional != nil {
		nullCond := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
			VariableWithShape("null_condition", shapes.Make(dtype, m.HiddenDim)).ValueGraph(x.Graph())
		nullCond = BroadcastToDims(Reshape(nullCond, 1, 1, m.HiddenDim), batchSize, seqLen, m.HiddenDim)
		cond = Where(unconditional, nullCond, cond)
	}

	timeEmbed := SinusoidalEmbedding(ConvertDType(in.Time, dtype), m.TimeEmbedSize)
	stepEmbed := SinusoidalEmbedding(ConvertDType(in.StepSize, dtype), m.TimeEmbedSize)
	timeEmbed = broadcastToFrames(Concatenate([]*Node{timeEmbed, stepEmbed}, -1), seqLen)
	timeEmbed = layers.Dense(ctx.In("time_projection"), timeEmbed, true, m.HiddenDim)

	h := layers.Dense(ctx.In("frames_projection"), frames, true, m.HiddenDim)
	h = Concatenate([]*Node{h, cond, timeEmbed}, -1)
	velocity := fnn.New(ctx.In("trunk"), h, numChannels).
		NumHiddenLayers(m.NumLayers, m.HiddenDim).
		Activation(m.Activation).
		Normalization("layer").
		Residual(true).
		Done()

	// Back to [B, C, 1, L].
	velocity = Transpose(velocity, 1, 2)
	return Reshape(velocity, batchSize, numChannels, 1, seqLen)
}

// conditioning projects the conditioning inputs and sums them, shaped [B, L, HiddenDim].
func (m *MLP) conditioning(ctx *context.Context, in *lsm.OracleInputs, seqLen int) *Node {
	dtype := in.X.DType()
	batchSize := in.X.Shape().Dimensions[0]
	cond := layers.Dense(ctx.In("audio_projection"), framewise(in.AtFeat, seqLen, "at_feat"), true, m.HiddenDim)
	if in.IntentFeat != nil {
		intent := layers.Dense(ctx.In("intent_projection"), framewise(in.IntentFeat, seqLen, "intent_feat"), true, m.HiddenDim)
		cond = Add(cond, intent)
	}

	seed := Reshape(ConvertDType(in.Seed, dtype), batchSize, -1)
	global := layers.Dense(ctx.In("seed_projection"), seed, true, m.HiddenDim)
	if in.StyleFeatures != nil {
		style := Reshape(ConvertDType(in.StyleFeatures, dtype), batchSize, -1)
		global = Add(global, layers.Dense(ctx.In("style_projection"), style, true, m.HiddenDim))
	}
	if in.InstanceIDs != nil {
		ids := Reshape(in.InstanceIDs, batchSize)
		global = Add(global, layers.Embedding(ctx.In("id_embedding"), ids, dtype, m.NumIDs, m.HiddenDim))
	}
	return Add(cond, broadcastToFrames(global, seqLen))
}

// framewise validates a per-frame feature shaped [B, L, D].
func framewise(feature *Node, seqLen int, name string) *Node {
	if feature.Rank() != 3 || feature.Shape().Dimensions[1] != seqLen {
		exceptions.Panicf("%s must be shaped [batch, %d, dim], got %s", name, seqLen, feature.Shape())
	}
	return feature
}

// broadcastToFrames broadcasts x shaped [B, D] to [B, seqLen, D].
func broadcastToFrames(x *Node, seqLen int) *Node {
	dims := x.Shape().Dimensions
	return BroadcastToDims(InsertAxes(x, 1), dims[0], seqLen, dims[1])
}

// SinusoidalEmbedding embeds x, shaped [B], with the sines and cosines of embedSize/2 geometrically
// spaced frequencies from 1 to 1000. The result is shaped [B, embedSize].
func SinusoidalEmbedding(x *Node, embedSize int) *Node {
	g := x.Graph()
	halfEmbed := embedSize / 2
	logMinFreq, logMaxFreq := 0.0, math.Log(1000.0)
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1)), logMinFreq)
	frequencies = Exp(frequencies)
	angularSpeeds := InsertAxes(MulScalar(frequencies, 2.0*math.Pi), 0)
	angles := Mul(angularSpeeds, InsertAxes(x, -1))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}
