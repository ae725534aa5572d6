// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"slices"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/gesture"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Conditioning is the graph-side conditioning bundle of a batch. Optional fields are nil when
// absent.
type Conditioning struct {
	AudioTensor, AudioLow, AudioHigh   *Node
	InstanceIDs, Seed, StyleFeatures   *Node
	IntentionEmbeddings, IntentionMask *Node

	// Optional.
	AudioOnset, Word *Node
}

// NewConditioning maps the inputs of a dataset with the given layout to a Conditioning.
//
// It panics with an error wrapping gesture.ErrMissingKey if a required key is not in the layout,
// or if inputs and layout have different lengths.
func NewConditioning(layout gesture.Layout, inputs []*Node) *Conditioning {
	if layout.Len() != len(inputs) {
		exceptions.Panicf("layout %q has %d keys, but got %d inputs", layout, layout.Len(), len(inputs))
	}
	get := func(key gesture.Key) *Node {
		idx := layout.Index(key)
		if idx < 0 {
			return nil
		}
		return inputs[idx]
	}
	required := func(key gesture.Key) *Node {
		node := get(key)
		if node == nil && key == gesture.KeyAudioTensor {
			node = get(gesture.KeyAudio)
		}
		if node == nil {
			panic(errors.Wrapf(gesture.ErrMissingKey, "key %q", key))
		}
		return node
	}
	c := &Conditioning{
		AudioTensor:         required(gesture.KeyAudioTensor),
		AudioLow:            required(gesture.KeyAudioLow),
		AudioHigh:           required(gesture.KeyAudioHigh),
		InstanceIDs:         required(gesture.KeyID),
		Seed:                required(gesture.KeySeed),
		StyleFeatures:       required(gesture.KeyStyleFeature),
		IntentionEmbeddings: required(gesture.KeyIntentionEmbeddings),
		IntentionMask:       required(gesture.KeyIntentionMask),
		AudioOnset:          get(gesture.KeyAudioOnset),
		Word:                get(gesture.KeyWord),
	}
	c.assertBatchSize()
	return c
}

// BatchSize of the conditioning bundle.
func (c *Conditioning) BatchSize() int {
	return c.AudioLow.Shape().Dimensions[0]
}

func (c *Conditioning) assertBatchSize() {
	batchSize := c.BatchSize()
	for _, node := range []*Node{
		c.AudioTensor, c.AudioHigh, c.InstanceIDs, c.Seed, c.StyleFeatures,
		c.IntentionEmbeddings, c.IntentionMask, c.AudioOnset, c.Word,
	} {
		if node == nil {
			continue
		}
		if node.Rank() == 0 || node.Shape().Dimensions[0] != batchSize {
			exceptions.Panicf("conditioning tensor shaped %s doesn't match batch size %d", node.Shape(), batchSize)
		}
	}
}

// Features are the encoded modalities passed to the velocity oracle.
type Features struct {
	// AudioLow is the low-level audio feature ("at_feat").
	AudioLow *Node

	// AudioHigh is the high-level (intention aware) feature ("intent_feat"). It may be nil.
	AudioHigh *Node
}

// ModalityEncoder encodes the conditioning bundle into Features.
type ModalityEncoder interface {
	Encode(ctx *context.Context, cond *Conditioning) Features
}

// OracleInputs are the inputs of one velocity oracle evaluation. All fields share the leading
// batch dimension. IntentFeat and StyleFeatures may be nil.
type OracleInputs struct {
	// X is the noised latent x_t, shaped [B, C, 1, L].
	X *Node

	// Time t, shaped [B].
	Time *Node

	// StepSize is the consistency step size ("cond_time"), shaped [B].
	StepSize *Node

	Seed, AtFeat, IntentFeat, InstanceIDs, StyleFeatures *Node
}

// NewOracleInputs binds the conditioning part of OracleInputs, leaving X, Time and StepSize to be
// set per evaluation with With.
func NewOracleInputs(cond *Conditioning, features Features) *OracleInputs {
	return &OracleInputs{
		Seed:          cond.Seed,
		AtFeat:        features.AudioLow,
		IntentFeat:    features.AudioHigh,
		InstanceIDs:   cond.InstanceIDs,
		StyleFeatures: cond.StyleFeatures,
	}
}

// With returns a copy of in with the given latent, time and step size.
func (in *OracleInputs) With(x, t, stepSize *Node) *OracleInputs {
	out := *in
	out.X, out.Time, out.StepSize = x, t, stepSize
	return &out
}

// BatchSize returns the leading dimension of the inputs.
func (in *OracleInputs) BatchSize() int {
	for _, node := range in.fields() {
		if *node != nil {
			return (*node).Shape().Dimensions[0]
		}
	}
	return 0
}

func (in *OracleInputs) fields() []**Node {
	return []**Node{&in.X, &in.Time, &in.StepSize, &in.Seed, &in.AtFeat, &in.IntentFeat, &in.InstanceIDs, &in.StyleFeatures}
}

// Slice returns the examples [start, end) of every (non-nil) field.
func (in *OracleInputs) Slice(start, end int) *OracleInputs {
	out := *in
	for _, node := range out.fields() {
		if *node != nil {
			*node = sliceBatch(*node, start, end)
		}
	}
	return &out
}

// concat returns the concatenation, along the batch axis, of each field of in and other.
func (in *OracleInputs) concat(other *OracleInputs) *OracleInputs {
	out := *in
	otherFields := other.fields()
	for ii, node := range out.fields() {
		if *node != nil {
			*node = Concatenate([]*Node{*node, *otherFields[ii]}, 0)
		}
	}
	return &out
}

// sliceBatch slices x along its leading axis.
func sliceBatch(x *Node, start, end int) *Node {
	return Slice(x, AxisRange(start, end))
}

// VelocityOracle predicts the velocity field at the noised latent in.X.
//
// unconditional is either nil (use the conditioning for all examples) or a Bool tensor shaped
// [B], true for the examples whose conditioning must be dropped.
// The returned velocity has the shape of in.X.
type VelocityOracle interface {
	Velocity(ctx *context.Context, in *OracleInputs, unconditional *Node) *Node
}

// Request is one prediction request to a VelocityOracle.
type Request struct {
	Mode   Mode
	Inputs *OracleInputs

	// ForceUnconditional is an optional Bool mask shaped [B], only used by ModeConditional.
	ForceUnconditional *Node

	// GuidanceScale used by ModeGuided.
	GuidanceScale float64
}

// Predict dispatches the request to the oracle according to its Mode.
//
// ModeGuided evaluates the oracle once over the batch doubled as [conditional; unconditional],
// and blends the two halves as uncond + GuidanceScale·(cond - uncond).
func Predict(ctx *context.Context, oracle VelocityOracle, req Request) *Node {
	in := req.Inputs
	batchSize := in.BatchSize()
	g := in.X.Graph()
	switch req.Mode {
	case ModeConditional:
		return oracle.Velocity(ctx, in, req.ForceUnconditional)
	case ModeUnconditional:
		return oracle.Velocity(ctx, in, Const(g, slices.Repeat([]bool{true}, batchSize)))
	case ModeGuided:
		doubled := in.concat(in)
		mask := Const(g, append(make([]bool, batchSize), slices.Repeat([]bool{true}, batchSize)...))
		velocity := oracle.Velocity(ctx, doubled, mask)
		cond := sliceBatch(velocity, 0, batchSize)
		uncond := sliceBatch(velocity, batchSize, 2*batchSize)
		return Add(uncond, MulScalar(Sub(cond, uncond), req.GuidanceScale))
	}
	exceptions.Panicf("unknown velocity request mode %s", req.Mode)
	return nil
}
