// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

// Package lsm implements GestureLSM: a generator of gesture motion latents conditioned on
// audio, speech intention and style, trained with a hybrid of flow matching and consistency
// distillation, and sampled with a few Euler steps under classifier-free guidance.
//
// The velocity oracle (denoiser) and the modality encoder are pluggable: they are looked up by
// name (hyperparameters "lsm_denoiser" and "lsm_encoder") in a registry populated by the packages
// implementing them. See packages denoiser and encoder for the reference implementations.
//
// All random values of training (noise, t, step sizes and unconditional flags) and inference
// (initial noise) are drawn on the host from an explicitly seeded generator, so training steps and
// generations are reproducible.
package lsm

import (
	"math/rand/v2"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/gesture"
	"github.com/andypinxinliu/Intentional-Gesture/pkg/sampling"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes of the model variables.
const (
	EncoderScope  = "encoder"
	DenoiserScope = "denoiser"
)

// Keys of the per-step random inputs appended to each batch by TrainDataset.
const (
	KeyTime               gesture.Key = "lsm_t"
	KeyStepSize           gesture.Key = "lsm_d"
	KeyForceUnconditional gesture.Key = "lsm_force_unconditional"
)

// GestureLSM owns the modality encoder and the velocity oracle, and orchestrates training
// (ModelFn) and generation (Generate).
type GestureLSM struct {
	Encoder ModalityEncoder
	Oracle  VelocityOracle

	// InputDim (C) and SeqLen (L) of the generated latents, shaped [B, C, 1, L].
	InputDim, SeqLen int

	NumInferenceSteps      int
	GuidanceScale          float64
	ClassifierFreeGuidance bool

	// ForceUnconditionalProb is the probability of dropping the conditioning of each consistency
	// example during training.
	ForceUnconditionalProb float64

	Loss        LossConfig
	TimeSampler sampling.TimeSampler
	Variant     string

	// OnInferenceStep, if set, is called after every integration step of Generate.
	OnInferenceStep func(step, numSteps int)
}

// New creates a GestureLSM configured by the hyperparameters in ctx.
// The encoder and oracle are created from the registry, see RegisterOracle and RegisterEncoder.
func New(ctx *context.Context) (*GestureLSM, error) {
	m := &GestureLSM{
		InputDim:               context.GetParamOr(ctx, ParamInputDim, 8),
		SeqLen:                 context.GetParamOr(ctx, ParamSeqLen, 32),
		NumInferenceSteps:      context.GetParamOr(ctx, ParamNumInferenceSteps, 10),
		GuidanceScale:          context.GetParamOr(ctx, ParamGuidanceScale, 2.0),
		ClassifierFreeGuidance: context.GetParamOr(ctx, ParamClassifierFreeGuidance, true),
		ForceUnconditionalProb: context.GetParamOr(ctx, ParamForceUnconditionalProb, 0.5),
		Loss:                   LossConfig{Loss: context.GetParamOr(ctx, ParamLoss, LossMSE)},
		Variant:                context.GetParamOr(ctx, ParamVariant, VariantDefault),
	}
	if m.NumInferenceSteps <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %d", ParamNumInferenceSteps, m.NumInferenceSteps)
	}
	if m.Loss.Loss != LossMSE && m.Loss.Loss != LossHuber {
		return nil, errors.Errorf("%s must be %q or %q, got %q", ParamLoss, LossMSE, LossHuber, m.Loss.Loss)
	}

	samplerName := context.GetParamOr(ctx, ParamTimeSampler, sampling.SamplerSigmoid)
	samplerParams := sampling.TimeSamplerParams{
		Tilt:  context.GetParamOr(ctx, ParamTimeSamplerTilt, 2.0),
		Alpha: context.GetParamOr(ctx, ParamBetaAlpha, 2.0),
		Beta:  context.GetParamOr(ctx, ParamBetaBeta, 0.8),
	}
	switch m.Variant {
	case VariantDefault:
	case VariantReflow:
		samplerName = sampling.SamplerBeta
		samplerParams.Alpha, samplerParams.Beta = 2, 1.2
		m.ForceUnconditionalProb = 0.8
	default:
		return nil, errors.Errorf("%s must be %q or %q, got %q", ParamVariant, VariantDefault, VariantReflow, m.Variant)
	}
	var err error
	m.TimeSampler, err = sampling.TimeSamplerFromName(samplerName, samplerParams)
	if err != nil {
		return nil, err
	}

	m.Encoder, err = NewEncoder(ctx.In(EncoderScope), context.GetParamOr(ctx, ParamEncoder, "linear"))
	if err != nil {
		return nil, err
	}
	m.Oracle, err = NewOracle(ctx.In(DenoiserScope), context.GetParamOr(ctx, ParamDenoiser, "mlp"))
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("GestureLSM: variant=%s, time sampler=%s, loss=%s, %d inference steps",
		m.Variant, samplerName, m.Loss.Loss, m.NumInferenceSteps)
	return m, nil
}

// encoderContext and oracleContext are unchecked, since the oracle is evaluated more than once
// per graph, and the same variables serve training and generation graphs.
func (m *GestureLSM) encoderContext(ctx *context.Context) *context.Context {
	return ctx.In(EncoderScope).Checked(false)
}

func (m *GestureLSM) oracleContext(ctx *context.Context) *context.Context {
	return ctx.In(DenoiserScope).Checked(false)
}

// lookup returns the input for key, or nil if it is not in the layout.
func lookup(layout gesture.Layout, inputs []*Node, key gesture.Key) *Node {
	if idx := layout.Index(key); idx >= 0 {
		return inputs[idx]
	}
	return nil
}

// lossInputs builds the LossInputs from the inputs yielded by a TrainDataset.
func (m *GestureLSM) lossInputs(ctx *context.Context, spec any, inputs []*Node) LossInputs {
	layout, ok := spec.(gesture.Layout)
	if !ok {
		exceptions.Panicf("GestureLSM requires a dataset yielding a gesture.Layout as spec, got %T", spec)
	}
	required := func(key gesture.Key) *Node {
		node := lookup(layout, inputs, key)
		if node == nil {
			panic(errors.Wrapf(gesture.ErrMissingKey, "training batch requires key %q -- "+
				"is the dataset wrapped with GestureLSM.NewTrainDataset?", key))
		}
		return node
	}
	latents := required(gesture.KeyLatents)
	if latents.Rank() != 4 {
		exceptions.Panicf("latents must be shaped [batch, input_dim, 1, seq_len], got %s", latents.Shape())
	}
	cond := NewConditioning(layout, inputs)
	features := m.Encoder.Encode(m.encoderContext(ctx), cond)
	return LossInputs{
		X1:                 latents,
		X0:                 ConvertDType(required(gesture.KeyNoise), latents.DType()),
		T:                  required(KeyTime),
		D:                  required(KeyStepSize),
		ForceUnconditional: lookup(layout, inputs, KeyForceUnconditional),
		Conditioning:       NewOracleInputs(cond, features),
	}
}

// ModelFn returns the train.ModelFn computing the training losses: it returns the scalars
// [total, flow, consistency]. Use it with TrainLossFn.
//
// The dataset must be wrapped with NewTrainDataset, which provides the random noise, times, step
// sizes and unconditional flags.
func (m *GestureLSM) ModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		losses := ComposeLoss(m.oracleContext(ctx), m.Oracle, m.lossInputs(ctx, spec, inputs), m.Loss)
		return []*Node{losses.Total, losses.Flow, losses.Consistency}
	}
}

// TrainLossFn selects the total loss returned by ModelFn.
func TrainLossFn(_, predictions []*Node) *Node {
	return predictions[0]
}

// Generation is the result of Generate.
type Generation struct {
	// Latents generated, shaped [B, InputDim, 1, SeqLen].
	Latents *tensors.Tensor

	// InitNoise is the initial state of the integration.
	InitNoise *tensors.Tensor

	// AtFeat and IntentFeat are the encoded conditioning. IntentFeat may be nil.
	AtFeat, IntentFeat *tensors.Tensor

	// Seed is the seed motion of the conditioning bundle.
	Seed *tensors.Tensor
}

// Generate samples latents for the conditioning bundle batch: it encodes the conditioning, draws
// the initial noise from rng and integrates the learned velocity field over NumInferenceSteps
// Euler steps, using classifier-free guidance if enabled.
//
// Any failure aborts the generation and is returned.
func (m *GestureLSM) Generate(backend backends.Backend, ctx *context.Context, batch gesture.Batch, rng *rand.Rand) (
	gen *Generation, err error) {
	if err = batch.Validate(); err != nil {
		return nil, err
	}
	layout := batch.Layout()
	inputs, err := batch.Tensors(layout)
	if err != nil {
		return nil, err
	}
	batchSize := batch.Size()
	gen = &Generation{Seed: batch[gesture.KeySeed]}

	err = exceptions.TryCatch[error](func() {
		encodeExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			features := m.Encoder.Encode(m.encoderContext(ctx), NewConditioning(layout, inputs))
			if features.AudioHigh == nil {
				return []*Node{features.AudioLow}
			}
			return []*Node{features.AudioLow, features.AudioHigh}
		})
		features := encodeExec.MustExec(tensorsToAny(inputs)...)
		gen.AtFeat = features[0]
		if len(features) > 1 {
			gen.IntentFeat = features[1]
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "encoding conditioning")
	}

	gen.InitNoise = tensors.FromFlatDataAndDimensions(
		sampling.Normal(rng, batchSize*m.InputDim*m.SeqLen), batchSize, m.InputDim, 1, m.SeqLen)

	hasIntent := gen.IntentFeat != nil
	stepExec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return m.inferenceStep(ctx, inputs, hasIntent)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating inference step")
	}
	conditioning := []any{batch[gesture.KeySeed], gen.AtFeat, batch[gesture.KeyID], batch[gesture.KeyStyleFeature]}
	if hasIntent {
		conditioning = append(conditioning, gen.IntentFeat)
	}

	integrator := &Integrator{NumSteps: m.NumInferenceSteps, Epsilon: DefaultEpsilon}
	if m.OnInferenceStep != nil {
		integrator.OnStep = func(step int, _ float64) { m.OnInferenceStep(step, m.NumInferenceSteps) }
	}
	gen.Latents, err = integrator.Run(gen.InitNoise,
		func(x *tensors.Tensor, tStart, tEnd, stepSize float64) (*tensors.Tensor, error) {
			args := append([]any{x, float32(tStart), float32(tEnd), float32(stepSize)}, conditioning...)
			var next *tensors.Tensor
			err := exceptions.TryCatch[error](func() { next = stepExec.MustExec1(args...) })
			return next, err
		})
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// inferenceStep builds one Euler step: x + (tEnd - tStart)·v, where v is the (guided) velocity
// at (x, tStart) with the constant conditioning step size.
//
// inputs are x, tStart, tEnd, stepSize, seed, atFeat, instanceIDs, styleFeatures and optionally
// intentFeat.
func (m *GestureLSM) inferenceStep(ctx *context.Context, inputs []*Node, hasIntent bool) *Node {
	x := inputs[0]
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]
	tStart, tEnd, stepSize := ConvertDType(inputs[1], dtype), ConvertDType(inputs[2], dtype), ConvertDType(inputs[3], dtype)
	in := &OracleInputs{
		X:             x,
		Time:          BroadcastToDims(tStart, batchSize),
		StepSize:      BroadcastToDims(stepSize, batchSize),
		Seed:          inputs[4],
		AtFeat:        inputs[5],
		InstanceIDs:   inputs[6],
		StyleFeatures: inputs[7],
	}
	if hasIntent {
		in.IntentFeat = inputs[8]
	}
	mode := ModeGuided
	if !m.ClassifierFreeGuidance {
		mode = ModeConditional
	}
	speed := StopGradient(Predict(m.oracleContext(ctx), m.Oracle, Request{
		Mode:          mode,
		Inputs:        in,
		GuidanceScale: m.GuidanceScale,
	}))
	return Add(x, Mul(Sub(tEnd, tStart), speed))
}

func tensorsToAny(values []*tensors.Tensor) []any {
	args := make([]any, len(values))
	for ii, v := range values {
		args[ii] = v
	}
	return args
}
