// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"github.com/andypinxinliu/Intentional-Gesture/pkg/sampling"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Hyperparameter names read from the context.
const (
	// ParamInputDim is the number of latent channels C of latents shaped [B, C, 1, L].
	ParamInputDim = "lsm_input_dim"

	// ParamSeqLen is the sequence length L of the latents.
	ParamSeqLen = "lsm_seq_len"

	// ParamNumInferenceSteps is the number of Euler steps used by Generate.
	ParamNumInferenceSteps = "lsm_num_inference_steps"

	// ParamGuidanceScale is the classifier-free guidance scale used by Generate.
	ParamGuidanceScale = "lsm_guidance_scale"

	// ParamClassifierFreeGuidance enables classifier-free guidance in Generate. If false, the
	// plain conditional prediction is used.
	ParamClassifierFreeGuidance = "lsm_do_classifier_free_guidance"

	// ParamForceUnconditionalProb is the probability of dropping the conditioning of each
	// consistency example during training.
	ParamForceUnconditionalProb = "lsm_force_unconditional_prob"

	// ParamLoss is either "mse" or "huber" (pseudo-Huber).
	ParamLoss = "lsm_loss"

	// ParamTimeSampler names the training time sampler, see sampling.TimeSamplerFromName.
	ParamTimeSampler = "lsm_time_sampler"

	// ParamTimeSamplerTilt is the exponent of the "exponential" samplers.
	ParamTimeSamplerTilt = "lsm_time_sampler_tilt"

	// ParamBetaAlpha and ParamBetaBeta parametrize the "beta" time sampler.
	ParamBetaAlpha = "lsm_beta_alpha"
	ParamBetaBeta  = "lsm_beta_beta"

	// ParamVariant is "default" or "reflow". The reflow variant samples t from Beta(2, 1.2),
	// drops the conditioning of consistency examples with probability 0.8 and uses the noise
	// provided by the dataset, if any.
	ParamVariant = "lsm_variant"

	// ParamSeed seeds the host random number generator used to sample noise, t, d and the
	// unconditional flags.
	ParamSeed = "lsm_seed"

	// ParamDenoiser and ParamEncoder name the registered velocity oracle and modality encoder.
	ParamDenoiser = "lsm_denoiser"
	ParamEncoder  = "lsm_encoder"

	// ParamLossProfileFrequency is the number of training steps between loss-profile exports.
	// 0 disables it.
	ParamLossProfileFrequency = "lsm_loss_profile_frequency"

	// ParamLossProfileBuckets is the number of time buckets of the loss profile.
	ParamLossProfileBuckets = "lsm_loss_profile_buckets"
)

// Values of ParamVariant.
const (
	VariantDefault = "default"
	VariantReflow  = "reflow"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          100_000,
		"num_checkpoints":      5,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.
		"batch_size":           32,
		"dtype":                "float32",

		// rng_reset resets the context random number generator used by the initializers.
		"rng_reset": true,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-4,

		// Latents shape.
		ParamInputDim: 8,
		ParamSeqLen:   32,

		// Inference.
		ParamNumInferenceSteps:      10,
		ParamGuidanceScale:          2.0,
		ParamClassifierFreeGuidance: true,

		// Training.
		ParamForceUnconditionalProb: 0.5,
		ParamLoss:                   LossMSE,
		ParamTimeSampler:            sampling.SamplerSigmoid,
		ParamTimeSamplerTilt:        2.0,
		ParamBetaAlpha:              2.0,
		ParamBetaBeta:               0.8,
		ParamVariant:                VariantDefault,
		ParamSeed:                   42,

		ParamDenoiser: "mlp",
		ParamEncoder:  "linear",

		// Diagnostics.
		ParamLossProfileFrequency: 0,
		ParamLossProfileBuckets:   50,
	})
	return ctx
}
