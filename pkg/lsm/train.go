// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"fmt"
	"io"
	"path"
	"time"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LossProfileDir is the subdirectory of the checkpoint where loss profiles are exported.
const LossProfileDir = "loss_profile"

// TrainMetrics returns the moving averages of the flow and consistency losses returned by ModelFn.
func TrainMetrics() []metrics.Interface {
	flowLoss := metrics.NewExponentialMovingAverageMetric(
		"Flow Loss", "flow", metrics.LossMetricType,
		func(_ *context.Context, _, predictions []*graph.Node) *graph.Node { return predictions[1] },
		nil, 0.01)
	consistencyLoss := metrics.NewExponentialMovingAverageMetric(
		"Consistency Loss", "consistency", metrics.LossMetricType,
		func(_ *context.Context, _, predictions []*graph.Node) *graph.Node { return predictions[2] },
		nil, 0.01)
	return []metrics.Interface{flowLoss, consistencyLoss}
}

// TrainModel trains model with the dataset ds, which must be wrapped with
// GestureLSM.NewTrainDataset, until the global step reaches the hyperparameter "train_steps".
//
// If checkpointPath is given, the model is loaded from it (if it exists) and saved periodically.
// profileDS, if not nil and "lsm_loss_profile_frequency" > 0, provides the batches used for the
// loss profiles exported under the checkpoint directory.
func TrainModel(config *Config, model *GestureLSM, ds, profileDS train.Dataset, checkpointPath string,
	verbosity int) error {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	if err := config.AttachCheckpoint(checkpointPath); err != nil {
		return err
	}
	checkpoint := config.Checkpoint
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.ResetRNGState()
	}
	if verbosity >= 1 {
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			scopedCtx := ctx
			if scope != "" {
				scopedCtx = ctx.InAbsPath(scope)
			}
			if value, found := scopedCtx.GetParam(name); found {
				fmt.Printf("\t%s=%v\n", paramsPath, value)
			}
		}
	}

	trainer := train.NewTrainer(
		backend, ctx, model.ModelFn(), TrainLossFn,
		optimizers.FromContext(ctx),
		TrainMetrics(),        // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m"))
		if err != nil {
			return errors.Wrap(err, "invalid hyperparameter \"checkpoint_frequency\"")
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	profileFrequency := context.GetParamOr(ctx, ParamLossProfileFrequency, 0)
	if profileFrequency > 0 && profileDS != nil {
		dir := LossProfileDir
		if checkpoint != nil {
			dir = path.Join(checkpoint.Dir(), LossProfileDir)
		} else if config.DataDir != "" {
			dir = path.Join(config.DataDir, LossProfileDir)
		}
		profiler := model.NewLossProfiler(backend, ctx.Reuse(),
			dir, context.GetParamOr(ctx, ParamLossProfileBuckets, 50))
		train.EveryNSteps(loop, profileFrequency, "loss profile", 50,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				spec, inputs, _, err := yieldOrReset(profileDS)
				if err != nil {
					return err
				}
				_, err = profiler.Export(loop.LoopStep, spec, inputs)
				return err
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep >= numTrainSteps {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
		return nil
	}
	if verbosity >= 1 {
		fmt.Println("Starting training:")
	}
	_, err := loop.RunSteps(ds, numTrainSteps-globalStep)
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		fmt.Println(SummarizeParameters(ctx))
	}
	if err != nil {
		if checkpoint != nil && loop.LoopStep > loop.StartStep {
			klog.Infof("Debug checkpoint save before failing at loop step %d", loop.LoopStep)
			if errSave := checkpoint.Save(); errSave != nil {
				klog.Errorf("Error while saving checkpoint before failing: %+v", errSave)
			}
		}
		return errors.WithMessage(err, "training GestureLSM")
	}
	return nil
}

// yieldOrReset yields the next batch of ds, resetting it once if it is exhausted.
func yieldOrReset(ds train.Dataset) (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Yield()
	if err == io.EOF {
		ds.Reset()
		spec, inputs, labels, err = ds.Yield()
	}
	return
}
