// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

// gesturelsm trains GestureLSM, generates gesture latents from conditioning bundles and exports
// loss profiles.
//
// Datasets are directories with one "<key>.tensor" file per conditioning key (plus
// "latents.tensor" for training), or synthetic data with -synthetic.
//
// Examples:
//
//	gesturelsm -mode=train -synthetic=256 -checkpoint=/tmp/lsm -set="train_steps=1000"
//	gesturelsm -mode=generate -synthetic=4 -checkpoint=/tmp/lsm -output=/tmp/lsm/generated
//	gesturelsm -mode=profile -synthetic=64 -checkpoint=/tmp/lsm
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path"
	"time"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/gesture"
	"github.com/andypinxinliu/Intentional-Gesture/pkg/lsm"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/andypinxinliu/Intentional-Gesture/pkg/lsm/denoiser"
	_ "github.com/andypinxinliu/Intentional-Gesture/pkg/lsm/encoder"
	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagMode       = flag.String("mode", "train", "One of \"train\", \"generate\" or \"profile\".")
	flagDataDir    = flag.String("data", "", "Directory with the dataset tensors. Ignored if -synthetic is set.")
	flagSynthetic  = flag.Int("synthetic", 0, "If > 0, use this many synthetic examples instead of -data.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagConfig     = flag.String("config", "", "YAML file with hyperparameter overrides.")
	flagOutput     = flag.String("output", "", "Directory where generated latents are saved, in -mode=generate.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := lsm.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	var paramsSet []string
	if *flagConfig != "" {
		paramsSet = check1(lsm.LoadYAMLSettings(ctx, *flagConfig))
	}
	paramsSet = append(paramsSet, check1(commandline.ParseContextSettings(ctx, *settings))...)

	backend := backends.MustNew()
	config := check1(lsm.NewConfig(backend, ctx, *flagDataDir, paramsSet))
	err := exceptions.TryCatch[error](func() {
		switch *flagMode {
		case "train":
			check(runTrain(config))
		case "generate":
			check(runGenerate(config))
		case "profile":
			check(runProfile(config))
		default:
			klog.Fatalf("Unknown -mode=%q, valid values are \"train\", \"generate\" and \"profile\"", *flagMode)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// loadBatch loads the dataset from -data, or generates -synthetic examples.
func loadBatch(ctx *context.Context, withLatents bool) (gesture.Batch, error) {
	if *flagSynthetic > 0 {
		dims := gesture.DefaultDims()
		dims.LatentDim = context.GetParamOr(ctx, lsm.ParamInputDim, dims.LatentDim)
		dims.SeqLen = context.GetParamOr(ctx, lsm.ParamSeqLen, dims.SeqLen)
		seed := uint64(context.GetParamOr(ctx, lsm.ParamSeed, 42))
		batch := gesture.Synthetic(rand.New(rand.NewPCG(seed, 1)), dims, *flagSynthetic)
		if !withLatents {
			delete(batch, gesture.KeyLatents)
		}
		return batch, nil
	}
	if *flagDataDir == "" {
		return nil, errors.New("either -data or -synthetic must be given")
	}
	return gesture.LoadDir(*flagDataDir)
}

// newRand returns the host random number generator seeded with "lsm_seed".
func newRand(ctx *context.Context) *rand.Rand {
	seed := uint64(context.GetParamOr(ctx, lsm.ParamSeed, 42))
	return rand.New(rand.NewPCG(seed, 0))
}

// newTrainDataset creates the training dataset, already wrapped with the per-step random values.
func newTrainDataset(config *lsm.Config, model *lsm.GestureLSM, batch gesture.Batch, name string, rng *rand.Rand) (
	train.Dataset, error) {
	seed := int64(context.GetParamOr(config.Context, lsm.ParamSeed, 42))
	base, _, err := gesture.NewInMemoryDataset(config.Backend, name, batch, seed)
	if err != nil {
		return nil, err
	}
	base.Shuffle().Infinite(true).BatchSize(config.BatchSize, true)
	return model.NewTrainDataset(base, rng), nil
}

func runTrain(config *lsm.Config) error {
	batch, err := loadBatch(config.Context, true)
	if err != nil {
		return err
	}
	model, err := lsm.New(config.Context)
	if err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		fmt.Printf("Training on %s examples\n", humanize.Comma(int64(batch.Size())))
	}
	rng := newRand(config.Context)
	ds, err := newTrainDataset(config, model, batch, "train", rng)
	if err != nil {
		return err
	}
	var profileDS train.Dataset
	if context.GetParamOr(config.Context, lsm.ParamLossProfileFrequency, 0) > 0 {
		profileDS, err = newTrainDataset(config, model, batch, "profile", rand.New(rand.NewPCG(rng.Uint64(), 0)))
		if err != nil {
			return err
		}
	}
	return lsm.TrainModel(config, model, ds, profileDS, *flagCheckpoint, *flagVerbosity)
}

// attachCheckpoint loads the trained model, which is required for generation and profiling.
func attachCheckpoint(config *lsm.Config) error {
	if *flagCheckpoint == "" {
		return errors.Errorf("-mode=%s requires a trained model in -checkpoint", *flagMode)
	}
	if err := config.AttachCheckpoint(*flagCheckpoint); err != nil {
		return err
	}
	config.Context = config.Context.Reuse()
	return nil
}

func runGenerate(config *lsm.Config) error {
	if err := attachCheckpoint(config); err != nil {
		return err
	}
	batch, err := loadBatch(config.Context, false)
	if err != nil {
		return err
	}
	model, err := lsm.New(config.Context)
	if err != nil {
		return err
	}
	var bar *progressbar.ProgressBar
	if *flagVerbosity >= 0 {
		bar = progressbar.NewOptions(model.NumInferenceSteps,
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionClearOnFinish())
		model.OnInferenceStep = func(int, int) { _ = bar.Add(1) }
	}

	start := time.Now()
	gen, err := model.Generate(config.Backend, config.Context, batch, newRand(config.Context))
	if err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if *flagVerbosity >= 1 {
		fmt.Printf("Generated %s sequences shaped %s in %s\n",
			humanize.Comma(int64(batch.Size())), gen.Latents.Shape(), time.Since(start))
		fmt.Println(lsm.SummarizeParameters(config.Context))
	}
	if *flagOutput == "" {
		klog.Warning("No -output given, generated latents are not saved")
		return nil
	}
	output := gesture.Batch{gesture.KeyLatents: gen.Latents, gesture.KeyNoise: gen.InitNoise}
	if err = output.SaveDir(*flagOutput); err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		size := uint64(gen.Latents.Shape().Memory() + gen.InitNoise.Shape().Memory())
		fmt.Printf("Saved %s of latents and noise to %q\n", humanize.Bytes(size), *flagOutput)
	}
	return nil
}

func runProfile(config *lsm.Config) error {
	if err := attachCheckpoint(config); err != nil {
		return err
	}
	batch, err := loadBatch(config.Context, true)
	if err != nil {
		return err
	}
	model, err := lsm.New(config.Context)
	if err != nil {
		return err
	}
	ds, err := newTrainDataset(config, model, batch, "profile", newRand(config.Context))
	if err != nil {
		return err
	}
	spec, inputs, _, err := ds.Yield()
	if err != nil {
		return err
	}
	dir := path.Join(config.Checkpoint.Dir(), lsm.LossProfileDir)
	must.M(os.MkdirAll(dir, 0o755))
	profiler := model.NewLossProfiler(config.Backend, config.Context, dir,
		context.GetParamOr(config.Context, lsm.ParamLossProfileBuckets, 50))
	step := int(optimizers.GetGlobalStep(config.Context))
	profile, err := profiler.Export(step, spec, inputs)
	if err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		means := profile.MeanLosses()
		fmt.Printf("Loss profile at step %d (run %s) written to %q: mean loss from %.4g (t=%.3g) to %.4g (t=%.3g)\n",
			step, profiler.RunID, dir, means[0], profile.Times[0], means[len(means)-1], profile.Times[len(means)-1])
	}
	return nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
