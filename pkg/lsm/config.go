// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"fmt"
	"math"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config holds the configuration of training and generation. See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir holds the dataset tensors (see gesture.LoadDir). It may be empty for synthetic data.
	DataDir string

	// ParamsSet are hyperparameters overridden, that should not be loaded from the checkpoint
	// (see commandline.ParseContextSettings).
	ParamsSet []string

	DType     dtypes.DType
	BatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a configuration from the hyperparameters in ctx.
//
// paramsSet are hyperparameters overridden, that should not be loaded from the checkpoint.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) (*Config, error) {
	if dataDir != "" {
		var err error
		dataDir, err = fsutil.ReplaceTildeInDir(dataDir)
		if err != nil {
			return nil, err
		}
	}
	dtype, err := dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hyperparameter \"dtype\"")
	}
	return &Config{
		Backend:   backend,
		Context:   ctx,
		DataDir:   dataDir,
		ParamsSet: paramsSet,
		DType:     dtype,
		BatchSize: context.GetParamOr(ctx, "batch_size", 32),
	}, nil
}

// AttachCheckpoint creates a checkpoint handler in checkpointPath (relative to DataDir, if not
// absolute), loading the model and hyperparameters if one already exists.
// An empty checkpointPath is a no-op.
func (c *Config) AttachCheckpoint(checkpointPath string) error {
	if checkpointPath == "" {
		return nil
	}
	numCheckpointsToKeep := context.GetParamOr(c.Context, "num_checkpoints", 5)
	checkpoint, err := checkpoints.Build(c.Context).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpointsToKeep).
		ExcludeParams(c.ParamsSet...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "attaching checkpoint %q", checkpointPath)
	}
	c.Checkpoint = checkpoint
	klog.V(1).Infof("checkpoint: %q", checkpoint.Dir())
	return nil
}

// LoadYAMLSettings reads hyperparameter overrides from a YAML file mapping parameter names to
// values. Names may be scoped, as in "/denoiser/denoiser_hidden_dim".
//
// Every parameter must already have a default in ctx, and values are converted to the type of
// the default. It returns the names of the parameters set, to be excluded from loading from a
// checkpoint.
func LoadYAMLSettings(ctx *context.Context, filePath string) (paramsSet []string, err error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file %q", filePath)
	}
	var values map[string]any
	if err = yaml.Unmarshal(contents, &values); err != nil {
		return nil, errors.Wrapf(err, "parsing settings file %q", filePath)
	}
	for key, value := range values {
		scope, name := context.SplitScope(key)
		scopedCtx := ctx
		if scope != "" {
			scopedCtx = ctx.InAbsPath(scope)
		}
		current, found := scopedCtx.GetParam(name)
		if !found {
			return nil, errors.Errorf("settings file %q: key %q not found in hyperparameters", filePath, key)
		}
		converted, err := convertToTypeOf(current, value)
		if err != nil {
			return nil, errors.WithMessagef(err, "settings file %q, key %q", filePath, key)
		}
		scopedCtx.SetParam(name, converted)
		paramsSet = append(paramsSet, key)
	}
	return paramsSet, nil
}

// convertToTypeOf converts a YAML decoded value to the type of reference.
func convertToTypeOf(reference, value any) (any, error) {
	switch reference.(type) {
	case int:
		return toInt(value)
	case float64:
		return toFloat(value)
	case bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case string:
		return fmt.Sprint(value), nil
	case []int:
		list, ok := value.([]any)
		if !ok {
			break
		}
		ints := make([]int, len(list))
		for ii, v := range list {
			var err error
			if ints[ii], err = toInt(v); err != nil {
				return nil, err
			}
		}
		return ints, nil
	case []float64:
		list, ok := value.([]any)
		if !ok {
			break
		}
		floats := make([]float64, len(list))
		for ii, v := range list {
			var err error
			if floats[ii], err = toFloat(v); err != nil {
				return nil, err
			}
		}
		return floats, nil
	default:
		return value, nil
	}
	return nil, errors.Errorf("cannot convert %v (%T) to %T", value, value, reference)
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, errors.Errorf("cannot convert %v (%T) to int", value, value)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("cannot convert %v (%T) to float64", value, value)
}
