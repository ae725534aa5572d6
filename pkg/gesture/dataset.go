// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package gesture

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorFileExt is the extension of the tensor files of a dataset directory.
const TensorFileExt = ".tensor"

// knownKeys are the keys looked up when loading a dataset directory.
func knownKeys() []Key {
	keys := []Key{KeyLatents, KeyAudio}
	keys = append(keys, RequiredKeys()...)
	keys = append(keys, OptionalKeys()...)
	return append(keys, KeyNoise)
}

// LoadDir loads a Batch from a directory with one "<key>.tensor" file per key, as written by
// Batch.SaveDir. Missing required keys are reported with ErrMissingKey.
func LoadDir(dir string) (Batch, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	b := make(Batch)
	for _, key := range knownKeys() {
		filePath := filepath.Join(dir, string(key)+TensorFileExt)
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return nil, errors.WithMessagef(err, "checking dataset file %q", filePath)
		}
		if !exists {
			continue
		}
		t, err := tensors.Load(filePath)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading dataset file %q", filePath)
		}
		b[key] = t
		klog.V(1).Infof("loaded %q: %s", key, t.Shape())
	}
	if err = b.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset in %q", dir)
	}
	return b, nil
}

// SaveDir saves each tensor of the batch to "<dir>/<key>.tensor", creating dir if needed.
func (b Batch) SaveDir(dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating dataset directory %q", dir)
	}
	for _, key := range b.sortedKeys() {
		filePath := filepath.Join(dir, string(key)+TensorFileExt)
		if err = b[key].Save(filePath); err != nil {
			return errors.WithMessagef(err, "saving %q", filePath)
		}
	}
	return nil
}

// NewInMemoryDataset creates an InMemoryDataset that yields the tensors of b in the order of
// b.Layout(), which is also the "spec" returned by Yield.
//
// The returned dataset is not batched: configure it with BatchSize, Shuffle and Infinite.
// seed makes shuffling reproducible.
func NewInMemoryDataset(backend backends.Backend, name string, b Batch, seed int64) (*datasets.InMemoryDataset, Layout, error) {
	if err := b.Validate(); err != nil {
		return nil, "", err
	}
	if _, found := b[KeyLatents]; !found {
		return nil, "", errors.Wrapf(ErrMissingKey, "training dataset requires key %q", KeyLatents)
	}
	layout := b.Layout()
	values, err := b.Tensors(layout)
	if err != nil {
		return nil, "", err
	}
	inputs := make([]any, len(values))
	for ii, value := range values {
		inputs[ii] = value
	}
	ds, err := datasets.InMemoryFromData(backend, name, inputs, nil)
	if err != nil {
		return nil, "", errors.WithMessagef(err, "creating in-memory dataset %q", name)
	}
	ds.WithSpec(layout).WithRand(rand.New(rand.NewSource(seed)))
	return ds, layout, nil
}
