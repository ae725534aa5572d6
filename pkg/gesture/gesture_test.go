// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package gesture

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestBatchValidate(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	dims := DefaultDims()
	b := Synthetic(rng, dims, 5)
	require.NoError(t, b.Validate())
	assert.Equal(t, 5, b.Size())

	// Missing key.
	delete(b, KeyIntentionMask)
	err := b.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))
	assert.Contains(t, err.Error(), string(KeyIntentionMask))

	// Batch size mismatch.
	b = Synthetic(rng, dims, 5)
	b[KeyStyleFeature] = tensors.FromFlatDataAndDimensions(make([]float32, 3*dims.StyleDim), 3, dims.StyleDim)
	require.Error(t, b.Validate())
}

func TestBatchAudioAlias(t *testing.T) {
	b := Synthetic(rand.New(rand.NewPCG(1, 0)), DefaultDims(), 2)
	audio := b[KeyAudioTensor]
	delete(b, KeyAudioTensor)
	b[KeyAudio] = audio
	require.NoError(t, b.Validate())
	assert.Same(t, audio, b[KeyAudioTensor])
	_, found := b[KeyAudio]
	assert.False(t, found)
}

func TestLayout(t *testing.T) {
	dims := DefaultDims()
	dims.VocabSize = 10
	b := Synthetic(rand.New(rand.NewPCG(1, 0)), dims, 2)
	layout := b.Layout()
	require.NoError(t, layout.Validate())
	assert.Equal(t, 0, layout.Index(KeyLatents))
	assert.True(t, layout.Has(KeyWord))
	assert.False(t, layout.Has(KeyAudioOnset))

	values, err := b.Tensors(layout)
	require.NoError(t, err)
	rebuilt, err := FromTensors(layout, values)
	require.NoError(t, err)
	assert.Equal(t, b, rebuilt)

	_, err = FromTensors(layout, values[1:])
	require.Error(t, err)
	require.Error(t, NewLayout(KeyLatents).Validate())

	// Layouts are used as map keys by train.Trainer.
	execs := map[any]int{layout: 1}
	assert.Equal(t, 1, execs[b.Layout()])
	assert.Equal(t, layout.Keys(), NewLayout(layout.Keys()...).Keys())
	assert.Equal(t, len(values), layout.Len())
	assert.Equal(t, layout.Len()+1, layout.With(KeyNoise).Len())
	assert.Zero(t, Layout("").Len())
}

func TestSaveAndLoadDir(t *testing.T) {
	dir := t.TempDir()
	b := Synthetic(rand.New(rand.NewPCG(3, 0)), DefaultDims(), 3)
	require.NoError(t, b.SaveDir(dir))
	loaded, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, b.Layout(), loaded.Layout())
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](b[KeyLatents]),
		tensors.MustCopyFlatData[float32](loaded[KeyLatents]))
	assert.Equal(t,
		tensors.MustCopyFlatData[int32](b[KeyID]),
		tensors.MustCopyFlatData[int32](loaded[KeyID]))

	_, err = LoadDir(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))
}

func TestInMemoryDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dims := DefaultDims()
	b := Synthetic(rand.New(rand.NewPCG(5, 0)), dims, 10)
	ds, layout, err := NewInMemoryDataset(backend, "gesture_test", b, 42)
	require.NoError(t, err)
	ds.BatchSize(4, true)

	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Empty(t, labels)
	assert.Equal(t, layout, spec.(Layout))
	require.Len(t, inputs, layout.Len())
	assert.Equal(t, []int{4, dims.LatentDim, 1, dims.SeqLen}, inputs[layout.Index(KeyLatents)].Shape().Dimensions)
	assert.Equal(t, []int{4}, inputs[layout.Index(KeyID)].Shape().Dimensions)

	delete(b, KeyLatents)
	_, _, err = NewInMemoryDataset(backend, "gesture_test", b, 42)
	require.Error(t, err)
}
