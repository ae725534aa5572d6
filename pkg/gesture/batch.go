// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package gesture

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is a host-side conditioning bundle (optionally with target latents), keyed by name.
// All tensors share the same leading batch dimension.
type Batch map[Key]*tensors.Tensor

// Normalize renames the KeyAudio alias to KeyAudioTensor, if the latter is not set.
// It returns the batch itself for chaining.
func (b Batch) Normalize() Batch {
	if audio, found := b[KeyAudio]; found {
		if _, hasTensor := b[KeyAudioTensor]; !hasTensor {
			b[KeyAudioTensor] = audio
		}
		delete(b, KeyAudio)
	}
	return b
}

// Get returns the tensor for key, or an error wrapping ErrMissingKey.
func (b Batch) Get(key Key) (*tensors.Tensor, error) {
	t, found := b[key]
	if !found || t == nil {
		return nil, errors.Wrapf(ErrMissingKey, "key %q", key)
	}
	return t, nil
}

// Size returns the leading (batch) dimension of the bundle, or 0 if it is empty.
func (b Batch) Size() int {
	for _, key := range b.sortedKeys() {
		if shape := b[key].Shape(); shape.Rank() > 0 {
			return shape.Dimensions[0]
		}
	}
	return 0
}

// Validate checks that the required keys are present (after Normalize) and that all tensors
// share the same leading batch dimension.
func (b Batch) Validate() error {
	b.Normalize()
	for _, key := range RequiredKeys() {
		if _, err := b.Get(key); err != nil {
			return err
		}
	}
	batchSize := -1
	var firstKey Key
	for _, key := range b.sortedKeys() {
		shape := b[key].Shape()
		if shape.Rank() == 0 {
			return errors.Errorf("conditioning tensor %q is a scalar, it must have a leading batch dimension", key)
		}
		if batchSize < 0 {
			batchSize, firstKey = shape.Dimensions[0], key
			continue
		}
		if shape.Dimensions[0] != batchSize {
			return errors.Errorf("conditioning tensor %q has batch size %d, but %q has batch size %d",
				key, shape.Dimensions[0], firstKey, batchSize)
		}
	}
	return nil
}

// Layout returns the canonical ordering of the keys present in the batch: latents first (if
// present), then the required keys, the optional keys and finally the source noise.
func (b Batch) Layout() Layout {
	var keys []Key
	if _, found := b[KeyLatents]; found {
		keys = append(keys, KeyLatents)
	}
	keys = append(keys, RequiredKeys()...)
	for _, key := range OptionalKeys() {
		if _, found := b[key]; found {
			keys = append(keys, key)
		}
	}
	if _, found := b[KeyNoise]; found {
		keys = append(keys, KeyNoise)
	}
	return NewLayout(keys...)
}

// Tensors returns the batch tensors in the order of layout.
func (b Batch) Tensors(layout Layout) ([]*tensors.Tensor, error) {
	values := make([]*tensors.Tensor, 0, layout.Len())
	for _, key := range layout.Keys() {
		t, err := b.Get(key)
		if err != nil {
			return nil, err
		}
		values = append(values, t)
	}
	return values, nil
}

// FromTensors builds a Batch from tensors ordered by layout.
func FromTensors(layout Layout, values []*tensors.Tensor) (Batch, error) {
	if layout.Len() != len(values) {
		return nil, errors.Errorf("layout has %d keys, but got %d tensors", layout.Len(), len(values))
	}
	b := make(Batch, len(values))
	for ii, key := range layout.Keys() {
		b[key] = values[ii]
	}
	return b, nil
}

func (b Batch) sortedKeys() []Key {
	return slices.Sorted(maps.Keys(b))
}
