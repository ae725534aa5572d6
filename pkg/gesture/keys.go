// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

// Package gesture holds the conditioning data fed to GestureLSM: the names of the conditioning
// tensors, host batches with their validation, and datasets (loaded from disk or synthetic) that
// yield them to a train.Loop.
package gesture

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Key names one tensor of the conditioning bundle.
type Key string

// Conditioning bundle keys.
const (
	KeyAudioTensor         Key = "audio_tensor"
	KeyAudioLow            Key = "audio_low"
	KeyAudioHigh           Key = "audio_high"
	KeyID                  Key = "id"
	KeySeed                Key = "seed"
	KeyStyleFeature        Key = "style_feature"
	KeyIntentionEmbeddings Key = "intention_embeddings"
	KeyIntentionMask       Key = "intention_mask"
	KeyAudioOnset          Key = "audio_onset"
	KeyWord                Key = "word"

	// KeyAudio is accepted as an alias of KeyAudioTensor in training batches.
	KeyAudio Key = "audio"

	// KeyLatents holds the target latents of a training example, shaped [B, C, 1, L].
	KeyLatents Key = "latents"

	// KeyNoise optionally holds precomputed source noise x0 (reflow datasets).
	KeyNoise Key = "noise"
)

// ErrMissingKey is returned (wrapped) when a required conditioning tensor is absent.
var ErrMissingKey = errors.New("missing conditioning key")

// RequiredKeys returns the conditioning keys every batch must have, in canonical order.
func RequiredKeys() []Key {
	return []Key{
		KeyAudioTensor, KeyAudioLow, KeyAudioHigh, KeyID, KeySeed,
		KeyStyleFeature, KeyIntentionEmbeddings, KeyIntentionMask,
	}
}

// OptionalKeys returns the conditioning keys that may be present.
func OptionalKeys() []Key {
	return []Key{KeyAudioOnset, KeyWord}
}

// Layout is the ordered list of keys of the tensors yielded by a dataset, joined by
// LayoutSeparator. It is passed as the "spec" of train.Dataset.Yield, so graph building functions
// can find inputs by name, and it is comparable so train.Trainer can key its executors by it.
type Layout string

// LayoutSeparator separates the keys of a Layout.
const LayoutSeparator = ","

// NewLayout creates a Layout with the given keys, in order.
func NewLayout(keys ...Key) Layout {
	parts := make([]string, len(keys))
	for ii, key := range keys {
		parts[ii] = string(key)
	}
	return Layout(strings.Join(parts, LayoutSeparator))
}

// Keys returns the keys of the layout, in order.
func (l Layout) Keys() []Key {
	if l == "" {
		return nil
	}
	parts := strings.Split(string(l), LayoutSeparator)
	keys := make([]Key, len(parts))
	for ii, part := range parts {
		keys[ii] = Key(part)
	}
	return keys
}

// Len returns the number of keys in the layout.
func (l Layout) Len() int {
	if l == "" {
		return 0
	}
	return strings.Count(string(l), LayoutSeparator) + 1
}

// Index returns the position of key in the layout, or -1.
func (l Layout) Index(key Key) int {
	return slices.Index(l.Keys(), key)
}

// Has returns whether key is part of the layout.
func (l Layout) Has(key Key) bool {
	return l.Index(key) >= 0
}

// With returns the layout with keys appended.
func (l Layout) With(keys ...Key) Layout {
	return NewLayout(append(l.Keys(), keys...)...)
}

// Validate checks that all required keys are present.
func (l Layout) Validate() error {
	for _, key := range RequiredKeys() {
		if !l.Has(key) {
			return errors.Wrapf(ErrMissingKey, "key %q not in layout %q", key, l)
		}
	}
	return nil
}
