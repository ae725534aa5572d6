// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package gesture

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Dims describes the shapes of the conditioning bundle and latents of one example.
type Dims struct {
	// LatentDim (C) and SeqLen (L) of the latents, shaped [C, 1, L].
	LatentDim, SeqLen int

	// AudioDim is the per-frame dimension of the raw audio features, shaped [L, AudioDim].
	AudioDim int

	// AudioLowDim and AudioHighDim are the per-frame dimensions of the cached low and high level
	// audio embeddings.
	AudioLowDim, AudioHighDim int

	// SeedLen is the number of seed frames, shaped [C, 1, SeedLen].
	SeedLen int

	// StyleDim is the dimension of the style feature vector.
	StyleDim int

	// NumIntents and IntentDim shape the intention embeddings [NumIntents, IntentDim] and the
	// intention mask [NumIntents].
	NumIntents, IntentDim int

	// NumIDs is the number of speaker (instance) ids.
	NumIDs int

	// VocabSize of the word tokens, shaped [L]. If 0, no word tokens are generated.
	VocabSize int

	// Onset enables the generation of the audio onset, shaped [L].
	Onset bool
}

// DefaultDims returns small dimensions suitable for tests and demos.
func DefaultDims() Dims {
	return Dims{
		LatentDim:    8,
		SeqLen:       32,
		AudioDim:     16,
		AudioLowDim:  16,
		AudioHighDim: 16,
		SeedLen:      4,
		StyleDim:     8,
		NumIntents:   4,
		IntentDim:    16,
		NumIDs:       4,
	}
}

// Synthetic generates n examples with a simple learnable relation between audio and latents:
// each latent channel is a phase-shifted sine of the low-level audio features plus a per-speaker
// offset. It is used for tests and to smoke-test training without a real corpus.
func Synthetic(rng *rand.Rand, dims Dims, n int) Batch {
	normal := func(size int) []float32 {
		values := make([]float32, size)
		for ii := range values {
			values[ii] = float32(rng.NormFloat64())
		}
		return values
	}
	L, C := dims.SeqLen, dims.LatentDim

	audioLow := normal(n * L * dims.AudioLowDim)
	ids := make([]int32, n)
	for ii := range ids {
		ids[ii] = int32(rng.IntN(dims.NumIDs))
	}
	latents := make([]float32, n*C*L)
	for example := range n {
		for c := range C {
			for l := range L {
				a := float64(audioLow[(example*L+l)*dims.AudioLowDim+c%dims.AudioLowDim])
				v := math.Sin(a+float64(c)) + 0.1*float64(ids[example])
				latents[(example*C+c)*L+l] = float32(v)
			}
		}
	}

	intentMask := make([]float32, n*dims.NumIntents)
	for example := range n {
		valid := 1 + rng.IntN(dims.NumIntents)
		for ii := range valid {
			intentMask[example*dims.NumIntents+ii] = 1
		}
	}

	b := Batch{
		KeyLatents:             tensors.FromFlatDataAndDimensions(latents, n, C, 1, L),
		KeyAudioTensor:         tensors.FromFlatDataAndDimensions(normal(n*L*dims.AudioDim), n, L, dims.AudioDim),
		KeyAudioLow:            tensors.FromFlatDataAndDimensions(audioLow, n, L, dims.AudioLowDim),
		KeyAudioHigh:           tensors.FromFlatDataAndDimensions(normal(n*L*dims.AudioHighDim), n, L, dims.AudioHighDim),
		KeyID:                  tensors.FromFlatDataAndDimensions(ids, n),
		KeySeed:                tensors.FromFlatDataAndDimensions(normal(n*C*dims.SeedLen), n, C, 1, dims.SeedLen),
		KeyStyleFeature:        tensors.FromFlatDataAndDimensions(normal(n*dims.StyleDim), n, dims.StyleDim),
		KeyIntentionEmbeddings: tensors.FromFlatDataAndDimensions(normal(n*dims.NumIntents*dims.IntentDim), n, dims.NumIntents, dims.IntentDim),
		KeyIntentionMask:       tensors.FromFlatDataAndDimensions(intentMask, n, dims.NumIntents),
	}
	if dims.Onset {
		onset := make([]float32, n*L)
		for ii := range onset {
			if rng.Float64() < 0.1 {
				onset[ii] = 1
			}
		}
		b[KeyAudioOnset] = tensors.FromFlatDataAndDimensions(onset, n, L)
	}
	if dims.VocabSize > 0 {
		words := make([]int32, n*L)
		for ii := range words {
			words[ii] = int32(rng.IntN(dims.VocabSize))
		}
		b[KeyWord] = tensors.FromFlatDataAndDimensions(words, n, L)
	}
	return b
}
