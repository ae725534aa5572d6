// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder implements a linear modality encoder for lsm.GestureLSM, registered as
// "linear".
//
// The low-level feature ("at_feat") projects the raw and low-level audio features (plus onsets and
// word embeddings, when present). The high-level feature ("intent_feat") projects the high-level
// audio features and adds the masked mean of the intention embeddings to every frame.
package encoder

import (
	"github.com/andypinxinliu/Intentional-Gesture/pkg/lsm"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Name under which the encoder is registered.
const Name = "linear"

const (
	// ParamHiddenDim is the size of the encoded features.
	ParamHiddenDim = "encoder_hidden_dim"

	// ParamVocabSize is the size of the word vocabulary, used only if words are given.
	ParamVocabSize = "encoder_vocab_size"

	// ParamUseIntent enables the high-level feature. If false, Features.AudioHigh is nil.
	ParamUseIntent = "encoder_use_intent"
)

func init() {
	lsm.RegisterEncoder(Name, func(ctx *context.Context) (lsm.ModalityEncoder, error) {
		return New(ctx)
	})
}

// Linear projects each modality and sums them.
type Linear struct {
	HiddenDim, VocabSize int
	UseIntent            bool
}

var _ lsm.ModalityEncoder = (*Linear)(nil)

// New creates a Linear encoder configured from the hyperparameters in ctx.
func New(ctx *context.Context) (*Linear, error) {
	e := &Linear{
		HiddenDim: context.GetParamOr(ctx, ParamHiddenDim, 64),
		VocabSize: context.GetParamOr(ctx, ParamVocabSize, 1000),
		UseIntent: context.GetParamOr(ctx, ParamUseIntent, true),
	}
	if e.HiddenDim <= 0 || e.VocabSize <= 0 {
		return nil, errors.Errorf("invalid linear encoder dimensions: %s=%d, %s=%d",
			ParamHiddenDim, e.HiddenDim, ParamVocabSize, e.VocabSize)
	}
	return e, nil
}

// Encode implements lsm.ModalityEncoder.
func (e *Linear) Encode(ctx *context.Context, cond *lsm.Conditioning) lsm.Features {
	audioLow := cond.AudioLow
	if audioLow.Rank() != 3 {
		exceptions.Panicf("audio_low must be shaped [batch, seq_len, dim], got %s", audioLow.Shape())
	}
	dtype := audioLow.DType()
	seqLen := audioLow.Shape().Dimensions[1]

	lowInputs := []*Node{audioLow, ConvertDType(cond.AudioTensor, dtype)}
	if cond.AudioOnset != nil {
		onset := ConvertDType(cond.AudioOnset, dtype)
		if onset.Rank() == 2 {
			onset = InsertAxes(onset, -1)
		}
		lowInputs = append(lowInputs, onset)
	}
	atFeat := layers.Dense(ctx.In("low_projection"), Concatenate(lowInputs, -1), true, e.HiddenDim)
	if cond.Word != nil {
		if cond.Word.Rank() != 2 || cond.Word.Shape().Dimensions[1] != seqLen {
			exceptions.Panicf("word must be shaped [batch, %d], got %s", seqLen, cond.Word.Shape())
		}
		atFeat = Add(atFeat, layers.Embedding(ctx.In("word_embedding"), cond.Word, dtype, e.VocabSize, e.HiddenDim))
	}
	features := lsm.Features{AudioLow: atFeat}
	if !e.UseIntent {
		return features
	}

	intentFeat := layers.Dense(ctx.In("high_projection"), ConvertDType(cond.AudioHigh, dtype), true, e.HiddenDim)
	intent := layers.Dense(ctx.In("intent_projection"),
		MaskedMean(ConvertDType(cond.IntentionEmbeddings, dtype), cond.IntentionMask), true, e.HiddenDim)
	intent = BroadcastToDims(InsertAxes(intent, 1), intent.Shape().Dimensions[0], seqLen, e.HiddenDim)
	features.AudioHigh = Add(intentFeat, intent)
	return features
}

// MaskedMean returns the mean of embeddings [B, N, D] over the N axis, weighted by mask [B, N].
// Examples with an all-zero mask get zeros.
func MaskedMean(embeddings, mask *Node) *Node {
	mask = ConvertDType(mask, embeddings.DType())
	sum := ReduceSum(Mul(embeddings, InsertAxes(mask, -1)), 1)
	count := ReduceSum(mask, 1)
	count = Max(count, OnesLike(count))
	return Div(sum, InsertAxes(count, -1))
}
