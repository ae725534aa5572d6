// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

// Mode selects how the velocity oracle treats conditioning in a Request.
type Mode int

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -text -output=gen_mode_enumer.go mode.go

const (
	// ModeConditional uses the conditioning, except for the examples flagged in
	// Request.ForceUnconditional.
	ModeConditional Mode = iota

	// ModeUnconditional drops the conditioning for every example.
	ModeUnconditional

	// ModeGuided blends conditional and unconditional predictions with classifier-free guidance:
	// uncond + scale·(cond - uncond).
	ModeGuided
)
