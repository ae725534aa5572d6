// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

// ParameterCounts returns the number of parameters (and variables) under the encoder and
// denoiser scopes of ctx.
type ParameterCounts struct {
	Encoder, Denoiser   int
	NumVariables, Total int
}

// CountParameters enumerates the variables of ctx and sums their sizes per model component.
func CountParameters(ctx *context.Context) ParameterCounts {
	var counts ParameterCounts
	encoderPrefix := context.ScopeSeparator + EncoderScope
	denoiserPrefix := context.ScopeSeparator + DenoiserScope
	for v := range ctx.IterVariables() {
		size := v.Shape().Size()
		counts.NumVariables++
		counts.Total += size
		switch {
		case strings.HasPrefix(v.Scope(), encoderPrefix):
			counts.Encoder += size
		case strings.HasPrefix(v.Scope(), denoiserPrefix):
			counts.Denoiser += size
		}
	}
	return counts
}

// SummarizeParameters logs and returns a table with the parameter counts of the encoder and the
// denoiser. Variables are only created once a graph has been built.
func SummarizeParameters(ctx *context.Context) string {
	counts := CountParameters(ctx)
	klog.Infof("Denoiser: %s parameters", humanize.Comma(int64(counts.Denoiser)))
	klog.Infof("Encoder: %s parameters", humanize.Comma(int64(counts.Encoder)))
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			return rowStyle
		}).
		Headers("Component", "# parameters")
	table.Row("encoder", humanize.Comma(int64(counts.Encoder)))
	table.Row("denoiser", humanize.Comma(int64(counts.Denoiser)))
	table.Row("total", humanize.Comma(int64(counts.Total)))
	table.Row("# variables", humanize.Comma(int64(counts.NumVariables)))
	return table.String()
}
