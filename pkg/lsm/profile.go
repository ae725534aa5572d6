// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/andypinxinliu/Intentional-Gesture/pkg/gesture"
	"github.com/google/uuid"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// LossProfile holds the per-example flow loss of one batch at each time bucket.
type LossProfile struct {
	// Times of the buckets: the first Buckets points of TimeGrid(Buckets, DefaultEpsilon).
	Times []float64

	// Losses[bucket][example] of the flow subset of the batch.
	Losses [][]float32
}

// MeanLosses returns the mean loss of each time bucket.
func (lp *LossProfile) MeanLosses() []float64 {
	means := make([]float64, len(lp.Losses))
	for ii, losses := range lp.Losses {
		values := make([]float64, len(losses))
		for jj, v := range losses {
			values[jj] = float64(v)
		}
		means[ii] = stat.Mean(values, nil)
	}
	return means
}

// WriteTSV writes one line per time bucket: the time followed by the per-example losses, all
// separated by tabs.
func (lp *LossProfile) WriteTSV(w io.Writer) error {
	buf := bufio.NewWriter(w)
	for ii, t := range lp.Times {
		buf.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
		for _, loss := range lp.Losses[ii] {
			buf.WriteByte('\t')
			buf.WriteString(strconv.FormatFloat(float64(loss), 'g', -1, 32))
		}
		buf.WriteByte('\n')
	}
	return buf.Flush()
}

// LossProfiler exports how the flow loss of a training batch varies with t, as a tab-separated
// file and a plot. Create it with GestureLSM.NewLossProfiler.
type LossProfiler struct {
	model   *GestureLSM
	backend backends.Backend
	ctx     *context.Context

	// Dir where the files loss_<step>.csv and loss_<step>.png are written.
	Dir string

	// Buckets is the number of time buckets.
	Buckets int

	// RunID identifies the training run in the plot titles.
	RunID string

	exec   *context.Exec
	layout gesture.Layout
}

// NewLossProfiler creates a LossProfiler writing to dir. The variables of the model are read
// from ctx.
func (m *GestureLSM) NewLossProfiler(backend backends.Backend, ctx *context.Context, dir string, buckets int) *LossProfiler {
	return &LossProfiler{
		model:   m,
		backend: backend,
		ctx:     ctx,
		Dir:     dir,
		Buckets: buckets,
		RunID:   uuid.NewString(),
	}
}

// Compute the loss profile of a batch yielded by a TrainDataset. The batch size must be at least 2,
// so the flow subset is not empty.
func (p *LossProfiler) Compute(spec any, inputs []*tensors.Tensor) (*LossProfile, error) {
	if p.Buckets <= 0 {
		return nil, errors.Errorf("loss profile requires Buckets > 0, got %d", p.Buckets)
	}
	layout, ok := spec.(gesture.Layout)
	if !ok {
		return nil, errors.Errorf("loss profile requires a gesture.Layout as spec, got %T", spec)
	}
	if p.exec == nil {
		p.layout = layout
		var err error
		p.exec, err = context.NewExec(p.backend, p.ctx, func(ctx *context.Context, nodes []*Node) *Node {
			t := nodes[len(nodes)-1]
			in := p.model.lossInputs(ctx, layout, nodes[:len(nodes)-1])
			losses := FlowLossProfile(p.model.oracleContext(ctx), p.model.Oracle, in, t, p.model.Loss)
			return ConvertDType(losses, dtypes.Float32)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "creating loss profile graph")
		}
	} else if layout != p.layout {
		return nil, errors.Errorf("loss profile batch layout changed from %q to %q", p.layout, layout)
	}

	profile := &LossProfile{Times: TimeGrid(p.Buckets, DefaultEpsilon)[:p.Buckets]}
	args := append(tensorsToAny(inputs), float32(0))
	for _, t := range profile.Times {
		args[len(args)-1] = float32(t)
		losses, err := p.exec.Exec1(args...)
		if err != nil {
			return nil, errors.WithMessagef(err, "computing loss profile at t=%g", t)
		}
		profile.Losses = append(profile.Losses, tensors.MustCopyFlatData[float32](losses))
	}
	return profile, nil
}

// Export computes the loss profile of the batch and writes loss_<step>.csv and loss_<step>.png
// into Dir. It returns the profile computed.
func (p *LossProfiler) Export(step int, spec any, inputs []*tensors.Tensor) (*LossProfile, error) {
	profile, err := p.Compute(spec, inputs)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(p.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating loss profile directory %q", p.Dir)
	}
	csvPath := path.Join(p.Dir, fmt.Sprintf("loss_%d.csv", step))
	f, err := os.Create(csvPath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %q", csvPath)
	}
	err = profile.WriteTSV(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "writing %q", csvPath)
	}

	pngPath := path.Join(p.Dir, fmt.Sprintf("loss_%d.png", step))
	if err = p.plot(profile, step, pngPath); err != nil {
		return nil, err
	}
	klog.V(1).Infof("loss profile at step %d written to %q", step, csvPath)
	return profile, nil
}

func (p *LossProfiler) plot(profile *LossProfile, step int, pngPath string) error {
	plt := plot.New()
	plt.Title.Text = fmt.Sprintf("Flow loss at step %d (run %s)", step, p.RunID)
	plt.X.Label.Text = "t"
	plt.Y.Label.Text = "mean loss"
	means := profile.MeanLosses()
	points := make(plotter.XYs, len(means))
	for ii, mean := range means {
		points[ii].X = profile.Times[ii]
		points[ii].Y = mean
	}
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrap(err, "plotting loss profile")
	}
	plt.Add(line)
	if err = plt.Save(8*vg.Inch, 4*vg.Inch, pngPath); err != nil {
		return errors.Wrapf(err, "saving %q", pngPath)
	}
	return nil
}
