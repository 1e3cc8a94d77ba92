package inference

import (
	"context"
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"lungmask/internal/models"
	"lungmask/pkg/errs"
	"lungmask/pkg/preprocess"
)

// LabelSlice holds one class index per pixel of a canonical slice.
type LabelSlice []uint8

// Runner feeds a slice stack through a model in fixed-size batches.
type Runner struct {
	// Model is the network to evaluate
	Model Model

	// BatchSize is the number of slices per evaluation
	BatchSize int

	// ForceFallback runs on the fallback device even when an accelerator
	// is available
	ForceFallback bool

	// Accelerator reports whether an accelerator can be used. Nil selects
	// AcceleratorAvailable.
	Accelerator func() bool

	// Logger receives progress records. Nil discards them.
	Logger *slog.Logger
}

// Device resolves the device to run on and the effective batch size. Without
// an accelerator the runner falls back to the CPU and processes one slice at
// a time; an explicit ForceFallback keeps the requested batch size.
func (r *Runner) Device() (Device, int) {
	if r.ForceFallback {
		return DeviceFallback, r.BatchSize
	}
	available := r.Accelerator
	if available == nil {
		available = AcceleratorAvailable
	}
	if available() {
		return DeviceAccelerated, r.BatchSize
	}
	r.logger().Info("no accelerator available, falling back to CPU with batch size 1; this is significantly slower")
	return DeviceFallback, 1
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// Run evaluates every slice of the stack and returns one label slice per
// input slice, in input order. Any failed batch or a canceled context
// aborts the run.
func (r *Runner) Run(ctx context.Context, stack *preprocess.SliceStack) ([]LabelSlice, error) {
	if r.Model == nil {
		return nil, errs.New("inference", errs.ErrConfiguration, "no model")
	}
	if r.BatchSize < 1 {
		return nil, errs.New("inference", errs.ErrConfiguration, "batch size must be positive, got %d", r.BatchSize)
	}
	classes := r.Model.Classes()
	if classes < 1 || classes > 256 {
		return nil, errs.New("inference", errs.ErrConfiguration, "model reports %d classes, labels must fit in 8 bits", classes)
	}
	if stack == nil || stack.Len() == 0 {
		return nil, errs.New("inference", errs.ErrEmptyInput, "")
	}

	device, batchSize := r.Device()
	if p, ok := r.Model.(Placer); ok {
		if err := p.Place(device); err != nil {
			return nil, errs.Wrap("inference", errs.ErrInference, err)
		}
	}
	r.logger().Debug("running inference", "slices", stack.Len(), "batch_size", batchSize, "device", device.String())

	size := stack.Size
	plane := size * size
	out := make([]LabelSlice, 0, stack.Len())

	for start := 0; start < stack.Len(); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap("inference", errs.ErrInference, err).AtSlice(start)
		}
		end := min(start+batchSize, stack.Len())
		batch := Batch{
			Data:   make([]float32, (end-start)*plane),
			N:      end - start,
			Height: size,
			Width:  size,
		}
		for i := start; i < end; i++ {
			copy(batch.Data[(i-start)*plane:], stack.Slices[i])
		}

		scores, err := r.Model.Evaluate(ctx, batch)
		if err != nil {
			return nil, errs.Wrap("inference", errs.ErrInference, err).AtSlice(start)
		}
		if err := checkScores(scores, batch, classes); err != nil {
			return nil, err.AtSlice(start)
		}
		out = append(out, collapse(scores)...)
	}
	return out, nil
}

func checkScores(s Scores, b Batch, classes int) *errs.StageError {
	if s.N != b.N || s.Height != b.Height || s.Width != b.Width {
		return errs.New("inference", errs.ErrInference,
			"model returned scores of shape %dx%dx%d for a batch of %dx%dx%d", s.N, s.Height, s.Width, b.N, b.Height, b.Width)
	}
	if s.Classes != classes {
		return errs.New("inference", errs.ErrInference, "model returned %d classes, expected %d", s.Classes, classes)
	}
	if len(s.Data) != s.N*s.Classes*s.Height*s.Width {
		return errs.New("inference", errs.ErrInference, "score buffer has %d values, expected %d", len(s.Data), s.N*s.Classes*s.Height*s.Width)
	}
	return nil
}

// collapse takes the arg-max over the class axis. Ties go to the lowest
// class index.
func collapse(s Scores) []LabelSlice {
	plane := s.Height * s.Width
	out := make([]LabelSlice, s.N)
	scores := make([]float64, s.Classes)

	for n := 0; n < s.N; n++ {
		labels := make(LabelSlice, plane)
		base := n * s.Classes * plane
		for p := 0; p < plane; p++ {
			for c := 0; c < s.Classes; c++ {
				scores[c] = float64(s.Data[base+c*plane+p])
			}
			labels[p] = uint8(floats.MaxIdx(scores))
		}
		out[n] = labels
	}
	return out
}

// Stack assembles label slices of the given size into a label volume.
func Stack(slices []LabelSlice, size int) *models.LabelVolume {
	vol := models.NewLabelVolume(size, size, len(slices))
	for z, s := range slices {
		copy(vol.Slice(z), s)
	}
	return vol
}
