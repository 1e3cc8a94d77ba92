// Package pipeline segments lungs in CT volumes by chaining the slice
// preprocessor, the batched inference runner, the volumetric postprocessor
// and the result assembler.
//
// The pipeline runs in two phases. RunDeferred preprocesses the volume and
// evaluates the model; the returned Handle resolves the predictions into
// the final mask on demand. Run does both in one call. RunFused combines two
// models, using the coarse one to fill the gaps of the fine one.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lungmask/internal/models"
	"lungmask/pkg/assemble"
	"lungmask/pkg/errs"
	"lungmask/pkg/inference"
	"lungmask/pkg/orientation"
	"lungmask/pkg/postprocess"
	"lungmask/pkg/preprocess"
)

// Error kinds reported by the pipeline. Match them with errors.Is.
var (
	ErrConfiguration  = errs.ErrConfiguration
	ErrEmptyInput     = errs.ErrEmptyInput
	ErrInference      = errs.ErrInference
	ErrShapeInvariant = errs.ErrShapeInvariant
)

// Options configures a pipeline run.
type Options struct {
	// BatchSize is the number of slices evaluated at once
	BatchSize int

	// ForceFallback runs the model on the CPU even when a GPU is available
	ForceFallback bool

	// Postprocess enables connected-component cleanup
	Postprocess bool

	// Preprocess configures slice normalization
	Preprocess preprocess.Options

	// Ranking selects voxel-count or physical-volume component ranking
	Ranking postprocess.Ranking

	// Strategy selects how dropped components are handled
	Strategy postprocess.Strategy

	// ParallelFusion runs the two models of RunFused concurrently
	ParallelFusion bool

	// Accelerator overrides accelerator detection, mainly for tests
	Accelerator func() bool

	// Logger receives progress records. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns the settings of a standard HU run.
func DefaultOptions() Options {
	return Options{
		BatchSize:   20,
		Postprocess: true,
		Preprocess:  preprocess.DefaultOptions(),
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Handle holds the predictions of a deferred run until they are resolved.
type Handle struct {
	id      uuid.UUID
	opts    Options
	labels  []inference.LabelSlice
	size    int
	entries []preprocess.InverseMapEntry
	width   int
	height  int
	axes    orientation.Axes
	weights []float64

	once sync.Once
	mask *models.LabelVolume
	err  error
}

// ID identifies the run in log records.
func (h *Handle) ID() string {
	return h.id.String()
}

// Run segments vol with model and returns the mask. It blocks until the
// mask is complete.
func Run(ctx context.Context, vol *models.Volume, model inference.Model, opts Options) (*models.LabelVolume, error) {
	h, err := RunDeferred(ctx, vol, model, opts)
	if err != nil {
		return nil, err
	}
	return h.Resolve()
}

// RunDeferred preprocesses vol and evaluates model on it. Postprocessing
// and assembly are left to Handle.Resolve.
func RunDeferred(ctx context.Context, vol *models.Volume, model inference.Model, opts Options) (*Handle, error) {
	if vol == nil {
		return nil, errs.New("pipeline", errs.ErrConfiguration, "no volume")
	}
	if model == nil {
		return nil, errs.New("pipeline", errs.ErrConfiguration, "no model")
	}
	if err := vol.Validate(); err != nil {
		return nil, errs.Wrap("pipeline", errs.ErrConfiguration, err)
	}

	h := &Handle{
		id:     uuid.New(),
		opts:   opts,
		width:  vol.Width,
		height: vol.Height,
	}
	log := opts.logger().With("run", h.ID())
	start := time.Now()

	// Step 1: bring the volume into canonical orientation
	canonical, axes := orientation.Canonical(vol)
	h.axes = axes
	if axes.Any() {
		log.Debug("flipped volume axes", "x", axes.X, "y", axes.Y, "z", axes.Z)
	}

	// Step 2: normalize and resize the slices
	stack, entries, err := preprocess.Slices(canonical, opts.Preprocess)
	if err != nil {
		return nil, err
	}
	h.entries = entries
	h.size = stack.Size
	log.Debug("preprocessed slices", "policy", opts.Preprocess.Policy.String(), "kept", stack.Len(), "total", vol.Depth)

	if opts.Ranking == postprocess.RankByVolume {
		spacing := vol.Spacing
		if spacing.IsZero() {
			spacing = models.Spacing{X: 1, Y: 1, Z: 1}
		}
		h.weights = preprocess.Weights(entries, spacing, stack.Size)
	}

	// Step 3: evaluate the model batch by batch
	runner := &inference.Runner{
		Model:         model,
		BatchSize:     opts.BatchSize,
		ForceFallback: opts.ForceFallback,
		Accelerator:   opts.Accelerator,
		Logger:        log,
	}
	h.labels, err = runner.Run(ctx, stack)
	if err != nil {
		return nil, err
	}
	log.Info("inference complete", "slices", len(h.labels), "elapsed", time.Since(start))
	return h, nil
}

// Resolve postprocesses the predictions and maps them back onto the source
// volume. The work happens once; every call returns its own copy of the
// mask, or the same error.
func (h *Handle) Resolve() (*models.LabelVolume, error) {
	h.once.Do(func() {
		h.mask, h.err = h.resolve()
		h.labels = nil
	})
	if h.err != nil {
		return nil, h.err
	}
	return h.mask.Clone(), nil
}

func (h *Handle) resolve() (*models.LabelVolume, error) {
	log := h.opts.logger().With("run", h.ID())

	// Step 4: stack the label slices and clean them up
	labels := inference.Stack(h.labels, h.size)
	if h.opts.Postprocess {
		var err error
		labels, err = postprocess.Clean(labels, postprocess.Options{
			Ranking:  h.opts.Ranking,
			Weights:  h.weights,
			Strategy: h.opts.Strategy,
		})
		if err != nil {
			return nil, err
		}
		log.Debug("postprocessed labels")
	}

	// Step 5: map the labels back onto the source geometry
	mask, err := assemble.Assemble(labels, h.entries, h.width, h.height, h.axes)
	if err != nil {
		return nil, err
	}
	return mask, nil
}
