package pipeline

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"lungmask/internal/models"
	"lungmask/pkg/errs"
	"lungmask/pkg/inference"
	"lungmask/pkg/postprocess"
)

// Default model variants combined by RunFusedVariants.
const (
	DefaultFamily      = "unet"
	DefaultBaseVariant = "LTRCLobes"
	DefaultFillVariant = "R231"
)

// ModelProvider loads a ready-to-evaluate model for a family and variant.
// A non-empty path overrides the published weights.
type ModelProvider interface {
	Get(ctx context.Context, family, variant, path string) (inference.Model, error)
}

// RunFused segments vol with a fine-grained base model and a robust fill
// model and merges the two masks with Fuse. Each model must be a separate
// instance when ParallelFusion is set. A failure of either run stops the
// other one.
func RunFused(ctx context.Context, vol *models.Volume, base, fill inference.Model, opts Options) (*models.LabelVolume, error) {
	log := opts.logger()

	var baseMask, fillMask *models.LabelVolume
	g, gctx := errgroup.WithContext(ctx)
	if !opts.ParallelFusion {
		g.SetLimit(1)
	}
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		log.Info("applying model", "role", "base")
		var err error
		baseMask, err = Run(gctx, vol, base, opts)
		return err
	})
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		log.Info("applying model", "role", "fill")
		var err error
		fillMask, err = Run(gctx, vol, fill, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("fusing results")
	return Fuse(baseMask, fillMask, opts)
}

// RunFusedVariants loads both variants from provider and runs RunFused.
// Empty variant names select LTRCLobes as base and R231 as fill.
func RunFusedVariants(ctx context.Context, provider ModelProvider, vol *models.Volume, baseVariant, fillVariant string, opts Options) (*models.LabelVolume, error) {
	if baseVariant == "" {
		baseVariant = DefaultBaseVariant
	}
	if fillVariant == "" {
		fillVariant = DefaultFillVariant
	}

	base, err := provider.Get(ctx, DefaultFamily, baseVariant, "")
	if err != nil {
		return nil, err
	}
	defer closeModel(base)

	fill, err := provider.Get(ctx, DefaultFamily, fillVariant, "")
	if err != nil {
		return nil, err
	}
	defer closeModel(fill)

	return RunFused(ctx, vol, base, fill, opts)
}

func closeModel(m inference.Model) {
	if c, ok := m.(io.Closer); ok {
		c.Close()
	}
}

// Fuse merges a fine-grained mask with a coarse one. Voxels the base model
// missed but the fill model found get a spare label one above the largest
// base label; voxels the fill model calls background become background.
// The merged mask is then cleaned, keeping two components of the spare
// label.
func Fuse(base, fill *models.LabelVolume, opts Options) (*models.LabelVolume, error) {
	if !base.SameShape(fill) {
		return nil, errs.New("fusion", errs.ErrConfiguration, "base mask is %dx%dx%d, fill mask is %dx%dx%d",
			base.Width, base.Height, base.Depth, fill.Width, fill.Height, fill.Depth)
	}
	top := base.Max()
	if top == 255 {
		return nil, errs.New("fusion", errs.ErrConfiguration, "no spare label left above %d", top)
	}
	spare := top + 1

	merged := base.Clone()
	for i, f := range fill.Data {
		switch {
		case f == 0:
			merged.Data[i] = 0
		case merged.Data[i] == 0:
			merged.Data[i] = spare
		}
	}

	return postprocess.Clean(merged, postprocess.Options{
		Spare:    []uint8{spare},
		Strategy: opts.Strategy,
	})
}
