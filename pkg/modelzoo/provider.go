package modelzoo

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"lungmask/pkg/errs"
	"lungmask/pkg/inference"
)

// Weights describes what a Loader needs to build a model.
type Weights struct {
	Family  string
	Variant string
	// URL is the published location, empty for local weights
	URL string
	// Path is the local file holding the weights
	Path    string
	Classes int
}

// Loader turns weights into an evaluable model.
type Loader interface {
	Load(ctx context.Context, w Weights) (inference.Model, error)
}

// LoaderFunc adapts a function into a Loader.
type LoaderFunc func(ctx context.Context, w Weights) (inference.Model, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, w Weights) (inference.Model, error) {
	return f(ctx, w)
}

// Provider resolves models through the registry and the weight cache.
type Provider struct {
	Cache  *Cache
	Loader Loader
	Logger *slog.Logger

	// SkipDownload hands published weights to the loader by URL only,
	// for backends that load them elsewhere
	SkipDownload bool
}

// NewProvider returns a provider caching weights in dir.
func NewProvider(dir string, loader Loader, logger *slog.Logger) *Provider {
	return &Provider{
		Cache:  &Cache{Dir: dir, Logger: logger},
		Loader: loader,
		Logger: logger,
	}
}

// Get returns the model for family and variant. A non-empty path loads
// local weights instead of the published ones; unregistered variants are
// then assumed to predict DefaultClasses classes.
func (p *Provider) Get(ctx context.Context, family, variant, path string) (inference.Model, error) {
	if p.Loader == nil {
		return nil, errs.New("modelzoo", errs.ErrConfiguration, "no model loader")
	}

	w := Weights{Family: family, Variant: variant, Path: path}
	if path != "" {
		if family != FamilyUNet && family != FamilyResUNet {
			return nil, errs.New("modelzoo", errs.ErrConfiguration, "unknown model family %q", family)
		}
		w.Classes = DefaultClasses
		if v, ok := registry[variantKey{FamilyUNet, variant}]; ok {
			w.Classes = v.Classes
		}
	} else if err := p.resolve(ctx, &w); err != nil {
		return nil, err
	}

	p.logger().Info("loading model", "family", family, "variant", variant, "weights", w.Path)
	m, err := p.Loader.Load(ctx, w)
	if err != nil {
		return nil, errs.Wrap("modelzoo", errs.ErrConfiguration, fmt.Errorf("load %s/%s: %w", family, variant, err))
	}
	if m.Classes() != w.Classes {
		if c, ok := m.(io.Closer); ok {
			c.Close()
		}
		return nil, errs.New("modelzoo", errs.ErrConfiguration,
			"%s/%s predicts %d classes, expected %d", family, variant, m.Classes(), w.Classes)
	}
	return m, nil
}

// resolve fills in the published weights of w, downloading them unless
// SkipDownload is set.
func (p *Provider) resolve(ctx context.Context, w *Weights) error {
	v, err := Lookup(w.Family, w.Variant)
	if err != nil {
		return errs.Wrap("modelzoo", errs.ErrConfiguration, err)
	}
	w.URL = v.URL
	w.Classes = v.Classes
	if p.SkipDownload {
		return nil
	}
	if p.Cache == nil {
		return errs.New("modelzoo", errs.ErrConfiguration, "no weight cache for %s/%s", w.Family, w.Variant)
	}
	w.Path, err = p.Cache.Fetch(ctx, v.URL)
	if err != nil {
		return errs.Wrap("modelzoo", errs.ErrConfiguration, err)
	}
	return nil
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}
