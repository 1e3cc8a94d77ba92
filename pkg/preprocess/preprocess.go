// Package preprocess turns a CT volume into the stack of fixed-size,
// normalized slices the segmentation network consumes, and records what is
// needed to map the network's predictions back onto the original slices.
package preprocess

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/floats"

	"lungmask/internal/models"
	"lungmask/pkg/errs"
)

// Policy selects how raw slices are normalized.
type Policy int

const (
	// PolicyHU clips Hounsfield units, optionally crops each slice to the
	// body and rescales the result to [0,1].
	PolicyHU Policy = iota

	// PolicyQualityGate handles non-HU input: each slice is min-max scaled
	// and kept only if an intensity multiplier makes enough of it bright.
	PolicyQualityGate
)

func (p Policy) String() string {
	switch p {
	case PolicyHU:
		return "hu"
	case PolicyQualityGate:
		return "gated"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name onto a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "hu", "HU", "":
		return PolicyHU, nil
	case "gated", "nohu", "noHU":
		return PolicyQualityGate, nil
	}
	return 0, fmt.Errorf("unknown preprocessing policy %q", name)
}

const (
	// HUFloor is the lower clip applied to HU input (air).
	HUFloor = -1024.0

	// bodyThreshold separates body from surrounding air in HU.
	bodyThreshold = -500.0

	// bodyGrid is the resolution the body mask is computed at.
	bodyGrid = 128

	// bodyPad is the background margin around the coarse grid, wider than
	// the erosion depth.
	bodyPad = 4
)

// Options configures the preprocessor.
type Options struct {
	// Policy selects HU or quality-gated normalization
	Policy Policy

	// Resolution is the canonical square slice size fed to the network
	Resolution int

	// HUCap is the upper HU clip (PolicyHU)
	HUCap float64

	// Crop enables cropping each slice to the body bounding box (PolicyHU)
	Crop bool

	// Cutoff is the intensity a pixel must exceed to count as informative
	// (PolicyQualityGate)
	Cutoff float64

	// MinPixels is the number of informative pixels a slice needs to pass
	// the gate (PolicyQualityGate)
	MinPixels int

	// Multipliers is the intensity sweep tried in order (PolicyQualityGate).
	// Nil selects DefaultMultipliers.
	Multipliers []float64
}

// DefaultMultipliers returns 20 evenly spaced multipliers from 0.3 to 2.
func DefaultMultipliers() []float64 {
	return floats.Span(make([]float64, 20), 0.3, 2)
}

// DefaultOptions returns the settings the published models were trained
// with.
func DefaultOptions() Options {
	return Options{
		Policy:     PolicyHU,
		Resolution: 256,
		HUCap:      600,
		Crop:       true,
		Cutoff:     0.6,
		MinPixels:  25000,
	}
}

// SliceStack is the ordered set of canonical slices handed to inference.
type SliceStack struct {
	// Size is the width and height of every slice
	Size int

	// Slices holds Size*Size normalized values per slice
	Slices [][]float32
}

// Len returns the number of slices in the stack.
func (s *SliceStack) Len() int {
	return len(s.Slices)
}

// InverseMapEntry records how one original slice was mapped into the stack.
type InverseMapEntry struct {
	// Index is the position of the slice in the stack, or -1 when the slice
	// was rejected
	Index int

	// Kept is false for slices rejected by the quality gate
	Kept bool

	// Box is the region of the original slice that was resized, in
	// original pixel coordinates
	Box image.Rectangle

	// Width and Height are the dimensions of the original slice
	Width  int
	Height int

	// Multiplier is the accepted intensity multiplier (PolicyQualityGate)
	Multiplier float64
}

// sliceFunc normalizes a single slice. ok is false when the slice must be
// left out of the stack.
type sliceFunc func(values []float64, w, h int, opts Options) (out []float32, entry InverseMapEntry, ok bool)

var policies = map[Policy]sliceFunc{
	PolicyHU:          preprocessHU,
	PolicyQualityGate: preprocessGated,
}

// Slices converts every slice of v into the canonical stack and returns one
// InverseMapEntry per original slice. The volume is read, never modified.
func Slices(v *models.Volume, opts Options) (*SliceStack, []InverseMapEntry, error) {
	fn, ok := policies[opts.Policy]
	if !ok {
		return nil, nil, errs.New("preprocess", errs.ErrConfiguration, "unknown policy %v", opts.Policy)
	}
	if opts.Resolution < 1 {
		return nil, nil, errs.New("preprocess", errs.ErrConfiguration, "resolution must be positive, got %d", opts.Resolution)
	}
	if err := v.Validate(); err != nil {
		return nil, nil, errs.Wrap("preprocess", errs.ErrConfiguration, err)
	}

	stack := &SliceStack{Size: opts.Resolution}
	entries := make([]InverseMapEntry, v.Depth)
	for z := 0; z < v.Depth; z++ {
		out, entry, ok := fn(v.Slice(z), v.Width, v.Height, opts)
		entry.Index = -1
		if ok {
			entry.Index = len(stack.Slices)
			stack.Slices = append(stack.Slices, out)
		}
		entries[z] = entry
	}

	if stack.Len() == 0 {
		return nil, nil, errs.New("preprocess", errs.ErrEmptyInput, "all %d slices rejected", v.Depth)
	}
	return stack, entries, nil
}

// preprocessHU clips to [HUFloor, HUCap], crops to the body when enabled,
// resizes and rescales to [0,1].
func preprocessHU(values []float64, w, h int, opts Options) ([]float32, InverseMapEntry, bool) {
	span := opts.HUCap - HUFloor
	unit := make([]float64, len(values))
	for i, v := range values {
		if v < HUFloor {
			v = HUFloor
		}
		if v > opts.HUCap {
			v = opts.HUCap
		}
		unit[i] = (v - HUFloor) / span
	}

	box := image.Rect(0, 0, w, h)
	if opts.Crop {
		box = bodyBox(values, w, h)
	}

	return resizeUnit(unit, w, box, opts.Resolution), InverseMapEntry{
		Kept:   true,
		Box:    box,
		Width:  w,
		Height: h,
	}, true
}

// preprocessGated min-max scales the slice, resizes it whole and accepts
// it with the first multiplier that lights up more than MinPixels pixels.
func preprocessGated(values []float64, w, h int, opts Options) ([]float32, InverseMapEntry, bool) {
	entry := InverseMapEntry{
		Box:    image.Rect(0, 0, w, h),
		Width:  w,
		Height: h,
	}

	lo, hi := floats.Min(values), floats.Max(values)
	unit := make([]float64, len(values))
	if hi > lo {
		for i, v := range values {
			unit[i] = (v - lo) / (hi - lo)
		}
	}
	resized := resizeUnit(unit, w, entry.Box, opts.Resolution)

	multipliers := opts.Multipliers
	if multipliers == nil {
		multipliers = DefaultMultipliers()
	}
	for _, m := range multipliers {
		bright := 0
		for _, v := range resized {
			if min(float64(v)*m, 1) > opts.Cutoff {
				bright++
			}
		}
		if bright <= opts.MinPixels {
			continue
		}

		out := make([]float32, len(resized))
		for i, v := range resized {
			out[i] = float32(min(float64(v)*m, 1))
		}
		entry.Kept = true
		entry.Multiplier = m
		return out, entry, true
	}
	return nil, entry, false
}

// Weights returns the physical volume of one canonical voxel for each
// slice in the stack, given the spacing of the source volume.
func Weights(entries []InverseMapEntry, spacing models.Spacing, size int) []float64 {
	var out []float64
	for _, e := range entries {
		if !e.Kept {
			continue
		}
		sx := spacing.X * float64(e.Box.Dx()) / float64(size)
		sy := spacing.Y * float64(e.Box.Dy()) / float64(size)
		out = append(out, sx*sy*spacing.Z)
	}
	return out
}
