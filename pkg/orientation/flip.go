// Package orientation maps between the stored array order of a volume and
// the canonical order implied by its direction cosines.
package orientation

import (
	"lungmask/internal/models"
)

// Axes marks which array axes are stored in reverse order.
type Axes struct {
	X, Y, Z bool
}

// Any reports whether at least one axis needs flipping.
func (a Axes) Any() bool {
	return a.X || a.Y || a.Z
}

// FromDirection returns the axes with a negative diagonal direction cosine.
// A zero direction (no orientation metadata) flips nothing.
func FromDirection(d models.Direction) Axes {
	if d.IsZero() {
		return Axes{}
	}
	return Axes{
		X: d[0] < 0,
		Y: d[4] < 0,
		Z: d[8] < 0,
	}
}

// Flip returns a copy of data (laid out z*w*h + y*w + x) with the selected
// axes reversed. Flipping twice with the same axes restores the input.
func Flip[T any](data []T, w, h, d int, axes Axes) []T {
	out := make([]T, len(data))
	if !axes.Any() {
		copy(out, data)
		return out
	}

	for z := 0; z < d; z++ {
		sz := z
		if axes.Z {
			sz = d - 1 - z
		}
		for y := 0; y < h; y++ {
			sy := y
			if axes.Y {
				sy = h - 1 - y
			}
			src := data[sz*w*h+sy*w : sz*w*h+sy*w+w]
			dst := out[z*w*h+y*w : z*w*h+y*w+w]
			if !axes.X {
				copy(dst, src)
				continue
			}
			for x := 0; x < w; x++ {
				dst[x] = src[w-1-x]
			}
		}
	}
	return out
}

// Canonical returns a copy of the volume with flipped axes restored to
// canonical order, and the axes that were flipped.
func Canonical(v *models.Volume) (*models.Volume, Axes) {
	axes := FromDirection(v.Direction)
	c := *v
	c.Data = Flip(v.Data, v.Width, v.Height, v.Depth, axes)
	return &c, axes
}

// Restore flips a label volume computed in canonical order back into the
// stored order of the source volume.
func Restore(l *models.LabelVolume, axes Axes) *models.LabelVolume {
	return &models.LabelVolume{
		Data:   Flip(l.Data, l.Width, l.Height, l.Depth, axes),
		Width:  l.Width,
		Height: l.Height,
		Depth:  l.Depth,
	}
}
