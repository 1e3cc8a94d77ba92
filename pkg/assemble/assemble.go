// Package assemble maps canonical label slices back onto the geometry and
// orientation of the source volume.
package assemble

import (
	"image"

	"golang.org/x/image/draw"

	"lungmask/internal/models"
	"lungmask/pkg/errs"
	"lungmask/pkg/orientation"
	"lungmask/pkg/preprocess"
)

// Assemble builds the final mask: every kept slice of labels is resized with
// nearest-neighbor sampling into its recorded crop box, rejected slices are
// left as background, and flipped axes are restored. The result has
// width x height x len(entries) voxels.
func Assemble(labels *models.LabelVolume, entries []preprocess.InverseMapEntry, width, height int, axes orientation.Axes) (*models.LabelVolume, error) {
	if labels.Width != labels.Height {
		return nil, errs.New("assemble", errs.ErrShapeInvariant, "canonical slices are %dx%d, expected square", labels.Width, labels.Height)
	}

	out := models.NewLabelVolume(width, height, len(entries))
	bounds := image.Rect(0, 0, width, height)
	canonical := image.Rect(0, 0, labels.Width, labels.Height)

	for z, e := range entries {
		if !e.Kept {
			continue
		}
		if e.Width != width || e.Height != height {
			return nil, errs.New("assemble", errs.ErrShapeInvariant,
				"slice shape %dx%d differs from volume shape %dx%d", e.Width, e.Height, width, height).AtSlice(z)
		}
		if e.Box.Empty() || !e.Box.In(bounds) {
			return nil, errs.New("assemble", errs.ErrShapeInvariant, "crop box %v outside %v", e.Box, bounds).AtSlice(z)
		}
		if e.Index < 0 || e.Index >= labels.Depth {
			return nil, errs.New("assemble", errs.ErrShapeInvariant,
				"stack index %d outside %d label slices", e.Index, labels.Depth).AtSlice(z)
		}

		src := &image.Gray{Pix: labels.Slice(e.Index), Stride: labels.Width, Rect: canonical}
		dst := &image.Gray{Pix: out.Slice(z), Stride: width, Rect: bounds}
		draw.NearestNeighbor.Scale(dst, e.Box, src, canonical, draw.Src, nil)
	}

	if len(out.Data) != width*height*len(entries) {
		return nil, errs.New("assemble", errs.ErrShapeInvariant, "assembled %d voxels", len(out.Data))
	}
	return orientation.Restore(out, axes), nil
}
