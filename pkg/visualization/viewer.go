// Package visualization renders CT slices with their segmentation overlaid
// and writes them as PNG images for review.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"lungmask/internal/models"
)

// Lung window used to map Hounsfield units to gray levels.
const (
	DefaultWindowCenter = -600.0
	DefaultWindowWidth  = 1500.0
)

// overlayAlpha is the weight of the label color over the CT gray level.
const overlayAlpha = 0.45

// palette holds the overlay color of each label, cycling for larger labels.
var palette = []color.RGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 255, G: 225, B: 25, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
}

// LabelColor returns the overlay color of a nonzero label.
func LabelColor(label uint8) color.RGBA {
	return palette[(int(label)-1)%len(palette)]
}

// Viewer renders axis-aligned slices of a CT volume and its mask.
type Viewer struct {
	// volume holds the CT intensities, may be nil to render labels only
	volume *models.Volume

	// mask holds the labels, may be nil to render intensities only
	mask *models.LabelVolume

	// dimensions shared by volume and mask
	width  int
	height int
	depth  int

	// WindowCenter and WindowWidth map HU to gray levels
	WindowCenter float64
	WindowWidth  float64
}

// NewViewer creates a viewer for a volume, its mask, or both. When both are
// given they must share their dimensions.
func NewViewer(volume *models.Volume, mask *models.LabelVolume) (*Viewer, error) {
	v := &Viewer{
		volume:       volume,
		mask:         mask,
		WindowCenter: DefaultWindowCenter,
		WindowWidth:  DefaultWindowWidth,
	}
	switch {
	case volume != nil:
		v.width, v.height, v.depth = volume.Width, volume.Height, volume.Depth
		if mask != nil && (mask.Width != v.width || mask.Height != v.height || mask.Depth != v.depth) {
			return nil, fmt.Errorf("mask is %dx%dx%d, volume is %dx%dx%d",
				mask.Width, mask.Height, mask.Depth, v.width, v.height, v.depth)
		}
	case mask != nil:
		v.width, v.height, v.depth = mask.Width, mask.Height, mask.Depth
	default:
		return nil, fmt.Errorf("nothing to view")
	}
	return v, nil
}

// ExtractSlice renders the plane at position along axis. An x slice is
// laid out depth by height, a y slice width by depth and a z slice width by
// height.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var cols, rows int
	var index func(c, r int) int

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		cols, rows = v.depth, v.height
		index = func(z, y int) int { return z*v.width*v.height + y*v.width + position }

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		cols, rows = v.width, v.depth
		index = func(x, z int) int { return z*v.width*v.height + position*v.width + x }

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		cols, rows = v.width, v.height
		index = func(x, y int) int { return position*v.width*v.height + y*v.width + x }

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.SetRGBA(c, r, v.pixel(index(c, r)))
		}
	}
	return img, nil
}

// pixel blends the windowed intensity with the label color of voxel idx.
func (v *Viewer) pixel(idx int) color.RGBA {
	var gray float64
	if v.volume != nil {
		lo := v.WindowCenter - v.WindowWidth/2
		gray = math.Max(0, math.Min(1, (v.volume.Data[idx]-lo)/v.WindowWidth)) * 255
	}

	var label uint8
	if v.mask != nil {
		label = v.mask.Data[idx]
	}
	if label == 0 {
		g := uint8(math.Round(gray))
		return color.RGBA{R: g, G: g, B: g, A: 255}
	}

	lc := LabelColor(label)
	alpha := overlayAlpha
	if v.volume == nil {
		alpha = 1
	}
	blend := func(c uint8) uint8 {
		return uint8(math.Round(alpha*float64(c) + (1-alpha)*gray))
	}
	return color.RGBA{R: blend(lc.R), G: blend(lc.G), B: blend(lc.B), A: 255}
}

// LabelBounds returns the bounding box of label as the minimum corner and
// the exclusive maximum corner, and false when the label is absent.
func (v *Viewer) LabelBounds(label uint8) (min, max [3]int, ok bool) {
	if v.mask == nil {
		return min, max, false
	}
	min = [3]int{v.width, v.height, v.depth}
	for z := 0; z < v.depth; z++ {
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				if v.mask.Data[z*v.width*v.height+y*v.width+x] != label {
					continue
				}
				ok = true
				p := [3]int{x, y, z}
				for i := range p {
					if p[i] < min[i] {
						min[i] = p[i]
					}
					if p[i]+1 > max[i] {
						max[i] = p[i] + 1
					}
				}
			}
		}
	}
	if !ok {
		return [3]int{}, [3]int{}, false
	}
	return min, max, true
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
