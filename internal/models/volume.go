package models

import (
	"fmt"
)

// Spacing is the physical size of a voxel along each array axis in mm.
type Spacing struct {
	X, Y, Z float64
}

// VoxelVolume returns the physical volume of a single voxel in mm³.
func (s Spacing) VoxelVolume() float64 {
	return s.X * s.Y * s.Z
}

// IsZero reports whether no spacing information is available.
func (s Spacing) IsZero() bool {
	return s.X == 0 && s.Y == 0 && s.Z == 0
}

// Direction holds the 3x3 direction cosine matrix in row-major order,
// indexed in physical x, y, z order. The zero value means the volume
// carries no orientation metadata.
type Direction [9]float64

// Identity returns the direction of an axis-aligned, unflipped volume.
func Identity() Direction {
	return Direction{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// IsZero reports whether the direction matrix is unset.
func (d Direction) IsZero() bool {
	return d == Direction{}
}

// Volume represents a CT volume as loaded from disk.
type Volume struct {
	// Data holds the voxel intensities in row-major order:
	// index = z*Width*Height + y*Width + x.
	// The z axis is the slicing (primary) axis.
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of slices along z
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing Spacing

	// Direction holds the orientation of the volume axes. Negative
	// diagonal entries mark axes stored in reverse order.
	Direction Direction
}

// NewVolume allocates a zero-filled volume with unit spacing and no
// orientation metadata.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: Spacing{X: 1, Y: 1, Z: 1},
	}
}

// Validate checks that the voxel buffer matches the declared dimensions.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth < 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("volume data has %d voxels, expected %d", len(v.Data), v.Width*v.Height*v.Depth)
	}
	return nil
}

// Slice returns the voxels of slice z. The returned slice aliases the
// volume data.
func (v *Volume) Slice(z int) []float64 {
	n := v.Width * v.Height
	return v.Data[z*n : (z+1)*n]
}

// SliceArea returns the number of voxels in a single slice.
func (v *Volume) SliceArea() int {
	return v.Width * v.Height
}

// LabelVolume is a 3D array of class indices sharing the layout of Volume.
// Background is 0.
type LabelVolume struct {
	Data   []uint8
	Width  int
	Height int
	Depth  int
}

// NewLabelVolume allocates an all-background label volume.
func NewLabelVolume(width, height, depth int) *LabelVolume {
	return &LabelVolume{
		Data:   make([]uint8, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Slice returns the labels of slice z. The returned slice aliases the
// volume data.
func (l *LabelVolume) Slice(z int) []uint8 {
	n := l.Width * l.Height
	return l.Data[z*n : (z+1)*n]
}

// At returns the label at (x, y, z).
func (l *LabelVolume) At(x, y, z int) uint8 {
	return l.Data[z*l.Width*l.Height+y*l.Width+x]
}

// SameShape reports whether both label volumes share their dimensions.
func (l *LabelVolume) SameShape(o *LabelVolume) bool {
	return l.Width == o.Width && l.Height == o.Height && l.Depth == o.Depth
}

// Max returns the largest label value present.
func (l *LabelVolume) Max() uint8 {
	var m uint8
	for _, v := range l.Data {
		if v > m {
			m = v
		}
	}
	return m
}

// Clone returns a deep copy of the label volume.
func (l *LabelVolume) Clone() *LabelVolume {
	c := &LabelVolume{
		Data:   make([]uint8, len(l.Data)),
		Width:  l.Width,
		Height: l.Height,
		Depth:  l.Depth,
	}
	copy(c.Data, l.Data)
	return c
}
