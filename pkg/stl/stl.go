// Package stl turns labelled voxels into a closed triangle surface and
// writes it as a binary STL file.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"lungmask/internal/models"
)

// Triangle is a single facet with its outward unit normal. Vertices are
// ordered counter-clockwise when seen from outside.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Mesher builds the boundary surface of the voxels carrying a label. Each
// voxel face between a selected voxel and anything else becomes two
// triangles, so the surface follows the voxel grid exactly.
type Mesher struct {
	mask  *models.LabelVolume
	label uint8
	scale [3]float32
}

// NewMesher creates a mesher for label in mask. Label 0 selects every
// foreground voxel.
func NewMesher(mask *models.LabelVolume, label uint8) *Mesher {
	return &Mesher{
		mask:  mask,
		label: label,
		scale: [3]float32{1, 1, 1},
	}
}

// SetScale sets the physical voxel size used for vertex coordinates
func (m *Mesher) SetScale(x, y, z float32) {
	m.scale = [3]float32{x, y, z}
}

// inside reports whether the voxel at p is selected. Voxels outside the
// volume never are.
func (m *Mesher) inside(p [3]int) bool {
	if p[0] < 0 || p[1] < 0 || p[2] < 0 || p[0] >= m.mask.Width || p[1] >= m.mask.Height || p[2] >= m.mask.Depth {
		return false
	}
	v := m.mask.Data[p[2]*m.mask.Width*m.mask.Height+p[1]*m.mask.Width+p[0]]
	if m.label == 0 {
		return v != 0
	}
	return v == m.label
}

// GenerateTriangles returns the boundary surface of the selected voxels.
func (m *Mesher) GenerateTriangles() []Triangle {
	var triangles []Triangle
	for z := 0; z < m.mask.Depth; z++ {
		for y := 0; y < m.mask.Height; y++ {
			for x := 0; x < m.mask.Width; x++ {
				p := [3]int{x, y, z}
				if !m.inside(p) {
					continue
				}
				for axis := 0; axis < 3; axis++ {
					for _, dir := range []int{-1, 1} {
						n := p
						n[axis] += dir
						if m.inside(n) {
							continue
						}
						triangles = append(triangles, m.face(p, axis, dir)...)
					}
				}
			}
		}
	}
	return triangles
}

// face returns the two triangles covering the face of voxel p that points
// along dir on axis.
func (m *Mesher) face(p [3]int, axis, dir int) []Triangle {
	b, c := (axis+1)%3, (axis+2)%3

	base := p
	if dir > 0 {
		base[axis]++
	}
	corner := func(db, dc int) [3]float32 {
		q := base
		q[b] += db
		q[c] += dc
		return [3]float32{
			float32(q[0]) * m.scale[0],
			float32(q[1]) * m.scale[1],
			float32(q[2]) * m.scale[2],
		}
	}

	var quad [4][3]float32
	if dir > 0 {
		quad = [4][3]float32{corner(0, 0), corner(1, 0), corner(1, 1), corner(0, 1)}
	} else {
		quad = [4][3]float32{corner(0, 0), corner(0, 1), corner(1, 1), corner(1, 0)}
	}

	var normal [3]float32
	normal[axis] = float32(dir)
	return []Triangle{
		{Normal: normal, Vertex1: quad[0], Vertex2: quad[1], Vertex3: quad[2]},
		{Normal: normal, Vertex1: quad[0], Vertex2: quad[2], Vertex3: quad[3]},
	}
}

// Area returns the total area of the triangles.
func Area(triangles []Triangle) float64 {
	total := 0.0
	for _, t := range triangles {
		var u, v [3]float64
		for i := 0; i < 3; i++ {
			u[i] = float64(t.Vertex2[i] - t.Vertex1[i])
			v[i] = float64(t.Vertex3[i] - t.Vertex1[i])
		}
		cx := u[1]*v[2] - u[2]*v[1]
		cy := u[2]*v[0] - u[0]*v[2]
		cz := u[0]*v[1] - u[1]*v[0]
		total += math.Sqrt(cx*cx+cy*cy+cz*cz) / 2
	}
	return total
}

// WriteSTL writes triangles in binary STL format: an 80 byte header, the
// triangle count and 50 bytes per triangle.
func WriteSTL(w io.Writer, header string, triangles []Triangle) error {
	var head [80]byte
	copy(head[:], header)
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}

	var rec [50]byte
	for _, t := range triangles {
		off := 0
		for _, vec := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, f := range vec {
				binary.LittleEndian.PutUint32(rec[off:], math.Float32bits(f))
				off += 4
			}
		}
		// attribute byte count stays zero
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// SaveToSTL writes triangles to a binary STL file
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := WriteSTL(w, "lungmask surface", triangles); err != nil {
		return fmt.Errorf("failed to write STL file: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write STL file: %w", err)
	}
	return file.Close()
}
