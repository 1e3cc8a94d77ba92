// Package morph labels the 3D connected components of label volumes.
package morph

import (
	"fmt"
)

// Component describes one 3D connected component of equal, nonzero labels.
type Component struct {
	// ID is the 1-based component id, assigned in scan order
	ID int32
	// Label is the class shared by every voxel of the component
	Label uint8
	// Voxels is the voxel count
	Voxels int
	// Size is the weighted size: the sum of the per-slice weights of its
	// voxels, or the voxel count when no weights are given
	Size float64
}

// neighbors26 lists the offsets of the full 3x3x3 neighborhood.
var neighbors26 = func() [][3]int {
	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, [3]int{dx, dy, dz})
			}
		}
	}
	return out
}()

// Label3D finds the 26-connected components of equal nonzero labels in a
// w x h x d label array. weights, when non-nil, holds one weight per slice
// (z) used to accumulate Component.Size.
//
// The returned id array has one entry per voxel (0 for background) and the
// components are ordered by id.
func Label3D(labels []uint8, w, h, d int, weights []float64) ([]int32, []Component, error) {
	if len(labels) != w*h*d {
		return nil, nil, fmt.Errorf("label array has %d voxels, expected %d", len(labels), w*h*d)
	}
	if weights != nil && len(weights) != d {
		return nil, nil, fmt.Errorf("got %d slice weights for %d slices", len(weights), d)
	}

	plane := w * h
	ids := make([]int32, len(labels))
	var comps []Component
	var queue []int32

	for start, label := range labels {
		if label == 0 || ids[start] != 0 {
			continue
		}
		id := int32(len(comps) + 1)
		c := Component{ID: id, Label: label}
		ids[start] = id
		queue = append(queue[:0], int32(start))

		for len(queue) > 0 {
			i := int(queue[len(queue)-1])
			queue = queue[:len(queue)-1]
			z := i / plane
			y := (i % plane) / w
			x := i % w

			c.Voxels++
			if weights != nil {
				c.Size += weights[z]
			} else {
				c.Size++
			}

			for _, o := range neighbors26 {
				nx, ny, nz := x+o[0], y+o[1], z+o[2]
				if nx < 0 || ny < 0 || nz < 0 || nx >= w || ny >= h || nz >= d {
					continue
				}
				n := nz*plane + ny*w + nx
				if labels[n] == label && ids[n] == 0 {
					ids[n] = id
					queue = append(queue, int32(n))
				}
			}
		}
		comps = append(comps, c)
	}
	return ids, comps, nil
}
