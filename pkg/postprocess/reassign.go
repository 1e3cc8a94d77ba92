package postprocess

import (
	"sort"

	"lungmask/internal/models"
	"lungmask/pkg/morph"
)

// faces lists the 6 face-adjacent offsets used to measure shared borders.
var faces = [][3]int{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}

// reassign sets final[id] for every dropped component to the label of the
// component it merges into. Dropped components are visited from smallest to
// largest; each merges into the neighbor it shares the most face-adjacent
// voxels with, and a chain of merges ends at a retained component or at
// background.
func reassign(vol *models.LabelVolume, ids []int32, comps []morph.Component, kept []bool, final []uint8) {
	borders := sharedBorders(vol, ids, kept)

	// comps[i].ID is i+1
	order := make([]int32, 0, len(comps))
	for _, c := range comps {
		if !kept[c.ID] {
			order = append(order, c.ID)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return comps[order[i]-1].Size < comps[order[j]-1].Size
	})

	parent := make([]int32, len(comps)+1)
	find := func(id int32) int32 {
		for parent[id] != 0 {
			id = parent[id]
		}
		return id
	}

	for _, id := range order {
		neighbors := borders[id]
		candidates := make([]int32, 0, len(neighbors))
		for n := range neighbors {
			candidates = append(candidates, n)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		var best int32
		bestCount := 0
		for _, n := range candidates {
			if find(n) == id {
				continue
			}
			if neighbors[n] > bestCount {
				best, bestCount = n, neighbors[n]
			}
		}
		if best != 0 {
			parent[id] = best
		}
	}

	for _, id := range order {
		final[id] = final[find(id)]
	}
}

// sharedBorders counts, for every dropped component, the face-adjacent
// voxels it shares with each other component.
func sharedBorders(vol *models.LabelVolume, ids []int32, kept []bool) map[int32]map[int32]int {
	w, h, d := vol.Width, vol.Height, vol.Depth
	plane := w * h
	borders := make(map[int32]map[int32]int)

	for i, id := range ids {
		if id == 0 || kept[id] {
			continue
		}
		z, y, x := i/plane, (i%plane)/w, i%w
		for _, o := range faces {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if nx < 0 || ny < 0 || nz < 0 || nx >= w || ny >= h || nz >= d {
				continue
			}
			n := ids[nz*plane+ny*w+nx]
			if n == 0 || n == id {
				continue
			}
			if borders[id] == nil {
				borders[id] = make(map[int32]int)
			}
			borders[id][n]++
		}
	}
	return borders
}
