// Package postprocess removes label noise from a segmented volume by
// keeping only the largest connected components of every class.
package postprocess

import (
	"fmt"
	"slices"
	"sort"

	"lungmask/internal/models"
	"lungmask/pkg/errs"
	"lungmask/pkg/morph"
)

// Ranking selects how component sizes are compared.
type Ranking int

const (
	// RankByVoxels ranks components by voxel count.
	RankByVoxels Ranking = iota
	// RankByVolume ranks components by physical volume, using the per-slice
	// voxel volumes in Options.Weights.
	RankByVolume
)

// ParseRanking maps a configuration name onto a Ranking.
func ParseRanking(name string) (Ranking, error) {
	switch name {
	case "voxels", "":
		return RankByVoxels, nil
	case "volume", "physical":
		return RankByVolume, nil
	}
	return 0, fmt.Errorf("unknown ranking %q", name)
}

// Strategy selects what happens to components that are not retained.
type Strategy int

const (
	// StrategyDiscard resets dropped components to background.
	StrategyDiscard Strategy = iota
	// StrategyReassign relabels a dropped component with the class of the
	// neighboring component it shares the longest border with, and resets
	// it to background when it touches no other component.
	StrategyReassign
)

// ParseStrategy maps a configuration name onto a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "discard", "":
		return StrategyDiscard, nil
	case "reassign", "merge":
		return StrategyReassign, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// DefaultKeep is the number of components kept for a regular class.
const DefaultKeep = 1

// SpareKeep is the number of components kept for a spare class, which
// usually covers both lungs.
const SpareKeep = 2

// Options configures Clean.
type Options struct {
	// Keep overrides the number of components retained per class
	Keep map[uint8]int

	// Spare lists classes retained with SpareKeep components unless Keep
	// says otherwise
	Spare []uint8

	// Ranking selects voxel-count or physical-volume ranking
	Ranking Ranking

	// Weights holds one voxel volume per slice, required by RankByVolume
	Weights []float64

	// Strategy selects discard or reassign handling of dropped components
	Strategy Strategy
}

// keepFor returns how many components of the class survive.
func (o Options) keepFor(label uint8) int {
	if n, ok := o.Keep[label]; ok {
		return n
	}
	if slices.Contains(o.Spare, label) {
		return SpareKeep
	}
	return DefaultKeep
}

// Clean returns a copy of vol in which every nonzero class keeps only its
// largest connected components (26-connectivity). Components are ranked by
// size, largest first; equal sizes keep scan order.
func Clean(vol *models.LabelVolume, opts Options) (*models.LabelVolume, error) {
	var weights []float64
	switch opts.Ranking {
	case RankByVoxels:
	case RankByVolume:
		if len(opts.Weights) != vol.Depth {
			return nil, errs.New("postprocess", errs.ErrConfiguration,
				"volume ranking needs %d slice weights, got %d", vol.Depth, len(opts.Weights))
		}
		weights = opts.Weights
	default:
		return nil, errs.New("postprocess", errs.ErrConfiguration, "unknown ranking %d", opts.Ranking)
	}
	for label, n := range opts.Keep {
		if n < 0 {
			return nil, errs.New("postprocess", errs.ErrConfiguration, "negative keep count %d", n).ForClass(int(label))
		}
	}

	ids, comps, err := morph.Label3D(vol.Data, vol.Width, vol.Height, vol.Depth, weights)
	if err != nil {
		return nil, errs.Wrap("postprocess", errs.ErrShapeInvariant, err)
	}

	// final label of every component; index 0 is background
	final := make([]uint8, len(comps)+1)
	kept := make([]bool, len(comps)+1)
	order := rankComponents(comps)
	rank := 0
	for i, idx := range order {
		c := &comps[idx]
		if i > 0 && comps[order[i-1]].Label != c.Label {
			rank = 0
		}
		if rank < opts.keepFor(c.Label) {
			final[c.ID] = c.Label
			kept[c.ID] = true
		}
		rank++
	}

	switch opts.Strategy {
	case StrategyDiscard:
	case StrategyReassign:
		reassign(vol, ids, comps, kept, final)
	default:
		return nil, errs.New("postprocess", errs.ErrConfiguration, "unknown strategy %d", opts.Strategy)
	}

	out := models.NewLabelVolume(vol.Width, vol.Height, vol.Depth)
	for i, id := range ids {
		out.Data[i] = final[id]
	}
	return out, nil
}

// rankComponents returns the component indices ordered by class, then by
// size with the largest first, then by id.
func rankComponents(comps []morph.Component) []int {
	order := make([]int, len(comps))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := &comps[order[a]], &comps[order[b]]
		if ca.Label != cb.Label {
			return ca.Label < cb.Label
		}
		if ca.Size != cb.Size {
			return ca.Size > cb.Size
		}
		return ca.ID < cb.ID
	})
	return order
}
