package postprocess

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungmask/internal/models"
	"lungmask/pkg/errs"
	"lungmask/pkg/morph"
)

// box fills the half-open box [x0,x1)x[y0,y1)x[z0,z1) with label.
func box(v *models.LabelVolume, x0, y0, z0, x1, y1, z1 int, label uint8) {
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				v.Data[z*v.Width*v.Height+y*v.Width+x] = label
			}
		}
	}
}

func count(v *models.LabelVolume, label uint8) int {
	n := 0
	for _, l := range v.Data {
		if l == label {
			n++
		}
	}
	return n
}

func TestCleanKeepsLargestPerClass(t *testing.T) {
	v := models.NewLabelVolume(20, 20, 6)
	box(v, 1, 1, 1, 6, 6, 5, 1)     // class 1, 100 voxels
	box(v, 10, 10, 1, 16, 16, 4, 2) // class 2, 108 voxels
	want := v.Clone()

	// noise well away from the large components
	box(v, 18, 1, 0, 19, 2, 1, 1)
	box(v, 18, 18, 5, 20, 20, 6, 1)
	box(v, 1, 18, 3, 2, 19, 4, 2)
	box(v, 8, 1, 5, 9, 3, 6, 2)
	input := v.Clone()

	out, err := Clean(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, want.Data, out.Data)
	assert.Equal(t, input.Data, v.Data, "input must not be modified")
}

func TestCleanSpareKeepsTwo(t *testing.T) {
	v := models.NewLabelVolume(20, 10, 3)
	box(v, 0, 0, 0, 5, 5, 3, 3)   // 75
	box(v, 10, 0, 0, 14, 5, 3, 3) // 60
	box(v, 18, 8, 1, 19, 9, 2, 3) // 1

	out, err := Clean(v, Options{Spare: []uint8{3}})
	require.NoError(t, err)
	assert.Equal(t, 135, count(out, 3))

	out, err = Clean(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, 75, count(out, 3))

	out, err = Clean(v, Options{Keep: map[uint8]int{3: 3}})
	require.NoError(t, err)
	assert.Equal(t, 136, count(out, 3))

	out, err = Clean(v, Options{Keep: map[uint8]int{3: 0}})
	require.NoError(t, err)
	assert.Equal(t, 0, count(out, 3))
}

func TestCleanTiesKeepScanOrder(t *testing.T) {
	v := models.NewLabelVolume(10, 1, 1)
	box(v, 0, 0, 0, 2, 1, 1, 1)
	box(v, 5, 0, 0, 7, 1, 1, 1)

	out, err := Clean(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 1, 0, 0, 0, 0, 0, 0, 0, 0}, out.Data)
}

func TestCleanUsesFullConnectivity(t *testing.T) {
	v := models.NewLabelVolume(4, 4, 4)
	// a diagonal staircase through all three axes
	for i := 0; i < 4; i++ {
		v.Data[i*16+i*4+i] = 1
	}
	box(v, 3, 0, 0, 4, 1, 1, 1) // separate voxel, not touching the staircase

	out, err := Clean(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, count(out, 1))
	assert.Equal(t, uint8(0), out.At(3, 0, 0))
}

func TestCleanRankByVolume(t *testing.T) {
	v := models.NewLabelVolume(6, 1, 4)
	box(v, 0, 0, 0, 4, 1, 1, 1) // 4 voxels on slice 0
	box(v, 0, 0, 3, 2, 1, 4, 1) // 2 voxels on slice 3

	byCount, err := Clean(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), byCount.At(0, 0, 0))
	assert.Equal(t, uint8(0), byCount.At(0, 0, 3))

	byVolume, err := Clean(v, Options{Ranking: RankByVolume, Weights: []float64{1, 1, 1, 5}})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), byVolume.At(0, 0, 0))
	assert.Equal(t, uint8(1), byVolume.At(0, 0, 3))
}

func TestCleanEmptyVolume(t *testing.T) {
	v := models.NewLabelVolume(5, 5, 5)
	out, err := Clean(v, Options{Spare: []uint8{4}})
	require.NoError(t, err)
	assert.Equal(t, v.Data, out.Data)
}

func TestCleanReassign(t *testing.T) {
	v := models.NewLabelVolume(20, 10, 2)
	box(v, 0, 0, 0, 8, 8, 2, 1)    // class 1 lobe, 128 voxels
	box(v, 12, 0, 0, 20, 8, 2, 2)  // class 2 lobe, 128 voxels
	box(v, 8, 0, 0, 9, 2, 2, 2)    // class 2 fragment glued to class 1, 4 voxels
	box(v, 10, 9, 0, 11, 10, 1, 2) // isolated class 2 speck

	discard, err := Clean(v, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), discard.At(8, 0, 0))
	assert.Equal(t, uint8(0), discard.At(10, 9, 0))

	merged, err := Clean(v, Options{Strategy: StrategyReassign})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), merged.At(8, 0, 0))
	assert.Equal(t, uint8(1), merged.At(8, 1, 1))
	assert.Equal(t, uint8(0), merged.At(10, 9, 0))
	assert.Equal(t, 132, count(merged, 1))
	assert.Equal(t, 128, count(merged, 2))
}

func TestCleanReassignFollowsChains(t *testing.T) {
	v := models.NewLabelVolume(14, 1, 1)
	box(v, 0, 0, 0, 5, 1, 1, 1)  // class 1, kept
	box(v, 5, 0, 0, 7, 1, 1, 2)  // class 2 fragment touching class 1
	box(v, 7, 0, 0, 8, 1, 1, 3)  // class 3 fragment touching only the class 2 fragment
	box(v, 9, 0, 0, 14, 1, 1, 2) // largest class 2 component, kept

	out, err := Clean(v, Options{Strategy: StrategyReassign, Keep: map[uint8]int{3: 0}})
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 1, 1, 1, 1, 1, 1, 1, 0, 2, 2, 2, 2, 2}, out.Data)
}

func TestCleanRejectsBadOptions(t *testing.T) {
	v := models.NewLabelVolume(2, 2, 2)

	_, err := Clean(v, Options{Ranking: RankByVolume, Weights: []float64{1}})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = Clean(v, Options{Ranking: Ranking(9)})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = Clean(v, Options{Strategy: Strategy(9)})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = Clean(v, Options{Keep: map[uint8]int{1: -1}})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestParseNames(t *testing.T) {
	r, err := ParseRanking("volume")
	require.NoError(t, err)
	assert.Equal(t, RankByVolume, r)
	_, err = ParseRanking("x")
	assert.Error(t, err)

	s, err := ParseStrategy("reassign")
	require.NoError(t, err)
	assert.Equal(t, StrategyReassign, s)
	_, err = ParseStrategy("x")
	assert.Error(t, err)
}

func TestRankComponents(t *testing.T) {
	comps := []morph.Component{
		{ID: 1, Label: 2, Size: 4},
		{ID: 2, Label: 1, Size: 3},
		{ID: 3, Label: 2, Size: 9},
		{ID: 4, Label: 1, Size: 3},
		{ID: 5, Label: 1, Size: 7},
	}
	assert.Equal(t, []int{4, 1, 3, 2, 0}, rankComponents(comps))
	assert.Empty(t, rankComponents(nil))
}
