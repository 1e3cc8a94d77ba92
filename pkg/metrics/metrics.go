// Package metrics summarizes segmentation masks: the volume and intensity
// statistics of every label and the overlap between two masks.
package metrics

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lungmask/internal/models"
)

// mm3PerML converts cubic millimetres to millilitres.
const mm3PerML = 1000.0

// entropyBins is the number of histogram bins used for intensity entropy.
const entropyBins = 256

// LabelStats describes the voxels carrying one label.
type LabelStats struct {
	// Label is the class index
	Label uint8

	// Voxels is the number of voxels carrying the label
	Voxels int

	// VolumeML is the physical volume of those voxels in ml
	VolumeML float64

	// MeanHU and StdHU are the mean and standard deviation of the
	// intensities under the label
	MeanHU float64
	StdHU  float64

	// MinHU and MaxHU bound the intensities under the label
	MinHU float64
	MaxHU float64

	// Entropy is the Shannon entropy (nats) of the intensity histogram
	// under the label. Homogeneous regions score close to 0.
	Entropy float64
}

// Summary holds the statistics of every foreground label of a mask.
type Summary struct {
	// Labels is ordered by label value
	Labels []LabelStats

	// ForegroundVoxels counts every nonzero voxel
	ForegroundVoxels int

	// ForegroundML is the physical volume of the foreground in ml
	ForegroundML float64
}

// Summarize computes per-label statistics of mask over the intensities of
// vol. Both must share their dimensions. A zero spacing counts voxels as
// 1mm³.
func Summarize(mask *models.LabelVolume, vol *models.Volume) (*Summary, error) {
	if mask.Width != vol.Width || mask.Height != vol.Height || mask.Depth != vol.Depth {
		return nil, fmt.Errorf("mask is %dx%dx%d, volume is %dx%dx%d",
			mask.Width, mask.Height, mask.Depth, vol.Width, vol.Height, vol.Depth)
	}
	if len(mask.Data) != len(vol.Data) {
		return nil, fmt.Errorf("mask has %d voxels, volume has %d", len(mask.Data), len(vol.Data))
	}

	voxelML := vol.Spacing.VoxelVolume() / mm3PerML
	if vol.Spacing.IsZero() {
		voxelML = 1 / mm3PerML
	}

	values := make(map[uint8][]float64)
	for i, l := range mask.Data {
		if l != 0 {
			values[l] = append(values[l], vol.Data[i])
		}
	}

	labels := make([]uint8, 0, len(values))
	for l := range values {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	s := &Summary{}
	for _, l := range labels {
		v := values[l]
		mean, std := stat.MeanStdDev(v, nil)
		if len(v) < 2 {
			std = 0
		}
		st := LabelStats{
			Label:    l,
			Voxels:   len(v),
			VolumeML: float64(len(v)) * voxelML,
			MeanHU:   mean,
			StdHU:    std,
			MinHU:    floats.Min(v),
			MaxHU:    floats.Max(v),
			Entropy:  entropy(v),
		}
		s.Labels = append(s.Labels, st)
		s.ForegroundVoxels += st.Voxels
		s.ForegroundML += st.VolumeML
	}
	return s, nil
}

// Label returns the statistics of one label, if present.
func (s *Summary) Label(l uint8) (LabelStats, bool) {
	for _, st := range s.Labels {
		if st.Label == l {
			return st, true
		}
	}
	return LabelStats{}, false
}

// entropy computes the Shannon entropy of the value histogram.
func entropy(data []float64) float64 {
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	hist := make([]float64, entropyBins)
	scale := float64(entropyBins-1) / (hi - lo)
	for _, v := range data {
		hist[int((v-lo)*scale)]++
	}
	floats.Scale(1/float64(len(data)), hist)
	return stat.Entropy(hist)
}

// Overlap measures the agreement of two masks on one label.
type Overlap struct {
	// Dice is 2|A∩B| / (|A|+|B|)
	Dice float64

	// Jaccard is |A∩B| / |A∪B|
	Jaccard float64

	// Reference and Predicted count the voxels of the label in each mask
	Reference int
	Predicted int
}

// Compare measures how well pred matches ref on label. Two masks without
// the label agree perfectly.
func Compare(ref, pred *models.LabelVolume, label uint8) (Overlap, error) {
	if !ref.SameShape(pred) || len(ref.Data) != len(pred.Data) {
		return Overlap{}, fmt.Errorf("reference is %dx%dx%d, prediction is %dx%dx%d",
			ref.Width, ref.Height, ref.Depth, pred.Width, pred.Height, pred.Depth)
	}

	var o Overlap
	both := 0
	for i := range ref.Data {
		a, b := ref.Data[i] == label, pred.Data[i] == label
		if a {
			o.Reference++
		}
		if b {
			o.Predicted++
		}
		if a && b {
			both++
		}
	}

	union := o.Reference + o.Predicted - both
	if union == 0 {
		o.Dice, o.Jaccard = 1, 1
		return o, nil
	}
	o.Dice = 2 * float64(both) / float64(o.Reference+o.Predicted)
	o.Jaccard = float64(both) / float64(union)
	return o, nil
}

// MeanDice averages the Dice score over every foreground label present in
// either mask.
func MeanDice(ref, pred *models.LabelVolume) (float64, error) {
	if !ref.SameShape(pred) {
		return 0, fmt.Errorf("reference is %dx%dx%d, prediction is %dx%dx%d",
			ref.Width, ref.Height, ref.Depth, pred.Width, pred.Height, pred.Depth)
	}

	var present [256]bool
	for _, l := range ref.Data {
		present[l] = true
	}
	for _, l := range pred.Data {
		present[l] = true
	}

	var scores []float64
	for l := 1; l < len(present); l++ {
		if !present[l] {
			continue
		}
		o, err := Compare(ref, pred, uint8(l))
		if err != nil {
			return 0, err
		}
		scores = append(scores, o.Dice)
	}
	if len(scores) == 0 {
		return 1, nil
	}
	return stat.Mean(scores, nil), nil
}
