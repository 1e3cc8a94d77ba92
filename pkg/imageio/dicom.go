// Package imageio reads CT volumes from DICOM series and NRRD files and
// writes volumes and label masks as NRRD.
package imageio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"lungmask/internal/models"
)

// dicomSlice is a single parsed image of a series.
type dicomSlice struct {
	series   string
	rows     int
	cols     int
	position [3]float64
	rowDir   [3]float64
	colDir   [3]float64
	spacing  [2]float64
	thick    float64
	hu       []float64
}

// ReadSeries loads the DICOM series stored in dir as a volume in Hounsfield
// units. Files that are not DICOM images are skipped. When the directory
// holds several series the one with the most images is used.
func ReadSeries(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	bySeries := make(map[string][]*dicomSlice)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		s, err := readSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		bySeries[s.series] = append(bySeries[s.series], s)
	}

	var slices []*dicomSlice
	var seriesIDs []string
	for id := range bySeries {
		seriesIDs = append(seriesIDs, id)
	}
	sort.Strings(seriesIDs)
	for _, id := range seriesIDs {
		if len(bySeries[id]) > len(slices) {
			slices = bySeries[id]
		}
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM images found in %s", dir)
	}

	return stackSlices(slices)
}

// stackSlices orders the slices along the slice normal and builds the
// volume.
func stackSlices(slices []*dicomSlice) (*models.Volume, error) {
	first := slices[0]
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("series mixes %dx%d and %dx%d images", first.cols, first.rows, s.cols, s.rows)
		}
	}

	normal := cross(first.rowDir, first.colDir)
	sort.SliceStable(slices, func(i, j int) bool {
		return dot(slices[i].position, normal) < dot(slices[j].position, normal)
	})

	w, h, d := first.cols, first.rows, len(slices)
	vol := &models.Volume{
		Data:   make([]float64, 0, w*h*d),
		Width:  w,
		Height: h,
		Depth:  d,
		Spacing: models.Spacing{
			X: first.spacing[1],
			Y: first.spacing[0],
			Z: sliceGap(slices, normal),
		},
		Direction: models.Direction{
			first.rowDir[0], first.colDir[0], normal[0],
			first.rowDir[1], first.colDir[1], normal[1],
			first.rowDir[2], first.colDir[2], normal[2],
		},
	}
	for _, s := range slices {
		vol.Data = append(vol.Data, s.hu...)
	}
	return vol, nil
}

// sliceGap returns the distance between neighboring slices along the
// normal, falling back to the slice thickness and then to 1mm.
func sliceGap(slices []*dicomSlice, normal [3]float64) float64 {
	if len(slices) > 1 {
		gap := math.Abs(dot(slices[1].position, normal) - dot(slices[0].position, normal))
		if gap > 0 {
			return gap
		}
	}
	if slices[0].thick > 0 {
		return slices[0].thick
	}
	return 1
}

func readSlice(path string) (*dicomSlice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	pixelEl, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, err
	}
	info := dicom.MustGetPixelDataInfo(pixelEl.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("%s holds no frames", path)
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s := &dicomSlice{
		series:  stringValue(ds, tag.SeriesInstanceUID),
		rows:    native.Rows(),
		cols:    native.Cols(),
		rowDir:  [3]float64{1, 0, 0},
		colDir:  [3]float64{0, 1, 0},
		spacing: [2]float64{1, 1},
	}
	if v := floatValues(ds, tag.ImagePositionPatient); len(v) == 3 {
		copy(s.position[:], v)
	}
	if v := floatValues(ds, tag.ImageOrientationPatient); len(v) == 6 {
		copy(s.rowDir[:], v[:3])
		copy(s.colDir[:], v[3:])
	}
	if v := floatValues(ds, tag.PixelSpacing); len(v) == 2 {
		copy(s.spacing[:], v)
	}
	if v := floatValues(ds, tag.SliceThickness); len(v) == 1 {
		s.thick = v[0]
	}

	slope, intercept := 1.0, 0.0
	if v := floatValues(ds, tag.RescaleSlope); len(v) == 1 {
		slope = v[0]
	}
	if v := floatValues(ds, tag.RescaleIntercept); len(v) == 1 {
		intercept = v[0]
	}
	signed := false
	if v := intValues(ds, tag.PixelRepresentation); len(v) == 1 {
		signed = v[0] == 1
	}
	bits := native.BitsPerSample()

	n := s.rows * s.cols
	s.hu = make([]float64, n)
	for i := 0; i < n; i++ {
		raw := native.GetPixelAtIdx(i)[0]
		if signed && bits > 0 && bits < 64 && raw >= 1<<(bits-1) {
			raw -= 1 << bits
		}
		s.hu[i] = float64(raw)*slope + intercept
	}
	return s, nil
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	v, ok := el.Value.GetValue().([]string)
	if !ok || len(v) == 0 {
		return ""
	}
	return strings.TrimSpace(v[0])
}

// floatValues parses a decimal string element, which may hold several
// backslash separated values.
func floatValues(ds dicom.Dataset, t tag.Tag) []float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	raw, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil
	}
	var out []float64
	for _, r := range raw {
		for _, part := range strings.Split(r, `\`) {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
	}
	return out
}

func intValues(ds dicom.Dataset, t tag.Tag) []int {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	v, _ := el.Value.GetValue().([]int)
	return v
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
