package preprocess

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"
)

// resizeUnit resamples the box of a [0,1] slice of row width w to a
// size x size grid with bilinear interpolation.
func resizeUnit(values []float64, w int, box image.Rectangle, size int) []float32 {
	src := image.NewGray16(image.Rect(0, 0, box.Dx(), box.Dy()))
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			v := math.Max(0, math.Min(1, values[y*w+x]))
			src.SetGray16(x-box.Min.X, y-box.Min.Y, color.Gray16{Y: uint16(math.Round(v * 0xffff))})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			out[y*size+x] = float32(dst.Gray16At(x, y).Y) / 0xffff
		}
	}
	return out
}

// bodyBox returns the bounding box of the patient body in a HU slice. The
// mask is computed on a coarse grid: threshold, close, fill holes, erode,
// keep the largest region and dilate back. Without a body the whole slice
// is returned.
func bodyBox(values []float64, w, h int) image.Rectangle {
	full := image.Rect(0, 0, w, h)

	hu := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32F)
	defer hu.Close()
	data, err := hu.DataPtrFloat32()
	if err != nil {
		return full
	}
	for i, v := range values {
		data[i] = float32(v)
	}

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(hu, &thresh, bodyThreshold, 255, gocv.ThresholdBinary)

	binary := gocv.NewMat()
	defer binary.Close()
	thresh.ConvertTo(&binary, gocv.MatTypeCV8U)

	coarse := gocv.NewMat()
	defer coarse.Close()
	gocv.Resize(binary, &coarse, image.Point{X: bodyGrid, Y: bodyGrid}, 0, 0, gocv.InterpolationNearestNeighbor)

	body := bodyMask(coarse)
	defer body.Close()
	if gocv.CountNonZero(body) == 0 {
		return full
	}

	back := gocv.NewMat()
	defer back.Close()
	gocv.Resize(body, &back, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationNearestNeighbor)

	box, ok := nonZeroBounds(back)
	if !ok {
		return full
	}
	return box
}

// bodyMask cleans a coarse body threshold. The mask is padded with
// background so that erosion treats the border as outside the body.
func bodyMask(coarse gocv.Mat) gocv.Mat {
	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(coarse, &padded, bodyPad, bodyPad, bodyPad, bodyPad, gocv.BorderConstant, color.RGBA{})

	cross := gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3})
	defer cross.Close()

	// Close small gaps
	gocv.MorphologyEx(padded, &padded, gocv.MorphClose, cross)

	// Fill holes: outer contours are 8-connected, so background enclosed
	// by a diagonal boundary is filled too
	contours := gocv.FindContours(padded, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	for i := 0; i < contours.Size(); i++ {
		gocv.DrawContours(&padded, contours, i, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	}
	contours.Close()

	for i := 0; i < 2; i++ {
		gocv.Erode(padded, &padded, cross)
	}

	largest := largestRegion(padded)
	for i := 0; i < 2; i++ {
		gocv.Dilate(largest, &largest, cross)
	}

	inner := largest.Region(image.Rect(bodyPad, bodyPad, bodyPad+coarse.Cols(), bodyPad+coarse.Rows()))
	defer inner.Close()
	out := inner.Clone()
	largest.Close()
	return out
}

// largestRegion keeps the largest 4-connected region of a binary mask. Ties
// go to the region labeled first.
func largestRegion(mask gocv.Mat) gocv.Mat {
	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	n := gocv.ConnectedComponentsWithStatsWithParams(mask, &labels, &stats, &centroids, 4, gocv.MatTypeCV32S, gocv.CCL_DEFAULT)

	out := gocv.NewMatWithSize(mask.Rows(), mask.Cols(), gocv.MatTypeCV8U)
	best, bestArea := int32(0), int32(0)
	for i := 1; i < n; i++ {
		if area := stats.GetIntAt(i, int(gocv.CCStatArea)); area > bestArea {
			best, bestArea = int32(i), area
		}
	}
	if best == 0 {
		return out
	}
	for y := 0; y < mask.Rows(); y++ {
		for x := 0; x < mask.Cols(); x++ {
			if labels.GetIntAt(y, x) == best {
				out.SetUCharAt(y, x, 255)
			}
		}
	}
	return out
}

// nonZeroBounds returns the bounding box of the nonzero pixels of mask,
// max exclusive.
func nonZeroBounds(mask gocv.Mat) (image.Rectangle, bool) {
	box := image.Rectangle{}
	found := false
	for y := 0; y < mask.Rows(); y++ {
		for x := 0; x < mask.Cols(); x++ {
			if mask.GetUCharAt(y, x) == 0 {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if !found {
				box, found = px, true
				continue
			}
			box = box.Union(px)
		}
	}
	return box, found
}
