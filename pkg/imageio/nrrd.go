package imageio

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"lungmask/internal/models"
)

// nrrdHeader holds the fields of a NRRD header this package understands.
type nrrdHeader struct {
	kind      string
	sizes     [3]int
	encoding  string
	bigEndian bool
	spacing   models.Spacing
	direction models.Direction
	dataFile  string
}

// ReadNRRD loads a three-dimensional scalar NRRD file. Raw and gzip
// encodings of every integer and floating point type are supported.
func ReadNRRD(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	hdr, err := readNRRDHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if hdr.dataFile != "" {
		return nil, fmt.Errorf("%s: detached data files are not supported", path)
	}

	var body io.Reader = r
	switch hdr.encoding {
	case "raw":
	case "gzip", "gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		body = gz
	default:
		return nil, fmt.Errorf("%s: unsupported encoding %q", path, hdr.encoding)
	}

	w, h, d := hdr.sizes[0], hdr.sizes[1], hdr.sizes[2]
	vol := &models.Volume{
		Data:      make([]float64, w*h*d),
		Width:     w,
		Height:    h,
		Depth:     d,
		Spacing:   hdr.spacing,
		Direction: hdr.direction,
	}
	if err := decodeSamples(body, hdr, vol.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// ReadMask loads a label mask stored as NRRD.
func ReadMask(path string) (*models.LabelVolume, error) {
	vol, err := ReadNRRD(path)
	if err != nil {
		return nil, err
	}
	mask := models.NewLabelVolume(vol.Width, vol.Height, vol.Depth)
	for i, v := range vol.Data {
		if v < 0 || v > 255 || v != math.Trunc(v) {
			return nil, fmt.Errorf("%s: value %v at voxel %d is not a label", path, v, i)
		}
		mask.Data[i] = uint8(v)
	}
	return mask, nil
}

// WriteNRRD stores a volume as raw little-endian float32 samples.
func WriteNRRD(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	buf := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	return writeNRRD(path, "float", [3]int{vol.Width, vol.Height, vol.Depth}, vol.Spacing, vol.Direction, buf)
}

// WriteMask stores a label mask as unsigned 8-bit samples, carrying over
// the geometry of the volume it was computed from.
func WriteMask(path string, mask *models.LabelVolume, spacing models.Spacing, direction models.Direction) error {
	if len(mask.Data) != mask.Width*mask.Height*mask.Depth {
		return fmt.Errorf("mask data has %d voxels, expected %d", len(mask.Data), mask.Width*mask.Height*mask.Depth)
	}
	return writeNRRD(path, "uchar", [3]int{mask.Width, mask.Height, mask.Depth}, spacing, direction, mask.Data)
}

func writeNRRD(path, kind string, sizes [3]int, spacing models.Spacing, direction models.Direction, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "NRRD0004")
	fmt.Fprintln(w, "# Complete NRRD file format specification at:")
	fmt.Fprintln(w, "# http://teem.sourceforge.net/nrrd/format.html")
	fmt.Fprintf(w, "type: %s\n", kind)
	fmt.Fprintln(w, "dimension: 3")
	fmt.Fprintln(w, "space dimension: 3")
	fmt.Fprintf(w, "sizes: %d %d %d\n", sizes[0], sizes[1], sizes[2])
	fmt.Fprintf(w, "space directions: %s\n", formatDirections(spacing, direction))
	fmt.Fprintln(w, "kinds: domain domain domain")
	fmt.Fprintln(w, "endian: little")
	fmt.Fprintln(w, "encoding: raw")
	fmt.Fprintln(w)
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// formatDirections renders the axis vectors: column i of the direction
// matrix scaled by the spacing of axis i.
func formatDirections(spacing models.Spacing, direction models.Direction) string {
	if spacing.IsZero() {
		spacing = models.Spacing{X: 1, Y: 1, Z: 1}
	}
	if direction.IsZero() {
		direction = models.Identity()
	}
	s := [3]float64{spacing.X, spacing.Y, spacing.Z}
	parts := make([]string, 3)
	for axis := 0; axis < 3; axis++ {
		parts[axis] = fmt.Sprintf("(%s,%s,%s)",
			formatFloat(direction[axis]*s[axis]),
			formatFloat(direction[3+axis]*s[axis]),
			formatFloat(direction[6+axis]*s[axis]))
	}
	return strings.Join(parts, " ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func readNRRDHeader(r *bufio.Reader) (*nrrdHeader, error) {
	magic, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("not a NRRD file")
	}

	hdr := &nrrdHeader{
		spacing: models.Spacing{X: 1, Y: 1, Z: 1},
	}
	dimension := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(strings.TrimSpace(value), "=")
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "type":
			hdr.kind = value
		case "dimension":
			dimension, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid dimension %q", value)
			}
		case "sizes":
			fields := strings.Fields(value)
			if len(fields) != 3 {
				return nil, fmt.Errorf("expected 3 sizes, got %q", value)
			}
			for i, f := range fields {
				if hdr.sizes[i], err = strconv.Atoi(f); err != nil || hdr.sizes[i] <= 0 {
					return nil, fmt.Errorf("invalid size %q", f)
				}
			}
		case "encoding":
			hdr.encoding = value
		case "endian":
			hdr.bigEndian = value == "big"
		case "spacings":
			fields := strings.Fields(value)
			if len(fields) == 3 {
				v := make([]float64, 3)
				for i, f := range fields {
					if v[i], err = strconv.ParseFloat(f, 64); err != nil {
						return nil, fmt.Errorf("invalid spacing %q", f)
					}
				}
				hdr.spacing = models.Spacing{X: v[0], Y: v[1], Z: v[2]}
			}
		case "space directions":
			if err := parseDirections(value, hdr); err != nil {
				return nil, err
			}
		case "data file", "datafile":
			hdr.dataFile = value
		}
	}

	if dimension != 3 {
		return nil, fmt.Errorf("only 3-dimensional images are supported, got %d", dimension)
	}
	if hdr.sizes[0] == 0 {
		return nil, fmt.Errorf("missing sizes")
	}
	return hdr, nil
}

// parseDirections splits the axis vectors into spacing and unit direction
// cosines.
func parseDirections(value string, hdr *nrrdHeader) error {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return fmt.Errorf("expected 3 space directions, got %q", value)
	}
	var spacing [3]float64
	for axis, f := range fields {
		f = strings.Trim(f, "()")
		comps := strings.Split(f, ",")
		if len(comps) != 3 {
			return fmt.Errorf("invalid space direction %q", f)
		}
		var vec [3]float64
		for i, c := range comps {
			v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
			if err != nil {
				return fmt.Errorf("invalid space direction %q", f)
			}
			vec[i] = v
		}
		norm := math.Sqrt(dot(vec, vec))
		if norm == 0 {
			return fmt.Errorf("zero length space direction %q", f)
		}
		spacing[axis] = norm
		for i := range vec {
			hdr.direction[3*i+axis] = vec[i] / norm
		}
	}
	hdr.spacing = models.Spacing{X: spacing[0], Y: spacing[1], Z: spacing[2]}
	return nil
}

// decodeSamples reads len(out) samples of the header's type.
func decodeSamples(r io.Reader, hdr *nrrdHeader, out []float64) error {
	var order binary.ByteOrder = binary.LittleEndian
	if hdr.bigEndian {
		order = binary.BigEndian
	}

	var size int
	var decode func(b []byte) float64
	switch hdr.kind {
	case "uchar", "unsigned char", "uint8", "uint8_t":
		size, decode = 1, func(b []byte) float64 { return float64(b[0]) }
	case "signed char", "int8", "int8_t":
		size, decode = 1, func(b []byte) float64 { return float64(int8(b[0])) }
	case "short", "short int", "signed short", "int16", "int16_t":
		size, decode = 2, func(b []byte) float64 { return float64(int16(order.Uint16(b))) }
	case "ushort", "unsigned short", "uint16", "uint16_t":
		size, decode = 2, func(b []byte) float64 { return float64(order.Uint16(b)) }
	case "int", "signed int", "int32", "int32_t":
		size, decode = 4, func(b []byte) float64 { return float64(int32(order.Uint32(b))) }
	case "uint", "unsigned int", "uint32", "uint32_t":
		size, decode = 4, func(b []byte) float64 { return float64(order.Uint32(b)) }
	case "float":
		size, decode = 4, func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }
	case "double":
		size, decode = 8, func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }
	default:
		return fmt.Errorf("unsupported type %q", hdr.kind)
	}

	buf := make([]byte, size*len(out))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("failed to read samples: %w", err)
	}
	for i := range out {
		out[i] = decode(buf[i*size : (i+1)*size])
	}
	return nil
}
