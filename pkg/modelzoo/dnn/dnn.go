// Package dnn evaluates segmentation networks with the OpenCV DNN module.
// Weights must be in a format OpenCV can read, typically an ONNX export of
// the published checkpoints.
package dnn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"lungmask/pkg/errs"
	"lungmask/pkg/inference"
	"lungmask/pkg/modelzoo"
)

// Model wraps an OpenCV network. Evaluate calls are serialized.
type Model struct {
	mu      sync.Mutex
	net     gocv.Net
	classes int
}

// Load reads the network stored at w.Path.
func Load(w modelzoo.Weights) (*Model, error) {
	if _, err := os.Stat(w.Path); err != nil {
		return nil, fmt.Errorf("model file not found: %s", w.Path)
	}
	switch strings.ToLower(filepath.Ext(w.Path)) {
	case ".pth", ".pt":
		return nil, errs.New("dnn", errs.ErrConfiguration,
			"%s is a PyTorch checkpoint; export it to ONNX first", w.Path)
	}

	net := gocv.ReadNet(w.Path, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", w.Path)
	}

	m := &Model{net: net, classes: w.Classes}
	if err := m.Place(inference.DeviceFallback); err != nil {
		net.Close()
		return nil, err
	}
	return m, nil
}

// Loader returns a modelzoo.Loader backed by Load.
func Loader() modelzoo.Loader {
	return modelzoo.LoaderFunc(func(_ context.Context, w modelzoo.Weights) (inference.Model, error) {
		return Load(w)
	})
}

// Classes implements inference.Model.
func (m *Model) Classes() int {
	return m.classes
}

// Place implements inference.Placer. The accelerated device runs on CUDA.
func (m *Model) Place(d inference.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if d == inference.DeviceAccelerated {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	errBackend := m.net.SetPreferableBackend(backend)
	errTarget := m.net.SetPreferableTarget(target)
	if errBackend != nil || errTarget != nil {
		return fmt.Errorf("failed to set preferable backend or target for %s", d)
	}
	return nil
}

// Evaluate implements inference.Model.
func (m *Model) Evaluate(_ context.Context, b inference.Batch) (inference.Scores, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob := gocv.NewMatWithSizes([]int{b.N, 1, b.Height, b.Width}, gocv.MatTypeCV32F)
	defer blob.Close()
	in, err := blob.DataPtrFloat32()
	if err != nil {
		return inference.Scores{}, fmt.Errorf("failed to access input blob: %w", err)
	}
	copy(in, b.Data)

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 4 {
		return inference.Scores{}, fmt.Errorf("network output has %d dimensions, expected 4", len(dims))
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return inference.Scores{}, fmt.Errorf("failed to read network output: %w", err)
	}

	s := inference.Scores{
		Data:    make([]float32, len(data)),
		N:       dims[0],
		Classes: dims[1],
		Height:  dims[2],
		Width:   dims[3],
	}
	copy(s.Data, data)
	return s, nil
}

// Close releases the network.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}
