// Package inference runs a segmentation model over a stack of canonical
// slices and collapses its class scores into label slices.
package inference

import (
	"context"
	"fmt"
	"os"
)

// Batch is a group of single-channel slices laid out as N x 1 x H x W.
type Batch struct {
	Data   []float32
	N      int
	Height int
	Width  int
}

// Scores holds per-class scores laid out as N x Classes x H x W.
type Scores struct {
	Data    []float32
	N       int
	Classes int
	Height  int
	Width   int
}

// Model is a pretrained segmentation network. Evaluate must not change the
// model state: the same batch always yields the same scores, and each
// slice's scores do not depend on the other slices in the batch.
type Model interface {
	// Classes returns the number of output classes, background included.
	Classes() int

	// Evaluate returns the class scores for every pixel of the batch.
	Evaluate(ctx context.Context, batch Batch) (Scores, error)
}

// Device is the compute device a model runs on.
type Device int

const (
	// DeviceAccelerated is a GPU or similar accelerator.
	DeviceAccelerated Device = iota
	// DeviceFallback is general-purpose CPU compute.
	DeviceFallback
)

func (d Device) String() string {
	switch d {
	case DeviceAccelerated:
		return "accelerated"
	case DeviceFallback:
		return "cpu"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Placer is implemented by models that must be moved to a device before
// they are evaluated.
type Placer interface {
	Place(Device) error
}

// nvidiaNodes are the files present when an NVIDIA driver is loaded.
var nvidiaNodes = []string{"/dev/nvidia0", "/proc/driver/nvidia/version"}

// AcceleratorAvailable reports whether a GPU driver is visible to the
// process.
func AcceleratorAvailable() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok && (v == "" || v == "-1") {
		return false
	}
	for _, p := range nvidiaNodes {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
