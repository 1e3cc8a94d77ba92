// Package testutil provides deterministic stand-in models for tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"lungmask/pkg/inference"
)

// ThresholdModel labels each pixel by comparing its intensity against
// ascending thresholds: class k wins when the value exceeds Thresholds[k-1]
// but not Thresholds[k]. It is batch invariant by construction.
type ThresholdModel struct {
	Thresholds []float32

	mu        sync.Mutex
	batches   []int
	placement []inference.Device
}

// NewThresholdModel returns a model with len(thresholds)+1 classes.
func NewThresholdModel(thresholds ...float32) *ThresholdModel {
	return &ThresholdModel{Thresholds: thresholds}
}

// Classes implements inference.Model.
func (m *ThresholdModel) Classes() int {
	return len(m.Thresholds) + 1
}

// Evaluate implements inference.Model.
func (m *ThresholdModel) Evaluate(_ context.Context, b inference.Batch) (inference.Scores, error) {
	m.mu.Lock()
	m.batches = append(m.batches, b.N)
	m.mu.Unlock()

	classes := m.Classes()
	plane := b.Height * b.Width
	s := inference.Scores{
		Data:    make([]float32, b.N*classes*plane),
		N:       b.N,
		Classes: classes,
		Height:  b.Height,
		Width:   b.Width,
	}
	for n := 0; n < b.N; n++ {
		for p := 0; p < plane; p++ {
			v := b.Data[n*plane+p]
			class := 0
			for k, t := range m.Thresholds {
				if v > t {
					class = k + 1
				}
			}
			s.Data[(n*classes+class)*plane+p] = 1
		}
	}
	return s, nil
}

// Place implements inference.Placer.
func (m *ThresholdModel) Place(d inference.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placement = append(m.placement, d)
	return nil
}

// Batches returns the size of every batch evaluated so far.
func (m *ThresholdModel) Batches() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batches...)
}

// Placements returns every device the model was placed on.
func (m *ThresholdModel) Placements() []inference.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]inference.Device(nil), m.placement...)
}

// ErrEvaluate is returned by FailingModel.
var ErrEvaluate = errors.New("evaluation failed")

// FailingModel fails on the batch with index FailAt.
type FailingModel struct {
	ThresholdModel
	FailAt int
	calls  int
}

// Evaluate implements inference.Model.
func (m *FailingModel) Evaluate(ctx context.Context, b inference.Batch) (inference.Scores, error) {
	m.calls++
	if m.calls-1 == m.FailAt {
		return inference.Scores{}, ErrEvaluate
	}
	return m.ThresholdModel.Evaluate(ctx, b)
}

// FuncModel adapts a function into a model.
type FuncModel struct {
	N  int
	Fn func(inference.Batch) (inference.Scores, error)
}

// Classes implements inference.Model.
func (m FuncModel) Classes() int { return m.N }

// Evaluate implements inference.Model.
func (m FuncModel) Evaluate(_ context.Context, b inference.Batch) (inference.Scores, error) {
	return m.Fn(b)
}
