package inference_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungmask/internal/testutil"
	"lungmask/pkg/errs"
	"lungmask/pkg/inference"
	"lungmask/pkg/preprocess"
)

func gradientStack(n, size int) *preprocess.SliceStack {
	s := &preprocess.SliceStack{Size: size}
	for i := 0; i < n; i++ {
		slice := make([]float32, size*size)
		for p := range slice {
			slice[p] = float32((p+i*7)%size) / float32(size)
		}
		s.Slices = append(s.Slices, slice)
	}
	return s
}

func always(v bool) func() bool {
	return func() bool { return v }
}

func TestRunBatchInvariant(t *testing.T) {
	stack := gradientStack(45, 16)

	m1 := testutil.NewThresholdModel(0.3, 0.7)
	r1 := &inference.Runner{Model: m1, BatchSize: 1, Accelerator: always(true)}
	one, err := r1.Run(context.Background(), stack)
	require.NoError(t, err)

	m20 := testutil.NewThresholdModel(0.3, 0.7)
	r20 := &inference.Runner{Model: m20, BatchSize: 20, Accelerator: always(true)}
	twenty, err := r20.Run(context.Background(), stack)
	require.NoError(t, err)

	require.Len(t, one, 45)
	assert.Equal(t, one, twenty)
	assert.Len(t, m1.Batches(), 45)
	assert.Equal(t, []int{20, 20, 5}, m20.Batches())
}

func TestRunPreservesOrder(t *testing.T) {
	stack := &preprocess.SliceStack{Size: 2}
	for i := 0; i < 5; i++ {
		v := float32(0)
		if i%2 == 1 {
			v = 1
		}
		stack.Slices = append(stack.Slices, []float32{v, v, v, v})
	}
	r := &inference.Runner{Model: testutil.NewThresholdModel(0.5), BatchSize: 2, Accelerator: always(true)}
	labels, err := r.Run(context.Background(), stack)
	require.NoError(t, err)
	for i, l := range labels {
		assert.Equal(t, inference.LabelSlice{uint8(i % 2), uint8(i % 2), uint8(i % 2), uint8(i % 2)}, l, "slice %d", i)
	}
}

func TestDevicePolicy(t *testing.T) {
	m := testutil.NewThresholdModel(0.5)

	r := &inference.Runner{Model: m, BatchSize: 20, Accelerator: always(true)}
	d, n := r.Device()
	assert.Equal(t, inference.DeviceAccelerated, d)
	assert.Equal(t, 20, n)

	r = &inference.Runner{Model: m, BatchSize: 20, Accelerator: always(false)}
	d, n = r.Device()
	assert.Equal(t, inference.DeviceFallback, d)
	assert.Equal(t, 1, n)

	r = &inference.Runner{Model: m, BatchSize: 20, ForceFallback: true, Accelerator: always(true)}
	d, n = r.Device()
	assert.Equal(t, inference.DeviceFallback, d)
	assert.Equal(t, 20, n)
}

func TestRunFallbackProcessesSerially(t *testing.T) {
	m := testutil.NewThresholdModel(0.5)
	r := &inference.Runner{Model: m, BatchSize: 20, Accelerator: always(false)}
	_, err := r.Run(context.Background(), gradientStack(4, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1}, m.Batches())
	assert.Equal(t, []inference.Device{inference.DeviceFallback}, m.Placements())
}

func TestRunFailsOnBatchError(t *testing.T) {
	m := &testutil.FailingModel{ThresholdModel: testutil.ThresholdModel{Thresholds: []float32{0.5}}, FailAt: 1}
	r := &inference.Runner{Model: m, BatchSize: 3, Accelerator: always(true)}
	labels, err := r.Run(context.Background(), gradientStack(9, 8))
	require.Error(t, err)
	assert.Nil(t, labels)
	assert.True(t, errors.Is(err, errs.ErrInference))
	assert.True(t, errors.Is(err, testutil.ErrEvaluate))

	var se *errs.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.Slice)
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	m := testutil.NewThresholdModel(0.5)
	r := &inference.Runner{Model: m, BatchSize: 2, Accelerator: always(true)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	labels, err := r.Run(ctx, gradientStack(6, 8))
	require.Error(t, err)
	assert.Nil(t, labels)
	assert.True(t, errors.Is(err, errs.ErrInference))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, m.Batches())
}

func TestRunRejectsMalformedScores(t *testing.T) {
	m := testutil.FuncModel{N: 2, Fn: func(b inference.Batch) (inference.Scores, error) {
		return inference.Scores{N: b.N, Classes: 2, Height: b.Height, Width: b.Width + 1}, nil
	}}
	r := &inference.Runner{Model: m, BatchSize: 2, Accelerator: always(true)}
	_, err := r.Run(context.Background(), gradientStack(2, 4))
	assert.True(t, errors.Is(err, errs.ErrInference))
}

func TestRunValidatesInput(t *testing.T) {
	m := testutil.NewThresholdModel(0.5)

	r := &inference.Runner{Model: m, BatchSize: 0, Accelerator: always(true)}
	_, err := r.Run(context.Background(), gradientStack(1, 4))
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	r = &inference.Runner{Model: m, BatchSize: 4, Accelerator: always(true)}
	_, err = r.Run(context.Background(), &preprocess.SliceStack{Size: 4})
	assert.True(t, errors.Is(err, errs.ErrEmptyInput))

	big := testutil.FuncModel{N: 300}
	r = &inference.Runner{Model: big, BatchSize: 4, Accelerator: always(true)}
	_, err = r.Run(context.Background(), gradientStack(1, 4))
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestArgMaxTiesGoToLowestClass(t *testing.T) {
	m := testutil.FuncModel{N: 3, Fn: func(b inference.Batch) (inference.Scores, error) {
		// pixel 0: classes 1 and 2 tie; pixel 1: class 2 wins
		return inference.Scores{
			Data:    []float32{0, 0, 5, 0, 5, 1},
			N:       1,
			Classes: 3,
			Height:  1,
			Width:   2,
		}, nil
	}}
	stack := &preprocess.SliceStack{Size: 1, Slices: [][]float32{{0}}}
	r := &inference.Runner{Model: m, BatchSize: 1, Accelerator: always(true)}
	_, err := r.Run(context.Background(), stack)
	require.Error(t, err, "scores wider than the batch must be rejected")

	stack = &preprocess.SliceStack{Size: 2, Slices: [][]float32{{0, 0, 0, 0}}}
	m.Fn = func(b inference.Batch) (inference.Scores, error) {
		// class planes of a 2x2 slice
		return inference.Scores{
			Data:    []float32{0, 0, 0, 9, 5, 1, 0, 0, 5, 2, 0, 0},
			N:       1,
			Classes: 3,
			Height:  2,
			Width:   2,
		}, nil
	}
	r.Model = m
	labels, err := r.Run(context.Background(), stack)
	require.NoError(t, err)
	assert.Equal(t, []inference.LabelSlice{{1, 2, 0, 0}}, labels)
}

func TestStack(t *testing.T) {
	vol := inference.Stack([]inference.LabelSlice{{0, 1, 1, 0}, {2, 2, 0, 0}}, 2)
	assert.Equal(t, 2, vol.Width)
	assert.Equal(t, 2, vol.Height)
	assert.Equal(t, 2, vol.Depth)
	assert.Equal(t, []uint8{0, 1, 1, 0, 2, 2, 0, 0}, vol.Data)
}
