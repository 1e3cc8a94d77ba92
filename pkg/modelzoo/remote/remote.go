// Package remote evaluates segmentation networks hosted by an external
// inference service over HTTP.
//
// The service accepts POST /evaluate with the model to use and an NCHW
// batch, and answers with NCHW class scores. Float tensors travel as
// base64-encoded little-endian float32 values. GET /health reports whether
// the service is up.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"

	"lungmask/pkg/inference"
	"lungmask/pkg/modelzoo"
)

// Tensor is the wire form of a 4D float32 tensor.
type Tensor struct {
	Shape []int  `json:"shape"`
	Data  string `json:"data"`
}

// EvaluateRequest is the body of POST /evaluate.
type EvaluateRequest struct {
	Family     string `json:"family"`
	Variant    string `json:"variant"`
	WeightsURL string `json:"weights_url,omitempty"`
	Classes    int    `json:"classes"`
	Device     string `json:"device"`
	Batch      Tensor `json:"batch"`
}

// EvaluateResponse is the body answering POST /evaluate.
type EvaluateResponse struct {
	Scores Tensor `json:"scores"`
}

// EncodeFloats packs values into the wire encoding.
func EncodeFloats(values []float32) string {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloats unpacks the wire encoding.
func DecodeFloats(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode tensor: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload of %d bytes is not a float32 array", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

// Model forwards evaluations to a remote service.
type Model struct {
	baseURL string
	client  *http.Client
	weights modelzoo.Weights

	mu     sync.Mutex
	device inference.Device
}

// New returns a model served at baseURL. A nil client selects
// http.DefaultClient.
func New(baseURL string, client *http.Client, w modelzoo.Weights) *Model {
	if client == nil {
		client = http.DefaultClient
	}
	return &Model{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		weights: w,
		device:  inference.DeviceFallback,
	}
}

// Loader returns a modelzoo.Loader creating models served at baseURL.
// The service must be healthy at load time.
func Loader(baseURL string, client *http.Client) modelzoo.Loader {
	return modelzoo.LoaderFunc(func(ctx context.Context, w modelzoo.Weights) (inference.Model, error) {
		m := New(baseURL, client, w)
		if err := m.Health(ctx); err != nil {
			return nil, err
		}
		return m, nil
	})
}

// Classes implements inference.Model.
func (m *Model) Classes() int {
	return m.weights.Classes
}

// Place implements inference.Placer. The device is forwarded with every
// request.
func (m *Model) Place(d inference.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device = d
	return nil
}

// Evaluate implements inference.Model.
func (m *Model) Evaluate(ctx context.Context, b inference.Batch) (inference.Scores, error) {
	m.mu.Lock()
	device := m.device
	m.mu.Unlock()

	body, err := json.Marshal(EvaluateRequest{
		Family:     m.weights.Family,
		Variant:    m.weights.Variant,
		WeightsURL: m.weights.URL,
		Classes:    m.weights.Classes,
		Device:     device.String(),
		Batch: Tensor{
			Shape: []int{b.N, 1, b.Height, b.Width},
			Data:  EncodeFloats(b.Data),
		},
	})
	if err != nil {
		return inference.Scores{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return inference.Scores{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return inference.Scores{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return inference.Scores{}, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return inference.Scores{}, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Scores.Shape) != 4 {
		return inference.Scores{}, fmt.Errorf("scores have %d dimensions, expected 4", len(result.Scores.Shape))
	}
	data, err := DecodeFloats(result.Scores.Data)
	if err != nil {
		return inference.Scores{}, err
	}

	return inference.Scores{
		Data:    data,
		N:       result.Scores.Shape[0],
		Classes: result.Scores.Shape[1],
		Height:  result.Scores.Shape[2],
		Width:   result.Scores.Shape[3],
	}, nil
}

// Health checks that the service is reachable.
func (m *Model) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
