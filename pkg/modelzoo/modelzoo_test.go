package modelzoo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungmask/internal/testutil"
	"lungmask/pkg/errs"
	"lungmask/pkg/inference"
)

var weightsBody = []byte("not really a checkpoint")

func digestPrefix() string {
	sum := sha256.Sum256(weightsBody)
	return hex.EncodeToString(sum[:])[:8]
}

func weightsServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if filepath.Ext(r.URL.Path) == ".missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(weightsBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookup(t *testing.T) {
	v, err := Lookup(FamilyUNet, "LTRCLobes")
	require.NoError(t, err)
	assert.Equal(t, 6, v.Classes)
	assert.Contains(t, v.URL, "unet_ltrclobes-3a07043d.pth")

	v, err = Lookup(FamilyUNet, "R231")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Classes)

	_, err = Lookup(FamilyResUNet, "R231")
	assert.Error(t, err)
	_, err = Lookup("vnet", "R231")
	assert.Error(t, err)
}

func TestVariantsSorted(t *testing.T) {
	var names []string
	for _, v := range Variants() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"LTRCLobes", "R231", "R231CovidWeb"}, names)
}

func TestCacheFetchVerifiesDigest(t *testing.T) {
	var hits atomic.Int32
	srv := weightsServer(t, &hits)
	c := &Cache{Dir: t.TempDir(), Client: srv.Client()}

	name := "unet_test-" + digestPrefix() + ".pth"
	path, err := c.Fetch(context.Background(), srv.URL+"/v0.0/"+name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir, name), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, weightsBody, data)

	// cached files are not downloaded again
	_, err = c.Fetch(context.Background(), srv.URL+"/v0.0/"+name)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCacheFetchRejectsBadDigest(t *testing.T) {
	var hits atomic.Int32
	srv := weightsServer(t, &hits)
	c := &Cache{Dir: t.TempDir(), Client: srv.Client()}

	_, err := c.Fetch(context.Background(), srv.URL+"/unet_test-deadbeef.pth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid hash value")

	_, statErr := os.Stat(filepath.Join(c.Dir, "unet_test-deadbeef.pth"))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(c.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheFetchErrors(t *testing.T) {
	var hits atomic.Int32
	srv := weightsServer(t, &hits)
	c := &Cache{Dir: t.TempDir(), Client: srv.Client()}

	_, err := c.Fetch(context.Background(), srv.URL+"/weights.missing")
	assert.Error(t, err)

	_, err = c.Fetch(context.Background(), srv.URL+"/")
	assert.Error(t, err)
}

type recordingLoader struct {
	loaded []Weights
	model  inference.Model
}

func (l *recordingLoader) Load(_ context.Context, w Weights) (inference.Model, error) {
	l.loaded = append(l.loaded, w)
	return l.model, nil
}

func TestProviderLocalWeights(t *testing.T) {
	l := &recordingLoader{model: testutil.NewThresholdModel(0.2, 0.4, 0.6, 0.8, 0.9)}
	p := NewProvider(t.TempDir(), l, nil)

	m, err := p.Get(context.Background(), FamilyUNet, "LTRCLobes", "/models/lobes.onnx")
	require.NoError(t, err)
	assert.Equal(t, 6, m.Classes())
	require.Len(t, l.loaded, 1)
	assert.Equal(t, Weights{Family: FamilyUNet, Variant: "LTRCLobes", Path: "/models/lobes.onnx", Classes: 6}, l.loaded[0])

	l.model = testutil.NewThresholdModel(0.3, 0.6)
	_, err = p.Get(context.Background(), FamilyResUNet, "custom", "/models/custom.onnx")
	require.NoError(t, err)
	assert.Equal(t, DefaultClasses, l.loaded[1].Classes)
}

func TestProviderPublishedWeights(t *testing.T) {
	var hits atomic.Int32
	srv := weightsServer(t, &hits)

	saved := registry
	t.Cleanup(func() { registry = saved })
	registry = map[variantKey]Variant{
		{FamilyUNet, "Test"}: {Family: FamilyUNet, Name: "Test", URL: srv.URL + "/unet_test-" + digestPrefix() + ".pth", Classes: 3},
	}

	l := &recordingLoader{model: testutil.NewThresholdModel(0.3, 0.6)}
	p := NewProvider(t.TempDir(), l, nil)
	p.Cache.Client = srv.Client()

	_, err := p.Get(context.Background(), FamilyUNet, "Test", "")
	require.NoError(t, err)
	require.Len(t, l.loaded, 1)
	assert.Equal(t, registry[variantKey{FamilyUNet, "Test"}].URL, l.loaded[0].URL)
	assert.FileExists(t, l.loaded[0].Path)

	p.SkipDownload = true
	_, err = p.Get(context.Background(), FamilyUNet, "Test", "")
	require.NoError(t, err)
	assert.Empty(t, l.loaded[1].Path)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProviderErrors(t *testing.T) {
	l := &recordingLoader{model: testutil.NewThresholdModel(0.5)}
	p := NewProvider(t.TempDir(), l, nil)

	_, err := p.Get(context.Background(), FamilyUNet, "Unknown", "")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = p.Get(context.Background(), "vnet", "R231", "/models/x.onnx")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	// two classes where R231 predicts three
	_, err = p.Get(context.Background(), FamilyUNet, "R231", "/models/r231.onnx")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	failing := LoaderFunc(func(context.Context, Weights) (inference.Model, error) {
		return nil, errors.New("corrupt weights")
	})
	p = NewProvider(t.TempDir(), failing, nil)
	_, err = p.Get(context.Background(), FamilyUNet, "R231", "/models/r231.onnx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	assert.Contains(t, err.Error(), "corrupt weights")

	_, err = (&Provider{}).Get(context.Background(), FamilyUNet, "R231", "")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}
