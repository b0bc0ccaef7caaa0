package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurex/featurex/internal/preprocess"
)

const dims = 8

// fakeModel pools the input into dims buckets. It is deterministic and
// counts its calls.
type fakeModel struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeModel) Infer(_ context.Context, input []float32) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, dims)
	for i, v := range input {
		out[i%dims] += v
	}
	return out, nil
}

type memCache struct {
	data   map[string][]float32
	getErr error
	setErr error
}

func newMemCache() *memCache { return &memCache{data: map[string][]float32{}} }

func (c *memCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, v []float32) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = v
	return nil
}

func newPreprocessor(t *testing.T) *preprocess.Preprocessor {
	t.Helper()
	p, err := preprocess.New(preprocess.Options{Size: 32, Filter: preprocess.FilterBilinear, Layout: preprocess.LayoutNHWC, Normalization: preprocess.NormTF})
	require.NoError(t, err)
	return p
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.NRGBA{shade, uint8(x * 6), uint8(y * 8), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestExtractDeterministic(t *testing.T) {
	model := &fakeModel{}
	e := New(newPreprocessor(t), model)
	data := pngBytes(t, 10)

	first, err := e.Extract(context.Background(), data)
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), data)
	require.NoError(t, err)

	assert.Len(t, first, dims)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, model.calls)
}

func TestExtractDecodeError(t *testing.T) {
	model := &fakeModel{}
	e := New(newPreprocessor(t), model)

	_, err := e.Extract(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, preprocess.ErrDecode)
	assert.Zero(t, model.calls)
}

func TestExtractUsesCache(t *testing.T) {
	model := &fakeModel{}
	cache := newMemCache()
	e := New(newPreprocessor(t), model, WithCache(cache, "mobilenet_v2"))
	data := pngBytes(t, 99)

	first, err := e.Extract(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, cache.data, 1)
	for key := range cache.data {
		assert.Contains(t, key, "mobilenet_v2:")
	}

	second, err := e.Extract(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, model.calls)
}

func TestExtractCacheSeparatesPipelines(t *testing.T) {
	cache := newMemCache()
	data := pngBytes(t, 90)
	ctx := context.Background()

	withFilter := func(f preprocess.Filter) *preprocess.Preprocessor {
		p, err := preprocess.New(preprocess.Options{Size: 32, Filter: f, Layout: preprocess.LayoutNHWC, Normalization: preprocess.NormTF})
		require.NoError(t, err)
		return p
	}

	nearest := New(withFilter(preprocess.FilterNearest), &fakeModel{}, WithCache(cache, "mobilenet_v2"))
	lanczosModel := &fakeModel{}
	lanczos := New(withFilter(preprocess.FilterLanczos), lanczosModel, WithCache(cache, "mobilenet_v2"))

	_, err := nearest.Extract(ctx, data)
	require.NoError(t, err)

	served, err := lanczos.Extract(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, lanczosModel.calls, "lanczos pipeline must not reuse the nearest entry")
	assert.Len(t, cache.data, 2)

	uncached, err := New(withFilter(preprocess.FilterLanczos), &fakeModel{}).Extract(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, uncached, served)
}

func TestCacheKeyCoversPipeline(t *testing.T) {
	base := preprocess.Options{Size: 224, Filter: preprocess.FilterLanczos, Layout: preprocess.LayoutNHWC, Normalization: preprocess.NormTF}
	variants := []preprocess.Options{base}
	for _, change := range []func(*preprocess.Options){
		func(o *preprocess.Options) { o.Size = 299 },
		func(o *preprocess.Options) { o.Filter = preprocess.FilterBicubic },
		func(o *preprocess.Options) { o.Layout = preprocess.LayoutNCHW },
		func(o *preprocess.Options) { o.Normalization = preprocess.NormTorch },
	} {
		o := base
		change(&o)
		variants = append(variants, o)
	}

	keys := map[string]bool{}
	for _, o := range variants {
		p, err := preprocess.New(o)
		require.NoError(t, err)
		keys[New(p, &fakeModel{}, WithCache(newMemCache(), "m@abc")).cacheKey([]byte("img"))] = true
	}
	assert.Len(t, keys, len(variants))
}

func TestExtractCacheFailuresAreIgnored(t *testing.T) {
	model := &fakeModel{}
	cache := newMemCache()
	cache.getErr = errors.New("connection reset")
	cache.setErr = errors.New("connection reset")
	e := New(newPreprocessor(t), model, WithCache(cache, "m"))

	v, err := e.Extract(context.Background(), pngBytes(t, 1))
	require.NoError(t, err)
	assert.Len(t, v, dims)
	assert.Equal(t, 1, model.calls)
}

func TestExtractTensorPropagatesModelError(t *testing.T) {
	e := New(newPreprocessor(t), &fakeModel{err: errors.New("session broken")})

	_, err := e.ExtractTensor(context.Background(), make([]float32, e.TensorLen()))
	assert.EqualError(t, err, "session broken")
}

func writeDataset(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return dir
}

func TestExtractDir(t *testing.T) {
	dir := writeDataset(t, map[string][]byte{
		"b.jpg":     pngBytes(t, 2),
		"a.png":     pngBytes(t, 1),
		"c.jpeg":    pngBytes(t, 3),
		"notes.txt": []byte("ignored"),
		"upper.PNG": []byte("ignored, suffix is case-sensitive"),
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))

	e := New(newPreprocessor(t), &fakeModel{})
	pairs, err := e.ExtractDir(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, pairs, 3)
	assert.Equal(t, filepath.Join(dir, "a.png"), pairs[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.jpg"), pairs[1].Path)
	assert.Equal(t, filepath.Join(dir, "c.jpeg"), pairs[2].Path)
	for _, p := range pairs {
		assert.Len(t, p.Features, dims)
	}
}

func TestExtractDirAbortsOnInvalidImage(t *testing.T) {
	dir := writeDataset(t, map[string][]byte{
		"a.png": pngBytes(t, 1),
		"b.jpg": []byte("corrupt"),
		"c.png": pngBytes(t, 3),
	})

	pairs, err := New(newPreprocessor(t), &fakeModel{}).ExtractDir(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, preprocess.ErrDecode)
	assert.Contains(t, err.Error(), "b.jpg")
	assert.Nil(t, pairs)
}

func TestExtractDirMissing(t *testing.T) {
	_, err := New(newPreprocessor(t), &fakeModel{}).ExtractDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestExtractDirEmpty(t *testing.T) {
	pairs, err := New(newPreprocessor(t), &fakeModel{}).ExtractDir(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestPairJSON(t *testing.T) {
	raw, err := json.Marshal(Pair{Path: "dataset/a.png", Features: []float32{0.5, 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `["dataset/a.png",[0.5,1]]`, string(raw))

	var back Pair
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "dataset/a.png", back.Path)
	assert.Equal(t, []float32{0.5, 1}, back.Features)

	assert.Error(t, json.Unmarshal([]byte(`["only-path"]`), &back))
}
