// Package extractor wires preprocessing, inference and the optional feature
// cache into the image-to-vector pipeline.
package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/featurex/featurex/internal/logging"
	"github.com/featurex/featurex/internal/metrics"
	"github.com/featurex/featurex/internal/preprocess"
)

// Inferencer runs a frozen model on one normalized tensor.
type Inferencer interface {
	Infer(ctx context.Context, input []float32) ([]float32, error)
}

// Cache stores vectors by content digest.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, v []float32) error
}

// DatasetExtensions are the file suffixes picked up by ExtractDir.
var DatasetExtensions = []string{".png", ".jpg", ".jpeg"}

// Pair is one (path, feature vector) result of dataset preprocessing. It
// encodes as a two-element JSON array.
type Pair struct {
	Path     string
	Features []float32
}

func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Path, p.Features})
}

func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("pair must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Path); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Features)
}

// Extractor turns image bytes into feature vectors.
type Extractor struct {
	pre       *preprocess.Preprocessor
	model     Inferencer
	cache     Cache
	namespace string
	metrics   *metrics.Metrics
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithCache enables the feature cache. namespace must identify the model
// weights; the preprocessing pipeline is added to every key.
func WithCache(c Cache, namespace string) Option {
	return func(e *Extractor) {
		e.cache = c
		e.namespace = namespace
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

func New(pre *preprocess.Preprocessor, model Inferencer, opts ...Option) *Extractor {
	e := &Extractor{pre: pre, model: model}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TensorLen is the input length ExtractTensor expects.
func (e *Extractor) TensorLen() int {
	return e.pre.Len()
}

// Extract decodes, preprocesses and embeds one encoded image.
func (e *Extractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	key := ""
	if e.cache != nil {
		key = e.cacheKey(data)
		if v, ok := e.lookup(ctx, key); ok {
			return v, nil
		}
	}

	start := time.Now()
	tensor, err := e.pre.Process(data)
	e.metrics.ObservePreprocess(time.Since(start))
	if err != nil {
		return nil, err
	}

	features, err := e.ExtractTensor(ctx, tensor.Data)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, features); err != nil {
			logging.FromContext(ctx).Warn("feature cache write failed", slog.Any("error", err))
		}
	}
	return features, nil
}

// ExtractTensor runs inference on an already normalized tensor.
func (e *Extractor) ExtractTensor(ctx context.Context, input []float32) ([]float32, error) {
	start := time.Now()
	features, err := e.model.Infer(ctx, input)
	e.metrics.ObserveInference(time.Since(start))
	return features, err
}

// ExtractDir embeds every dataset image directly inside dir, in lexical
// order. The first failure aborts the batch and no pairs are returned.
func (e *Extractor) ExtractDir(ctx context.Context, dir string) ([]Pair, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	pairs := make([]Pair, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		features, err := e.Extract(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pairs = append(pairs, Pair{Path: path, Features: features})
		logger.Debug("dataset image processed", slog.String("path", path))
	}

	e.metrics.AddDatasetImages(len(pairs))
	return pairs, nil
}

// ListImages returns dir joined with the name of every regular file whose
// name ends in one of DatasetExtensions, sorted by file name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list dataset: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !hasDatasetExt(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

func hasDatasetExt(name string) bool {
	for _, ext := range DatasetExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func (e *Extractor) lookup(ctx context.Context, key string) ([]float32, bool) {
	v, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		e.metrics.CacheEvent("error")
		logging.FromContext(ctx).Warn("feature cache read failed", slog.Any("error", err))
		return nil, false
	case ok:
		e.metrics.CacheEvent("hit")
		return v, true
	default:
		e.metrics.CacheEvent("miss")
		return nil, false
	}
}

func (e *Extractor) cacheKey(data []byte) string {
	sum := sha256.Sum256(data)
	return e.namespace + ":" + pipeline(e.pre.Options()) + ":" + hex.EncodeToString(sum[:])
}

// pipeline names every preprocessing setting that changes the tensor.
func pipeline(o preprocess.Options) string {
	return fmt.Sprintf("%d-%s-%s-%s", o.Size, o.Filter, o.Normalization, o.Layout)
}
