package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/featurex/featurex/internal/preprocess"
)

// Metadata describes an exported feature extractor: tensor names and shapes
// plus the preprocessing contract the weights were trained with.
type Metadata struct {
	Name          string  `json:"name"`
	InputName     string  `json:"input_name"`
	OutputName    string  `json:"output_name"`
	InputShape    []int64 `json:"input_shape"`
	OutputShape   []int64 `json:"output_shape"`
	ImageSize     int     `json:"image_size"`
	Layout        string  `json:"layout"`
	Normalization string  `json:"normalization"`
	ResizeFilter  string  `json:"resize_filter"`
}

// LoadMetadata reads and validates a metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	md.applyDefaults()

	if err := md.Validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m *Metadata) applyDefaults() {
	if m.Name == "" {
		m.Name = "mobilenet_v2"
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Layout == "" {
		m.Layout = string(preprocess.LayoutNHWC)
	}
	if m.Normalization == "" {
		m.Normalization = string(preprocess.NormTF)
	}
	if m.ResizeFilter == "" {
		m.ResizeFilter = string(preprocess.FilterLanczos)
	}
	if m.ImageSize == 0 && len(m.InputShape) == 4 {
		if preprocess.Layout(m.Layout) == preprocess.LayoutNCHW {
			m.ImageSize = int(m.InputShape[2])
		} else {
			m.ImageSize = int(m.InputShape[1])
		}
	}
}

// Validate checks that the shapes agree with each other and with the image
// size.
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must have 4 dimensions, got %v", m.InputShape)
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("only batch size 1 is supported, got %d", m.InputShape[0])
	}
	if len(m.OutputShape) < 2 || m.OutputShape[0] != 1 {
		return fmt.Errorf("output_shape must be [1, ...], got %v", m.OutputShape)
	}
	for _, d := range m.OutputShape {
		if d <= 0 {
			return fmt.Errorf("output_shape has non-positive dimension: %v", m.OutputShape)
		}
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive")
	}

	s := int64(m.ImageSize)
	var want []int64
	switch preprocess.Layout(m.Layout) {
	case preprocess.LayoutNHWC:
		want = []int64{1, s, s, 3}
	case preprocess.LayoutNCHW:
		want = []int64{1, 3, s, s}
	default:
		return fmt.Errorf("unknown layout %q", m.Layout)
	}
	for i := range want {
		if m.InputShape[i] != want[i] {
			return fmt.Errorf("input_shape %v does not match %s layout of a %dx%d image", m.InputShape, m.Layout, s, s)
		}
	}
	return nil
}

// InputSize is the number of float32 values the model consumes.
func (m Metadata) InputSize() int {
	return product(m.InputShape)
}

// Dimensions is the length of the flattened feature vector.
func (m Metadata) Dimensions() int {
	return product(m.OutputShape)
}

// PreprocessOptions derives the preprocessing contract. A non-empty filter
// overrides the metadata's resize filter.
func (m Metadata) PreprocessOptions(filter string) preprocess.Options {
	if filter == "" {
		filter = m.ResizeFilter
	}
	return preprocess.Options{
		Size:          m.ImageSize,
		Filter:        preprocess.Filter(filter),
		Layout:        preprocess.Layout(m.Layout),
		Normalization: preprocess.Normalization(m.Normalization),
	}
}

func product(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// TensorRequest is the body of a raw tensor inference call.
type TensorRequest struct {
	Tensor []float32 `json:"tensor"`
}

// FeatureResponse carries one feature vector.
type FeatureResponse struct {
	Features []float32 `json:"features"`
}
