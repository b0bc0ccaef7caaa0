package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ErrInputSize is returned when an input tensor has the wrong length.
var ErrInputSize = errors.New("input tensor has wrong size")

// Options tunes how the ONNX runtime is loaded.
type Options struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the loader's
	// default search path.
	SharedLibraryPath string
}

// Server owns one ONNX Runtime session over a frozen feature extractor.
// Input and output tensors are allocated once and reused, so Infer calls are
// serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	digest       string
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewServer(modelPath, metadataPath string, opts Options) (*Server, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	digest, err := fileDigest(modelPath, metadataPath)
	if err != nil {
		return nil, err
	}

	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s := &Server{Metadata: metadata, digest: digest}

	s.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{s.inputTensor}, []ort.ArbitraryTensor{s.outputTensor},
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return s, nil
}

// Infer runs the forward pass on one normalized tensor and returns a copy of
// the pooled, flattened output.
func (s *Server) Infer(ctx context.Context, input []float32) ([]float32, error) {
	if want := s.Metadata.InputSize(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(input))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := s.outputTensor.GetData()
	features := make([]float32, len(out))
	copy(features, out)
	return features, nil
}

// Fingerprint identifies the loaded weights and metadata: the model name
// followed by a digest of both files.
func (s *Server) Fingerprint() string {
	return s.Metadata.Name + "@" + s.digest
}

// fileDigest hashes the files in order and returns a short hex digest.
func fileDigest(paths ...string) (string, error) {
	h := sha256.New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	ort.DestroyEnvironment()
}
