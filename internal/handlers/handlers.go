package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/featurex/featurex/internal/config"
	"github.com/featurex/featurex/internal/extractor"
	"github.com/featurex/featurex/internal/logging"
	"github.com/featurex/featurex/internal/model"
	"github.com/featurex/featurex/internal/storage"
)

const (
	msgNoImage      = "No image uploaded"
	msgBadForm      = "Failed to parse form"
	msgNoDatabase   = "similarity search requires a database"
	maxTensorBodyMB = 64
)

var errNoUpload = errors.New("no upload")

// Store persists and searches feature vectors.
type Store interface {
	SaveBatch(ctx context.Context, records []storage.Record) ([]int64, error)
	Nearest(ctx context.Context, query []float32, k int) ([]storage.Match, error)
	Ping(ctx context.Context) error
}

// Config carries the handler settings that do not come from collaborators.
type Config struct {
	ModelName      string
	Dimensions     int
	MaxUploadBytes int64
	DefaultK       int
	// DatasetRoot, when set, confines /preprocess-dataset to that tree.
	DatasetRoot string
}

type Handler struct {
	extractor *extractor.Extractor
	store     Store
	cfg       Config
}

// NewHandler builds the HTTP handlers. store may be nil, which disables
// persistence and similarity search.
func NewHandler(ex *extractor.Extractor, store Store, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	return &Handler{
		extractor: ex,
		store:     store,
		cfg:       cfg,
	}
}

// DatasetResponse is the body of a successful /preprocess-dataset call.
type DatasetResponse struct {
	FeaturesData []extractor.Pair `json:"features_data"`
	ImageIDs     []int64          `json:"image_ids,omitempty"`
}

// SearchResponse is the body of a successful /search call.
type SearchResponse struct {
	Results []storage.Match `json:"results"`
}

// Health reports the model and, when persistence is on, whether the
// database answers. The service stays healthy without it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "healthy",
		"model":       h.cfg.ModelName,
		"dimensions":  h.cfg.Dimensions,
		"persistence": h.store != nil,
	}
	if h.store != nil {
		body["database"] = "ok"
		if err := h.store.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("database ping failed", slog.Any("error", err))
			body["database"] = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Extract serves /extract; the upload field is "image".
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	h.extractUpload(w, r, "image", "file")
}

// ExtractFeatures serves /extract-features; the upload field is "file".
func (h *Handler) ExtractFeatures(w http.ResponseWriter, r *http.Request) {
	h.extractUpload(w, r, "file", "image")
}

func (h *Handler) extractUpload(w http.ResponseWriter, r *http.Request, fields ...string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	data, ok := h.readUpload(w, r, fields...)
	if !ok {
		return
	}

	features, err := h.extractor.Extract(r.Context(), data)
	if err != nil {
		logging.FromContext(r.Context()).Error("feature extraction failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.FeatureResponse{Features: features})
}

// ExtractTensor runs the model on a JSON array that is already normalized.
func (h *Handler) ExtractTensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTensorBodyMB<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req model.TensorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if expected := h.extractor.TensorLen(); len(req.Tensor) != expected {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", expected, len(req.Tensor)))
		return
	}

	features, err := h.extractor.ExtractTensor(r.Context(), req.Tensor)
	if err != nil {
		logging.FromContext(r.Context()).Error("inference failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.FeatureResponse{Features: features})
}

// PreprocessDataset embeds every png/jpg/jpeg file in a server-local
// directory. Any failure fails the whole batch.
func (h *Handler) PreprocessDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	dir := r.URL.Query().Get("dataset_path")
	if dir == "" {
		writeError(w, http.StatusBadRequest, "dataset_path is required")
		return
	}
	if !h.allowedDataset(dir) {
		writeError(w, http.StatusForbidden, "dataset_path is outside the dataset root")
		return
	}

	logger := logging.FromContext(r.Context()).With(slog.String("dataset_path", dir))

	pairs, err := h.extractor.ExtractDir(r.Context(), dir)
	if err != nil {
		logger.Error("dataset preprocessing failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := DatasetResponse{FeaturesData: pairs}
	if h.store != nil && len(pairs) > 0 {
		records := make([]storage.Record, len(pairs))
		for i, p := range pairs {
			records[i] = storage.Record{Path: p.Path, Features: p.Features}
		}
		ids, err := h.store.SaveBatch(r.Context(), records)
		if err != nil {
			logger.Error("dataset persistence failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.ImageIDs = ids
	}

	logger.Info("dataset preprocessed", slog.Int("images", len(pairs)))
	writeJSON(w, http.StatusOK, resp)
}

// Search returns the stored images nearest to an uploaded one.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, msgNoDatabase)
		return
	}

	k := h.cfg.DefaultK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > config.MaxSearchK {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("k must be between 1 and %d", config.MaxSearchK))
			return
		}
		k = n
	}

	data, ok := h.readUpload(w, r, "image", "file")
	if !ok {
		return
	}

	logger := logging.FromContext(r.Context())

	query, err := h.extractor.Extract(r.Context(), data)
	if err != nil {
		logger.Error("feature extraction failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	matches, err := h.store.Nearest(r.Context(), query, k)
	if err != nil {
		logger.Error("similarity search failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if matches == nil {
		matches = []storage.Match{}
	}

	writeJSON(w, http.StatusOK, SearchResponse{Results: matches})
}

// readUpload returns the bytes of the first present file field. On failure
// it has already written the error response.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, fields ...string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	data, name, err := formFile(r, h.cfg.MaxUploadBytes, fields...)
	switch {
	case errors.Is(err, errNoUpload):
		writeError(w, http.StatusBadRequest, msgNoImage)
		return nil, false
	case err != nil:
		logging.FromContext(r.Context()).Warn("bad upload", slog.Any("error", err))
		writeError(w, http.StatusBadRequest, msgBadForm)
		return nil, false
	}

	logging.FromContext(r.Context()).Debug("received file",
		slog.String("filename", name), slog.Int("bytes", len(data)))
	return data, true
}

func formFile(r *http.Request, maxBytes int64, fields ...string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) ||
			errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, "", errNoUpload
		}
		return nil, "", err
	}

	for _, field := range fields {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		return data, header.Filename, nil
	}
	return nil, "", errNoUpload
}

// allowedDataset reports whether dir resolves, symlinks included, to a path
// inside DatasetRoot.
func (h *Handler) allowedDataset(dir string) bool {
	if h.cfg.DatasetRoot == "" {
		return true
	}
	root, err := resolve(h.cfg.DatasetRoot)
	if err != nil {
		return false
	}
	abs, err := resolve(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
