// Command preprocess embeds a local image directory and stores the vectors,
// without going through the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/featurex/featurex/internal/cache"
	"github.com/featurex/featurex/internal/config"
	"github.com/featurex/featurex/internal/extractor"
	"github.com/featurex/featurex/internal/logging"
	"github.com/featurex/featurex/internal/model"
	"github.com/featurex/featurex/internal/preprocess"
	"github.com/featurex/featurex/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "preprocess: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dir := flag.String("dir", "dataset", "directory of .png/.jpg/.jpeg images")
	dsn := flag.String("database-url", cfg.DatabaseURL, "postgres DSN; empty prints features as JSON instead")
	modelPath := flag.String("model", cfg.ModelPath, "ONNX model path")
	metadataPath := flag.String("metadata", cfg.MetadataPath, "model metadata path")
	flag.Parse()

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modelServer, err := model.NewServer(*modelPath, *metadataPath, model.Options{
		SharedLibraryPath: cfg.SharedLibraryPath,
	})
	if err != nil {
		return err
	}
	defer modelServer.Close()

	preOpts := modelServer.Metadata.PreprocessOptions(cfg.ResizeFilter)
	preOpts.MaxPixels = cfg.MaxImagePixels
	pre, err := preprocess.New(preOpts)
	if err != nil {
		return err
	}

	var opts []extractor.Option
	if cfg.CacheEnabled() {
		rc, err := cache.NewRedis(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		opts = append(opts, extractor.WithCache(rc, modelServer.Fingerprint()))
	}

	ex := extractor.New(pre, modelServer, opts...)

	logger.Info("preprocessing dataset", slog.String("dir", *dir))
	pairs, err := ex.ExtractDir(ctx, *dir)
	if err != nil {
		return err
	}

	if *dsn == "" {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"features_data": pairs})
	}

	if err := storage.Migrate(*dsn); err != nil {
		return err
	}
	store, err := storage.Open(ctx, *dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	records := make([]storage.Record, len(pairs))
	for i, p := range pairs {
		records[i] = storage.Record{Path: p.Path, Features: p.Features}
	}
	ids, err := store.SaveBatch(ctx, records)
	if err != nil {
		return err
	}

	images, vectors, err := store.Count(ctx)
	if err != nil {
		return err
	}
	logger.Info("dataset preprocessed",
		slog.Int("stored", len(ids)),
		slog.Int64("images_total", images),
		slog.Int64("vectors_total", vectors),
	)
	return nil
}
