package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/featurex/featurex/internal/cache"
	"github.com/featurex/featurex/internal/config"
	"github.com/featurex/featurex/internal/extractor"
	"github.com/featurex/featurex/internal/handlers"
	"github.com/featurex/featurex/internal/logging"
	"github.com/featurex/featurex/internal/metrics"
	"github.com/featurex/featurex/internal/model"
	"github.com/featurex/featurex/internal/preprocess"
	"github.com/featurex/featurex/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "featurex: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("loading model", slog.String("path", cfg.ModelPath))

	modelServer, err := model.NewServer(cfg.ModelPath, cfg.MetadataPath, model.Options{
		SharedLibraryPath: cfg.SharedLibraryPath,
	})
	if err != nil {
		return fmt.Errorf("initialize model server: %w", err)
	}
	defer modelServer.Close()

	md := modelServer.Metadata
	preOpts := md.PreprocessOptions(cfg.ResizeFilter)
	preOpts.MaxPixels = cfg.MaxImagePixels
	pre, err := preprocess.New(preOpts)
	if err != nil {
		return fmt.Errorf("preprocessor: %w", err)
	}

	m := metrics.New()
	opts := []extractor.Option{extractor.WithMetrics(m)}

	if cfg.CacheEnabled() {
		rc, err := cache.NewRedis(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		defer rc.Close()
		opts = append(opts, extractor.WithCache(rc, modelServer.Fingerprint()))
		logger.Info("feature cache enabled", slog.String("addr", cfg.RedisAddr), slog.Duration("ttl", cfg.CacheTTL))
	}

	var store handlers.Store
	if cfg.PersistenceEnabled() {
		if err := storage.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		db, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
		logger.Info("persistence enabled")
	}

	ex := extractor.New(pre, modelServer, opts...)
	handler := handlers.NewHandler(ex, store, handlers.Config{
		ModelName:      md.Name,
		Dimensions:     md.Dimensions(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		DefaultK:       cfg.SearchDefaultK,
		DatasetRoot:    cfg.DatasetRoot,
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	root := handlers.Chain(handler.Routes(m),
		handlers.RequestID(logger),
		handlers.CORS(cfg.CORSOrigin),
		handlers.RateLimit(limiter),
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           otelhttp.NewHandler(root, "featurex"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server starting",
		slog.String("addr", cfg.Addr()),
		slog.String("model", md.Name),
		slog.Int("dimensions", md.Dimensions()),
		slog.Bool("persistence", store != nil),
	)
	logger.Info("endpoints",
		slog.String("GET /health", "health check"),
		slog.String("POST /extract", "features from upload field \"image\""),
		slog.String("POST /extract-features", "features from upload field \"file\""),
		slog.String("POST /extract/tensor", "features from a preprocessed tensor"),
		slog.String("POST /preprocess-dataset", "features for every image in dataset_path"),
		slog.String("POST /search", "nearest stored images"),
		slog.String("GET /metrics", "prometheus metrics"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
