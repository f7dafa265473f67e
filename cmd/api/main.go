// Package main implements the photo search API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/embed"
	"github.com/WessleyAI/wessley-photos/engine/search"
	"github.com/WessleyAI/wessley-photos/engine/semantic"
	"github.com/WessleyAI/wessley-photos/engine/tokenizer"
	"github.com/WessleyAI/wessley-photos/pkg/config"
	"github.com/WessleyAI/wessley-photos/pkg/metrics"
	"github.com/WessleyAI/wessley-photos/pkg/resilience"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		addr       = flag.String("addr", "", "listen address (overrides server.addr)")
		memory     = flag.Bool("memory", false, "use the in-memory vector store")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *memory {
		cfg.Store.Backend = "memory"
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokOpts, err := tokenizerOptions(cfg.Tokenizer)
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(cfg.Tokenizer.VocabPath, cfg.Tokenizer.MergesPath, tokOpts)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	logger.Info("tokenizer loaded", "vocab", tok.VocabSize(), "merges", tok.MergeCount(), "fallback", tok.Strategy())

	engine, err := embed.NewONNXEngine(embed.ONNXOptions{
		ImageModelPath:    cfg.Model.ImageModelPath,
		TextModelPath:     cfg.Model.TextModelPath,
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
		ImageSize:         cfg.Model.ImageSize,
		Dimension:         cfg.Model.Dimension,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
	})
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	gen, err := embed.New(engine, tok, embed.Config{
		Dimension: cfg.Model.Dimension,
		ImageSize: cfg.Model.ImageSize,
		Workers:   cfg.Model.Workers,
	}, logger)
	if err != nil {
		_ = engine.Close()
		return err
	}
	defer gen.Close()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := metrics.New()
	reg.CollectRuntime(ctx, "photos_api", 15*time.Second)

	breakerState := reg.Gauge("photos_api_store_breaker_state", "Vector store breaker state (0 closed, 1 open, 2 half-open)")
	guarded := newGuardedStore(store, resilience.BreakerOpts{
		FailThreshold: cfg.Store.BreakerFails,
		Timeout:       cfg.Store.BreakerReset,
		OnStateChange: func(from, to resilience.State) {
			breakerState.Set(int64(to))
			logger.Warn("vector store breaker", "from", from.String(), "to", to.String())
		},
	})

	svc := search.New(gen, guarded, search.Options{SearchTimeout: cfg.Search.Timeout}, logger)

	handler := newServer(serverDeps{
		Search:     svc,
		Collection: guarded,
		Tokenizer: tokenizer.HealthOptions{
			VocabPath:         cfg.Tokenizer.VocabPath,
			MergesPath:        cfg.Tokenizer.MergesPath,
			ExpectedVocabSize: cfg.Tokenizer.ExpectedVocabSize,
			ExpectedMerges:    cfg.Tokenizer.ExpectedMerges,
			Tokenizer:         tokOpts,
		},
		Metrics: reg,
		Logger:  logger,
	}, cfg.Server)

	if cfg.Server.MetricsAddr != "" {
		reg.ServeAsync(ctx, cfg.Server.MetricsAddr, logger)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func tokenizerOptions(c config.TokenizerConfig) (tokenizer.Options, error) {
	strategy, err := tokenizer.ParseStrategy(c.Fallback)
	if err != nil {
		return tokenizer.Options{}, err
	}
	return tokenizer.Options{
		MaxLength:  c.MaxLength,
		Fallback:   strategy,
		CacheSize:  c.CacheSize,
		MergeLimit: c.MergeLimit,
	}, nil
}

// openStore connects the configured backend and makes sure the collection
// exists with the model's dimension.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (vectorStore, func(), error) {
	metric, err := semantic.ParseMetric(cfg.Store.Metric)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Backend == "memory" {
		logger.Warn("using in-memory vector store; data is lost on exit")
		return semantic.NewMemoryStore(cfg.Model.Dimension, metric), func() {}, nil
	}

	vs, err := semantic.New(cfg.Store.QdrantAddr, cfg.Store.Collection)
	if err != nil {
		return nil, nil, fmt.Errorf("qdrant connect: %w", err)
	}
	if err := vs.EnsureCollection(ctx, cfg.Model.Dimension, metric); err != nil {
		_ = vs.Close()
		return nil, nil, fmt.Errorf("qdrant ensure collection: %w", err)
	}
	logger.Info("connected to qdrant", "addr", cfg.Store.QdrantAddr, "collection", vs.Collection())
	return vs, func() { _ = vs.Close() }, nil
}
