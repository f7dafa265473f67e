// Command ingest embeds images from a blob source into the vector store. It
// walks the source directly, publishes object keys to NATS for a consumer
// fleet, or runs as one of those consumers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-photos/engine/embed"
	"github.com/WessleyAI/wessley-photos/engine/ingest"
	"github.com/WessleyAI/wessley-photos/engine/semantic"
	"github.com/WessleyAI/wessley-photos/engine/tokenizer"
	"github.com/WessleyAI/wessley-photos/pkg/blob"
	"github.com/WessleyAI/wessley-photos/pkg/config"
	"github.com/WessleyAI/wessley-photos/pkg/metrics"
	"github.com/WessleyAI/wessley-photos/pkg/natsutil"
	"github.com/WessleyAI/wessley-photos/pkg/resilience"
)

var met = metrics.New()

var (
	mImages      = met.Counter("photos_ingest_images_total", "Images embedded and stored")
	mSkipped     = met.Counter("photos_ingest_skipped_total", "Images skipped as already ingested")
	mFailures    = met.Counter("photos_ingest_failures_total", "Images that failed ingestion")
	mPublished   = met.Counter("photos_ingest_published_total", "Object keys published to NATS")
	mListed      = met.Gauge("photos_ingest_listed_keys", "Image keys found by the last scan")
	mLastScan    = met.Gauge("photos_ingest_last_scan_timestamp", "Epoch of last source scan")
	mScanDur     = met.Histogram("photos_ingest_scan_duration_seconds", "Time to ingest one scan", []float64{1, 10, 60, 300, 900, 3600})
	mEmbedDur    = met.Histogram("photos_ingest_embed_duration_seconds", "Image embedding time", nil)
	mUpsertDur   = met.Histogram("photos_ingest_upsert_duration_seconds", "Vector store write latency", nil)
	mBreaker     = met.Gauge("photos_ingest_store_breaker_state", "Vector store breaker state (0 closed, 1 open, 2 half-open)")
	mStageErrors = func(stage string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("photos_ingest_errors_total", "stage", stage), "Ingestion errors by stage")
	}
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		mode        = flag.String("mode", "walk", "walk, publish or consume")
		prefix      = flag.String("prefix", "", "only ingest keys under this prefix (overrides ingest.prefix)")
		interval    = flag.Duration("interval", 0, "rescan interval in walk mode; zero scans once")
		stateFile   = flag.String("state", ".ingest-state.json", "processed keys state file")
		metricsAddr = flag.String("metrics", ":9091", "metrics listen address; empty disables")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if *prefix != "" {
		cfg.Ingest.Prefix = *prefix
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime(ctx, "photos_ingest", 15*time.Second)
	if *metricsAddr != "" {
		met.ServeAsync(ctx, *metricsAddr, log)
	}

	state := loadState(*stateFile)

	switch *mode {
	case "walk":
		err = walk(ctx, cfg, state, *interval, log)
	case "publish":
		err = publish(ctx, cfg, state, log)
	case "consume":
		err = consume(ctx, cfg, state, log)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Error("ingest failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

// openSource builds the configured blob backend.
func openSource(ctx context.Context, c config.BlobConfig) (blob.Source, error) {
	if c.Backend == "s3" {
		src, err := blob.NewS3Source(ctx, blob.S3Config{
			Region:         c.Region,
			Bucket:         c.Bucket,
			Endpoint:       c.Endpoint,
			ForcePathStyle: c.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	src, err := blob.NewDirSource(c.Dir)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// buildDeps loads the image tower, connects the store and wires the
// ingestion dependencies. The returned func releases them.
func buildDeps(ctx context.Context, cfg *config.Config, src blob.Source, state *processedState, log *slog.Logger) (ingest.Deps, func(), error) {
	strategy, err := tokenizer.ParseStrategy(cfg.Tokenizer.Fallback)
	if err != nil {
		return ingest.Deps{}, nil, err
	}
	tok, err := tokenizer.Load(cfg.Tokenizer.VocabPath, cfg.Tokenizer.MergesPath, tokenizer.Options{
		MaxLength:  cfg.Tokenizer.MaxLength,
		Fallback:   strategy,
		CacheSize:  cfg.Tokenizer.CacheSize,
		MergeLimit: cfg.Tokenizer.MergeLimit,
	})
	if err != nil {
		return ingest.Deps{}, nil, err
	}
	engine, err := embed.NewONNXEngine(embed.ONNXOptions{
		ImageModelPath:    cfg.Model.ImageModelPath,
		TextModelPath:     cfg.Model.TextModelPath,
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
		ImageSize:         cfg.Model.ImageSize,
		Dimension:         cfg.Model.Dimension,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
	})
	if err != nil {
		return ingest.Deps{}, nil, err
	}
	gen, err := embed.New(engine, tok, embed.Config{
		Dimension: cfg.Model.Dimension,
		ImageSize: cfg.Model.ImageSize,
		Workers:   cfg.Model.Workers,
	}, log)
	if err != nil {
		_ = engine.Close()
		return ingest.Deps{}, nil, err
	}

	metric, err := semantic.ParseMetric(cfg.Store.Metric)
	if err != nil {
		_ = gen.Close()
		return ingest.Deps{}, nil, err
	}
	vs, err := semantic.New(cfg.Store.QdrantAddr, cfg.Store.Collection)
	if err != nil {
		_ = gen.Close()
		return ingest.Deps{}, nil, fmt.Errorf("qdrant connect: %w", err)
	}
	if err := vs.EnsureCollection(ctx, cfg.Model.Dimension, metric); err != nil {
		_ = gen.Close()
		_ = vs.Close()
		return ingest.Deps{}, nil, fmt.Errorf("qdrant ensure collection: %w", err)
	}
	log.Info("connected to qdrant", "collection", vs.Collection(), "dims", cfg.Model.Dimension)

	deps := ingest.Deps{
		Source:       src,
		Embedder:     timedEmbedder{gen},
		Store:        &recordingStore{store: vs, state: state},
		DeduplicateF: state.Seen,
		FetchLimiter: resilience.NewLimiter(resilience.LimiterOpts{
			Rate:  cfg.Ingest.FetchRate,
			Burst: cfg.Ingest.FetchBurst,
		}),
		Breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: cfg.Store.BreakerFails,
			Timeout:       cfg.Store.BreakerReset,
			OnStateChange: func(from, to resilience.State) {
				mBreaker.Set(int64(to))
				log.Warn("vector store breaker", "from", from.String(), "to", to.String())
			},
		}),
		Logger: log,
	}
	release := func() {
		_ = gen.Close()
		_ = vs.Close()
	}
	return deps, release, nil
}

// walk lists the source and ingests every new image in-process.
func walk(ctx context.Context, cfg *config.Config, state *processedState, interval time.Duration, log *slog.Logger) error {
	src, err := openSource(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	deps, release, err := buildDeps(ctx, cfg, src, state, log)
	if err != nil {
		return err
	}
	defer release()
	pipeline := ingest.NewPipeline(deps)

	scan := func() {
		start := time.Now()
		mLastScan.Set(start.Unix())
		keys, err := src.List(ctx, cfg.Ingest.Prefix)
		if err != nil {
			mStageErrors("list").Inc()
			log.Error("list failed", "error", err)
			return
		}
		mListed.Set(int64(len(keys)))

		st := ingest.Run(ctx, pipeline, keys, cfg.Ingest.Workers, deps.DeduplicateF)
		mImages.Add(int64(st.Ingested))
		mSkipped.Add(int64(st.Skipped))
		mFailures.Add(int64(len(st.Failures)))
		for _, f := range st.Failures {
			log.Error("ingest failed", "object_key", f.ObjectKey, "error", f.Err, "permanent", ingest.IsPermanent(f.Err))
		}
		if err := state.Save(); err != nil {
			log.Warn("save state failed", "error", err)
		}
		mScanDur.Since(start)
		log.Info("scan done", "listed", len(keys), "ingested", st.Ingested, "skipped", st.Skipped, "failed", len(st.Failures))
	}

	scan()
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			scan()
		}
	}
}

// publish lists the source and queues every new image on NATS.
func publish(ctx context.Context, cfg *config.Config, state *processedState, log *slog.Logger) error {
	src, err := openSource(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	keys, err := src.List(ctx, cfg.Ingest.Prefix)
	if err != nil {
		return err
	}
	n, err := publishKeys(ctx, nc, keys, state)
	if err != nil {
		return err
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	log.Info("published", "listed", len(keys), "published", n, "subject", ingest.IngestSubject)
	return nil
}

func publishKeys(ctx context.Context, nc *nats.Conn, keys []string, state *processedState) (int, error) {
	n := 0
	for _, k := range keys {
		if seen, _ := state.Seen(ctx, k); seen {
			mSkipped.Inc()
			continue
		}
		if err := natsutil.Publish(ctx, nc, ingest.IngestSubject, ingest.Message{ObjectKey: k}); err != nil {
			return n, fmt.Errorf("publish %s: %w", k, err)
		}
		mPublished.Inc()
		n++
	}
	return n, nil
}

// consume subscribes to the ingest subject until interrupted.
func consume(ctx context.Context, cfg *config.Config, state *processedState, log *slog.Logger) error {
	src, err := openSource(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	deps, release, err := buildDeps(ctx, cfg, src, state, log)
	if err != nil {
		return err
	}
	defer release()

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, deps)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	log.Info("consuming", "subject", ingest.IngestSubject, "nats", cfg.NATS.URL)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return state.Save()
		case <-ticker.C:
			if err := state.Save(); err != nil {
				log.Warn("save state failed", "error", err)
			}
		}
	}
}
