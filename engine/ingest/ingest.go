// Package ingest provides the ingestion pipeline that fetches images by
// object key, embeds them, and upserts them into the vector store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/domain"
	"github.com/WessleyAI/wessley-photos/engine/embed"
	"github.com/WessleyAI/wessley-photos/pkg/blob"
	"github.com/WessleyAI/wessley-photos/pkg/fn"
	"github.com/WessleyAI/wessley-photos/pkg/natsutil"
	"github.com/WessleyAI/wessley-photos/pkg/resilience"
	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

const (
	// IngestSubject is the NATS subject for incoming ingestion requests.
	IngestSubject = "photos.ingest"
	// DLQSubject is the dead letter queue subject for failed messages.
	DLQSubject = "photos.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
)

// ErrEmptyObjectKey rejects messages without a key.
var ErrEmptyObjectKey = errors.New("ingest: empty object key")

// Fetcher reads image bytes by object key.
type Fetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ImageEmbedder produces a normalized image embedding.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
}

// Upserter writes one record to the vector store.
type Upserter interface {
	Upsert(ctx context.Context, objectKey string, vector []float32, payload map[string]any) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Source       Fetcher
	Embedder     ImageEmbedder
	Store        Upserter
	DeduplicateF func(ctx context.Context, objectKey string) (bool, error) // returns true if already ingested
	// NewBackOff builds the retry policy for blob fetches. Defaults to
	// DefaultBackOff.
	NewBackOff func() backoff.BackOff
	// FetchLimiter, when set, paces blob reads.
	FetchLimiter *resilience.Limiter
	// Breaker, when set, guards the vector store stage.
	Breaker *resilience.Breaker
	Logger  *slog.Logger
}

// DefaultBackOff retries transient fetch errors three times with
// exponential delays.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// IsPermanent reports whether err will fail again on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrEmptyObjectKey) ||
		errors.Is(err, blob.ErrNotFound) ||
		errors.Is(err, embed.ErrEmptyImage) ||
		errors.Is(err, embed.ErrImageTooLarge) ||
		errors.Is(err, image.ErrFormat)
}

// --- Pipeline Stages ---

// Validate trims and checks the object key.
var Validate fn.Stage[Message, Message] = func(_ context.Context, m Message) fn.Result[Message] {
	m.ObjectKey = strings.TrimSpace(m.ObjectKey)
	if m.ObjectKey == "" {
		return fn.Err[Message](ErrEmptyObjectKey)
	}
	return fn.Ok(m)
}

// NewFetch creates a Fetch stage that reads the blob, retrying transient
// errors with the given policy. Missing objects are not retried.
func NewFetch(src Fetcher, newBackOff func() backoff.BackOff) fn.Stage[Message, Image] {
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}
	return func(ctx context.Context, m Message) fn.Result[Image] {
		var data []byte
		op := func() error {
			d, err := src.Get(ctx, m.ObjectKey)
			if errors.Is(err, blob.ErrNotFound) {
				return backoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			data = d
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(newBackOff(), ctx)); err != nil {
			return fn.Err[Image](fmt.Errorf("fetch %s: %w", m.ObjectKey, err))
		}
		return fn.Ok(Image{Message: m, Data: data})
	}
}

// pacedFetcher waits for a limiter token before every read.
type pacedFetcher struct {
	src Fetcher
	lim *resilience.Limiter
}

func (p pacedFetcher) Get(ctx context.Context, key string) ([]byte, error) {
	if err := p.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return p.src.Get(ctx, key)
}

// NewEmbed creates an Embed stage that runs the image tower.
func NewEmbed(e ImageEmbedder) fn.Stage[Image, EmbeddedImage] {
	return func(ctx context.Context, img Image) fn.Result[EmbeddedImage] {
		vec, err := e.EmbedImage(ctx, img.Data)
		if err != nil {
			return fn.Err[EmbeddedImage](fmt.Errorf("embed %s: %w", img.ObjectKey, err))
		}
		return fn.Ok(EmbeddedImage{
			Message: img.Message,
			Path:    domain.ParseObjectKey(img.ObjectKey).WithPayload(img.Payload),
			Vector:  vec,
		})
	}
}

// NewStore creates a Store stage that upserts into the vector store and
// yields the object key.
func NewStore(s Upserter) fn.Stage[EmbeddedImage, string] {
	return func(ctx context.Context, img EmbeddedImage) fn.Result[string] {
		if err := s.Upsert(ctx, img.ObjectKey, img.Vector, img.payload()); err != nil {
			return fn.Err[string](fmt.Errorf("vector upsert: %w", err))
		}
		return fn.Ok(img.ObjectKey)
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[Message, string] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	src := deps.Source
	if deps.FetchLimiter != nil {
		src = pacedFetcher{src: src, lim: deps.FetchLimiter}
	}
	store := NewStore(deps.Store)
	if deps.Breaker != nil {
		store = resilience.BreakerStage(deps.Breaker, store)
	}

	// Compose: Validate → Fetch → Embed → Store
	// with logging taps between stages.
	fetched := fn.Then(Validate, fn.Then(LoggedTap[Message]("fetch", log), NewFetch(src, deps.NewBackOff)))
	embedded := fn.Then(fetched, fn.Then(LoggedTap[Image]("embed", log), NewEmbed(deps.Embedder)))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedImage]("store", log), store))

	return fn.TracedStage("ingest.image", stored)
}

// Failure records one key that could not be ingested.
type Failure struct {
	ObjectKey string
	Err       error
}

// Stats summarizes a bulk run.
type Stats struct {
	Ingested int
	Skipped  int
	Failures []Failure
}

// Run pushes keys through pipeline with bounded concurrency. Keys reported
// as duplicates by dedup (may be nil) are skipped.
func Run(ctx context.Context, pipeline fn.Stage[Message, string], keys []string, workers int, dedup func(context.Context, string) (bool, error)) Stats {
	type outcome struct {
		skipped bool
		err     error
	}
	results := fn.ParMap(keys, workers, func(key string) outcome {
		if err := ctx.Err(); err != nil {
			return outcome{err: err}
		}
		key = strings.TrimSpace(key)
		if dedup != nil {
			if seen, err := dedup(ctx, key); err == nil && seen {
				return outcome{skipped: true}
			}
		}
		_, err := pipeline(ctx, Message{ObjectKey: key}).Unwrap()
		return outcome{err: err}
	})

	var st Stats
	for i, r := range results {
		switch {
		case r.skipped:
			st.Skipped++
		case r.err != nil:
			st.Failures = append(st.Failures, Failure{ObjectKey: keys[i], Err: r.err})
		default:
			st.Ingested++
		}
	}
	return st
}

// dlqMessage is published to the DLQ on repeated or permanent failure.
type dlqMessage struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
	Retries int     `json:"retries"`
}

// StartConsumer subscribes to IngestSubject and runs each message through
// the ingestion pipeline with retry and DLQ support.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		// Ack if JetStream.
		defer func() {
			if msg.Reply != "" {
				_ = msg.Ack()
			}
		}()

		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		m.ObjectKey = strings.TrimSpace(m.ObjectKey)
		ctx := natsutil.Extract(msg)

		// Deduplication check.
		if deps.DeduplicateF != nil {
			exists, err := deps.DeduplicateF(ctx, m.ObjectKey)
			if err != nil {
				log.Warn("ingest: dedup check failed", "error", err)
			} else if exists {
				log.Info("ingest: skipping duplicate", "object_key", m.ObjectKey)
				return
			}
		}

		retries := natsutil.RetryCount(msg)

		key, err := pipeline(ctx, m).Unwrap()
		if err == nil {
			log.Info("ingest: success", "object_key", key)
			return
		}

		retries++
		log.Error("ingest: pipeline failed",
			"error", err,
			"object_key", m.ObjectKey,
			"retry", retries,
		)

		if retries >= MaxRetries || IsPermanent(err) {
			data, _ := json.Marshal(dlqMessage{Message: m, Error: err.Error(), Retries: retries})
			if err := natsutil.PublishMsg(ctx, nc, &nats.Msg{Subject: DLQSubject, Data: data}); err != nil {
				log.Error("ingest: DLQ publish failed", "error", err)
			}
			return
		}
		if err := natsutil.PublishMsg(ctx, nc, natsutil.WithRetryCount(msg, IngestSubject, retries)); err != nil {
			log.Error("ingest: retry publish failed", "error", err)
		}
	})
}
