// Package embed maps images and text queries into the shared CLIP vector
// space. It wraps an inference Engine (one image tower, one text tower) and
// owns preprocessing, dimension checks and L2 normalisation: every vector
// leaving this package has unit length, and the vector store never
// renormalises.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/domain"
	"github.com/WessleyAI/wessley-photos/engine/tokenizer"
)

// Engine runs the two towers of a dual-encoder model. Implementations must be
// safe for concurrent use.
type Engine interface {
	// ImageEmbedding takes a 1×3×S×S channel-first tensor in [0,1].
	ImageEmbedding(pixels []float32) ([]float32, error)
	// TextEmbedding takes a 1×L tensor of zero-padded token ids.
	TextEmbedding(ids []int64) ([]float32, error)
	Close() error
}

// TextTokenizer is the subset of tokenizer.Tokenizer the generator needs.
type TextTokenizer interface {
	Tokenize(text string) tokenizer.Tokens
	MaxLength() int
}

// Config sizes the generator.
type Config struct {
	Dimension int
	ImageSize int
	// Workers bounds concurrent inference calls. Zero uses GOMAXPROCS.
	Workers int
}

// DefaultImageSize is the CLIP input resolution.
const DefaultImageSize = 224

// ValidDimension reports whether d is a supported model output size.
func ValidDimension(d int) bool {
	switch d {
	case 512, 768, 1024:
		return true
	}
	return false
}

// Generator produces unit-length embeddings.
type Generator struct {
	engine Engine
	tok    TextTokenizer
	cfg    Config
	slots  chan struct{}
	logger *slog.Logger
}

// New creates a Generator around an already loaded engine.
func New(engine Engine, tok TextTokenizer, cfg Config, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		return nil, domain.NewConfigError("embed", "", fmt.Errorf("%w: nil engine", domain.ErrInvalidConfig))
	}
	if tok == nil {
		return nil, domain.NewConfigError("embed", "", fmt.Errorf("%w: nil tokenizer", domain.ErrInvalidConfig))
	}
	if !ValidDimension(cfg.Dimension) {
		return nil, domain.NewConfigError("embed", "", fmt.Errorf("%w: dimension %d not in {512,768,1024}", domain.ErrInvalidConfig, cfg.Dimension))
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Generator{
		engine: engine,
		tok:    tok,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Workers),
		logger: logger,
	}, nil
}

// Dimension returns the configured vector size.
func (g *Generator) Dimension() int { return g.cfg.Dimension }

// Close releases the engine.
func (g *Generator) Close() error { return g.engine.Close() }

// EmbedImage decodes, resizes and embeds raw image bytes.
func (g *Generator) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	pixels, err := Preprocess(data, g.cfg.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("embed: preprocess image: %w", err)
	}

	var vec []float32
	err = g.infer(ctx, "image", func() (err error) {
		vec, err = g.engine.ImageEmbedding(pixels)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g.finish("image", vec)
}

// EmbedText tokenizes and embeds a text query.
func (g *Generator) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return g.EmbedTextTokens(ctx, g.tok.Tokenize(text))
}

// EmbedTextTokens embeds an already tokenized sequence.
func (g *Generator) EmbedTextTokens(ctx context.Context, ids tokenizer.Tokens) ([]float32, error) {
	padded := ids.Padded(g.tok.MaxLength())

	var vec []float32
	err := g.infer(ctx, "text", func() (err error) {
		vec, err = g.engine.TextEmbedding(padded)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g.finish("text", vec)
}

// infer runs f once a worker slot is free. Waiting honours ctx; a running
// inference is not interrupted.
func (g *Generator) infer(ctx context.Context, tower string, f func() error) error {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("embed: %s inference: %w", tower, ctx.Err())
	}
	defer func() { <-g.slots }()

	start := time.Now()
	if err := f(); err != nil {
		return fmt.Errorf("embed: %s inference: %w", tower, err)
	}
	g.logger.Debug("embed inference", "tower", tower, "duration", time.Since(start))
	return nil
}

func (g *Generator) finish(tower string, vec []float32) ([]float32, error) {
	if len(vec) != g.cfg.Dimension {
		return nil, fmt.Errorf("embed: %s tower returned %d dims, want %d", tower, len(vec), g.cfg.Dimension)
	}
	return Normalize(vec), nil
}
