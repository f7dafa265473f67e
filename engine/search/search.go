// Package search orchestrates semantic photo search. It validates a query,
// embeds it, searches the vector store, and rebuilds structured result
// records from the stored object keys. Search never returns an error: every
// failure is reported through Response.Success and Response.Error.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/domain"
	"github.com/WessleyAI/wessley-photos/engine/semantic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TextEmbedder turns a query string into a vector.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher abstracts the vector store.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, limit int, minScore float32, filters map[string]any) ([]semantic.SearchResult, error)
}

// Counter is implemented by stores that can count records. When the searcher
// also implements it, empty result sets are checked against the collection
// size.
type Counter interface {
	Count(ctx context.Context, filters map[string]any) (int64, error)
}

// Options configures the orchestrator.
type Options struct {
	// SearchTimeout bounds the store call. Zero means no extra deadline.
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{SearchTimeout: 5 * time.Second}
}

// Service is the search orchestration service.
type Service struct {
	embed  TextEmbedder
	search VectorSearcher
	count  Counter
	opts   Options
	logger *slog.Logger
}

// New creates a new search Service.
func New(embed TextEmbedder, search VectorSearcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{embed: embed, search: search, opts: opts, logger: logger}
	if c, ok := search.(Counter); ok {
		s.count = c
	}
	return s
}

// Request is the structured search request.
type Request struct {
	Query       string  `json:"query"`
	Limit       int     `json:"limit"`
	Threshold   float64 `json:"threshold"`
	ProjectName string  `json:"projectName,omitempty"`
	Year        string  `json:"year,omitempty"`
}

// NewRequest is the single-parameter form with default limit and threshold.
func NewRequest(query string) Request {
	return Request{Query: query, Limit: domain.DefaultLimit, Threshold: domain.DefaultThreshold}
}

func (r Request) params() domain.SearchParams {
	return domain.SearchParams{
		Query:       r.Query,
		Limit:       r.Limit,
		Threshold:   r.Threshold,
		ProjectName: r.ProjectName,
		Year:        r.Year,
	}
}

// Result is one reconstructed search hit.
type Result struct {
	ObjectKey     string         `json:"objectKey"`
	FileName      string         `json:"fileName,omitempty"`
	DirectoryName string         `json:"directoryName,omitempty"`
	ProjectName   string         `json:"projectName,omitempty"`
	Year          string         `json:"year,omitempty"`
	Period        string         `json:"period,omitempty"`
	UploadDate    string         `json:"uploadDate,omitempty"`
	Score         float32        `json:"score"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Response has the same shape for success and failure; callers check
// Success.
type Response struct {
	Query            string   `json:"query"`
	Results          []Result `json:"results"`
	TotalResults     int      `json:"totalResults"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Success          bool     `json:"success"`
	Error            string   `json:"error,omitempty"`
	CollectionEmpty  bool     `json:"collectionEmpty,omitempty"`

	// Err is the underlying failure, kept for callers that classify it.
	Err error `json:"-"`
}

func (r *Response) fail(err error) {
	r.Results = []Result{}
	r.TotalResults = 0
	r.Success = false
	r.Err = err
	r.Error = err.Error()
}

// SearchText runs a search with default limit and threshold.
func (s *Service) SearchText(ctx context.Context, query string) *Response {
	return s.Search(ctx, NewRequest(query))
}

// Search runs the full search pipeline for req.
func (s *Service) Search(ctx context.Context, req Request) (resp *Response) {
	start := time.Now()
	resp = &Response{Query: req.Query, Results: []Result{}}

	ctx, span := otel.Tracer("engine/search").Start(ctx, "search")
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("search panic", "panic", r)
			resp.fail(fmt.Errorf("search: internal error: %v", r))
		}
		resp.ProcessingTimeMs = time.Since(start).Milliseconds()
		if !resp.Success {
			span.SetStatus(codes.Error, resp.Error)
		}
		span.SetAttributes(attribute.Int("search.results", resp.TotalResults))
		span.End()
	}()

	// 1. Validate before touching any collaborator.
	params := req.params()
	if err := domain.ValidateSearch(params); err != nil {
		s.logger.Info("search rejected", "err", err)
		resp.fail(err)
		return resp
	}

	// 2. Filters from the optional parameters.
	filters := params.Filters()

	// 3. Embed the query.
	vec, err := s.embed.EmbedText(ctx, req.Query)
	if err != nil {
		resp.fail(fmt.Errorf("search: embed query: %w", err))
		s.logger.Warn("search failed", "stage", "embed", "err", err)
		return resp
	}

	// 4. Vector search.
	searchCtx := ctx
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	hits, err := s.search.Search(searchCtx, vec, req.Limit, float32(req.Threshold), filters)
	if err != nil {
		resp.fail(fmt.Errorf("search: vector search: %w", err))
		s.logger.Warn("search failed", "stage", "store", "err", err)
		return resp
	}

	// 5. Reconstruct result records.
	resp.Results = make([]Result, 0, len(hits))
	for _, h := range hits {
		resp.Results = append(resp.Results, reconstruct(h))
	}

	// 6. Totals.
	resp.TotalResults = len(resp.Results)
	resp.Success = true
	if resp.TotalResults == 0 && s.count != nil {
		n, err := s.count.Count(ctx, nil)
		switch {
		case err != nil:
			s.logger.Warn("search: collection count failed", "err", err)
		case n == 0:
			resp.CollectionEmpty = true
		}
	}

	s.logger.Info("search done", "results", resp.TotalResults, "filters", len(filters))
	return resp
}

// reconstruct parses the canonical object key of a hit. The explicit path
// payload wins over the point id.
func reconstruct(h semantic.SearchResult) Result {
	key := h.ObjectKey
	if p, ok := h.Payload[domain.PayloadPath].(string); ok && p != "" {
		key = p
	}
	op := domain.ParseObjectKey(key).WithPayload(h.Payload)
	return Result{
		ObjectKey:     op.Key,
		FileName:      op.FileName,
		DirectoryName: op.DirectoryName,
		ProjectName:   op.ProjectName,
		Year:          op.Year,
		Period:        op.Period,
		UploadDate:    op.UploadDate,
		Score:         h.Score,
		Payload:       h.Payload,
	}
}
