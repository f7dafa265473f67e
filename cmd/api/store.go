package main

import (
	"context"

	"github.com/WessleyAI/wessley-photos/engine/search"
	"github.com/WessleyAI/wessley-photos/engine/semantic"
	"github.com/WessleyAI/wessley-photos/pkg/resilience"
)

// vectorStore is what the server needs from either backend.
type vectorStore interface {
	search.VectorSearcher
	search.Counter
}

// guardedStore fails fast through a circuit breaker once the backing store
// keeps erroring. It never retries.
type guardedStore struct {
	store   vectorStore
	breaker *resilience.Breaker
}

func newGuardedStore(store vectorStore, opts resilience.BreakerOpts) *guardedStore {
	return &guardedStore{store: store, breaker: resilience.NewBreaker(opts)}
}

func (g *guardedStore) Search(ctx context.Context, embedding []float32, limit int, minScore float32, filters map[string]any) ([]semantic.SearchResult, error) {
	return resilience.Do(g.breaker, ctx, func(ctx context.Context) ([]semantic.SearchResult, error) {
		return g.store.Search(ctx, embedding, limit, minScore, filters)
	})
}

func (g *guardedStore) Count(ctx context.Context, filters map[string]any) (int64, error) {
	return resilience.Do(g.breaker, ctx, func(ctx context.Context) (int64, error) {
		return g.store.Count(ctx, filters)
	})
}
