package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/ingest"
)

// processedState remembers which object keys have been stored so rescans
// and republishes skip them.
type processedState struct {
	path string
	mu   sync.Mutex
	done map[string]bool
}

func loadState(path string) *processedState {
	s := &processedState{path: path, done: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	_ = json.Unmarshal(data, &s.done)
	return s
}

// Seen reports whether key was stored before. It never marks the key, so
// retried messages are not mistaken for duplicates.
func (s *processedState) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[key], nil
}

func (s *processedState) mark(key string) {
	s.mu.Lock()
	s.done[key] = true
	s.mu.Unlock()
}

func (s *processedState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

// Save writes the state atomically. An empty path disables persistence.
func (s *processedState) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	data, err := json.Marshal(s.done)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// recordingStore marks keys processed once the upsert succeeds.
type recordingStore struct {
	store ingest.Upserter
	state *processedState
}

func (r *recordingStore) Upsert(ctx context.Context, objectKey string, vector []float32, payload map[string]any) error {
	start := time.Now()
	err := r.store.Upsert(ctx, objectKey, vector, payload)
	mUpsertDur.Since(start)
	if err != nil {
		mStageErrors("upsert").Inc()
		return err
	}
	r.state.mark(objectKey)
	return nil
}

type timedEmbedder struct{ ingest.ImageEmbedder }

func (t timedEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	start := time.Now()
	vec, err := t.ImageEmbedder.EmbedImage(ctx, data)
	mEmbedDur.Since(start)
	if err != nil {
		mStageErrors("embed").Inc()
	}
	return vec, err
}
