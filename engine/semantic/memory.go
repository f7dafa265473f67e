package semantic

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// MemoryStore is an in-process store with the same contract as VectorStore.
// It backs tests and single-node setups without Qdrant.
type MemoryStore struct {
	mu      sync.RWMutex
	metric  Metric
	dims    int
	records map[string]VectorRecord
}

// NewMemoryStore creates an empty store. dims of 0 accepts any dimension,
// fixed by the first upsert.
func NewMemoryStore(dims int, metric Metric) *MemoryStore {
	if metric == "" {
		metric = MetricCosine
	}
	return &MemoryStore{metric: metric, dims: dims, records: make(map[string]VectorRecord)}
}

// Upsert stores or replaces the record for objectKey.
func (m *MemoryStore) Upsert(ctx context.Context, objectKey string, vector []float32, payload map[string]any) error {
	return m.UpsertRecords(ctx, []VectorRecord{{ObjectKey: objectKey, Embedding: vector, Payload: payload}})
}

// UpsertRecords stores a batch. The batch is rejected as a whole if any
// record is invalid.
func (m *MemoryStore) UpsertRecords(_ context.Context, records []VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dims := m.dims
	for i, r := range records {
		if r.ObjectKey == "" {
			return fmt.Errorf("semantic: upsert record %d: empty object key", i)
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("semantic: upsert %s: empty vector", r.ObjectKey)
		}
		if dims == 0 {
			dims = len(r.Embedding)
		}
		if len(r.Embedding) != dims {
			return fmt.Errorf("semantic: upsert %s: dimension %d, want %d", r.ObjectKey, len(r.Embedding), dims)
		}
	}
	m.dims = dims

	for _, r := range records {
		vec := make([]float32, len(r.Embedding))
		copy(vec, r.Embedding)
		m.records[r.ObjectKey] = VectorRecord{
			ObjectKey: r.ObjectKey,
			Embedding: vec,
			Payload:   withPath(r.ObjectKey, r.Payload),
		}
	}
	return nil
}

// Delete removes the record for objectKey; absent keys are not an error.
func (m *MemoryStore) Delete(_ context.Context, objectKey string) error {
	m.mu.Lock()
	delete(m.records, objectKey)
	m.mu.Unlock()
	return nil
}

// Search scores every matching record and returns the best limit hits with
// score >= minScore, ties broken by object key.
func (m *MemoryStore) Search(ctx context.Context, vector []float32, limit int, minScore float32, filters map[string]any) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dims != 0 && len(vector) != m.dims {
		return nil, fmt.Errorf("semantic: search: dimension %d, want %d", len(vector), m.dims)
	}

	var results []SearchResult
	for key, r := range m.records {
		if !matches(r.Payload, filters) {
			continue
		}
		score := m.score(vector, r.Embedding)
		if score < minScore {
			continue
		}
		payload := make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			payload[k] = v
		}
		results = append(results, SearchResult{ObjectKey: key, ID: PointID(key), Score: score, Payload: payload})
	}

	sortResults(results)
	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of records matching filters.
func (m *MemoryStore) Count(ctx context.Context, filters map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.records {
		if matches(r.Payload, filters) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) score(a, b []float32) float32 {
	var dot, na, nb, dist float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		dist += (x - y) * (x - y)
	}
	switch m.metric {
	case MetricDot:
		return float32(dot)
	case MetricEuclidean:
		return distanceScore(math.Sqrt(dist))
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
	}
}

func matches(payload, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := payload[k]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

// equalValue compares payload values the way Qdrant keyword/integer matches
// do: integers compare numerically across Go int types.
func equalValue(got, want any) bool {
	gi, gok := asInt(got)
	wi, wok := asInt(want)
	if gok && wok {
		return gi == wi
	}
	if gok != wok {
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}
