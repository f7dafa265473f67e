package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/embed"
	"github.com/WessleyAI/wessley-photos/engine/semantic"
	"github.com/WessleyAI/wessley-photos/pkg/blob"
	"github.com/WessleyAI/wessley-photos/pkg/resilience"
	"github.com/cenkalti/backoff/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// --- Fakes ---

type fakeSource struct {
	mu      sync.Mutex
	objects map[string][]byte
	flaky   map[string]int // remaining transient failures per key
	calls   map[string]int
}

func newFakeSource(objects map[string][]byte) *fakeSource {
	return &fakeSource{objects: objects, flaky: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeSource) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if n := f.flaky[key]; n != 0 {
		if n > 0 {
			f.flaky[key] = n - 1
		}
		return nil, errors.New("connection reset")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
	}
	return data, nil
}

func (f *fakeSource) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedImage(_ context.Context, data []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	return []float32{float32(data[0]), 1, 0}, nil
}

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func testDeps(src Fetcher, store Upserter) Deps {
	return Deps{Source: src, Embedder: &fakeEmbedder{}, Store: store, NewBackOff: noWait}
}

// --- Stages ---

func TestValidate(t *testing.T) {
	r := Validate(context.Background(), Message{ObjectKey: "  a/b.jpg "})
	key, err := r.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "a/b.jpg", key.ObjectKey)

	_, err = Validate(context.Background(), Message{ObjectKey: "   "}).Unwrap()
	assert.ErrorIs(t, err, ErrEmptyObjectKey)
	assert.True(t, IsPermanent(err))
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	src := newFakeSource(map[string][]byte{"a.jpg": {7}})
	src.flaky["a.jpg"] = 2

	img, err := NewFetch(src, noWait)(context.Background(), Message{ObjectKey: "a.jpg"}).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, img.Data)
	assert.Equal(t, 3, src.callCount("a.jpg"))
}

func TestFetch_GivesUp(t *testing.T) {
	src := newFakeSource(map[string][]byte{"a.jpg": {7}})
	src.flaky["a.jpg"] = -1

	_, err := NewFetch(src, noWait)(context.Background(), Message{ObjectKey: "a.jpg"}).Unwrap()
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 3, src.callCount("a.jpg"))
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	src := newFakeSource(nil)
	_, err := NewFetch(src, noWait)(context.Background(), Message{ObjectKey: "gone.jpg"}).Unwrap()
	assert.ErrorIs(t, err, blob.ErrNotFound)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, src.callCount("gone.jpg"))
}

func TestPipeline_StoresDerivedPayload(t *testing.T) {
	key := "2024/2024-05-01/WeddingSmith/CameraA/IMG_001.jpg"
	src := newFakeSource(map[string][]byte{key: {1}})
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)

	p := NewPipeline(testDeps(src, store))
	got, err := p(context.Background(), Message{
		ObjectKey: key,
		Payload:   map[string]any{"project_name": "Override", "camera": "A7"},
	}).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	res, err := store.Search(context.Background(), []float32{1, 1, 0}, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	pl := res[0].Payload
	assert.Equal(t, key, pl["path"])
	assert.Equal(t, "IMG_001.jpg", pl["file_name"])
	assert.Equal(t, "CameraA", pl["directory_name"])
	assert.Equal(t, "Override", pl["project_name"])
	assert.Equal(t, "2024", pl["year"])
	assert.Equal(t, "2024-05-01", pl["upload_date"])
	assert.Equal(t, "A7", pl["camera"])
}

func TestPipeline_EmbedError(t *testing.T) {
	src := newFakeSource(map[string][]byte{"a.jpg": {1}})
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)
	deps := testDeps(src, store)
	deps.Embedder = &fakeEmbedder{err: errors.New("session closed")}

	_, err := NewPipeline(deps)(context.Background(), Message{ObjectKey: "a.jpg"}).Unwrap()
	require.Error(t, err)
	n, _ := store.Count(context.Background(), nil)
	assert.Zero(t, n)
}

func TestPipeline_OversizedImageIsPermanent(t *testing.T) {
	src := newFakeSource(map[string][]byte{"huge.png": {1}})
	deps := testDeps(src, semantic.NewMemoryStore(3, semantic.MetricCosine))
	deps.Embedder = &fakeEmbedder{err: fmt.Errorf("decode png 90000x90000: %w", embed.ErrImageTooLarge)}

	_, err := NewPipeline(deps)(context.Background(), Message{ObjectKey: "huge.png"}).Unwrap()
	assert.ErrorIs(t, err, embed.ErrImageTooLarge)
	assert.True(t, IsPermanent(err))
}

type failingStore struct{ calls atomic.Int32 }

func (f *failingStore) Upsert(context.Context, string, []float32, map[string]any) error {
	f.calls.Add(1)
	return errors.New("qdrant unavailable")
}

func TestPipeline_BreakerGuardsStore(t *testing.T) {
	src := newFakeSource(map[string][]byte{"a.jpg": {1}})
	store := &failingStore{}
	deps := testDeps(src, store)
	deps.Breaker = resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour})
	p := NewPipeline(deps)

	for i := 0; i < 2; i++ {
		_, err := p(context.Background(), Message{ObjectKey: "a.jpg"}).Unwrap()
		require.Error(t, err)
	}
	_, err := p(context.Background(), Message{ObjectKey: "a.jpg"}).Unwrap()
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.False(t, IsPermanent(err))
	assert.EqualValues(t, 2, store.calls.Load())
	assert.Equal(t, resilience.StateOpen, deps.Breaker.State())
}

func TestPipeline_FetchLimiterPacesReads(t *testing.T) {
	src := newFakeSource(map[string][]byte{"a.jpg": {1}})
	deps := testDeps(src, semantic.NewMemoryStore(3, semantic.MetricCosine))
	deps.FetchLimiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	p := NewPipeline(deps)

	_, err := p(context.Background(), Message{ObjectKey: "a.jpg"}).Unwrap()
	require.NoError(t, err)

	// The bucket is empty, so the second read waits until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p(ctx, Message{ObjectKey: "a.jpg"}).Unwrap()
	require.Error(t, err)
	assert.Equal(t, 1, src.callCount("a.jpg"))
}

func TestRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	objects := map[string][]byte{}
	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("2024/ts/proj/dir/img_%02d.jpg", i)
		objects[k] = []byte{byte(i + 1)}
		keys = append(keys, k)
	}
	keys = append(keys, "2024/ts/proj/dir/missing.jpg")

	store := semantic.NewMemoryStore(3, semantic.MetricCosine)
	p := NewPipeline(testDeps(newFakeSource(objects), store))

	var seen sync.Map
	dedup := func(_ context.Context, key string) (bool, error) {
		_, loaded := seen.LoadOrStore(key, true)
		return loaded, nil
	}
	seen.Store(keys[0], true)

	st := Run(context.Background(), p, keys, 4, dedup)
	assert.Equal(t, 19, st.Ingested)
	assert.Equal(t, 1, st.Skipped)
	require.Len(t, st.Failures, 1)
	assert.Equal(t, "2024/ts/proj/dir/missing.jpg", st.Failures[0].ObjectKey)

	n, _ := store.Count(context.Background(), map[string]any{"project_name": "proj"})
	assert.Equal(t, int64(19), n)
}

// --- NATS consumer ---

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	srv.Start()
	require.True(t, srv.ReadyForConnections(3*time.Second), "nats not ready")
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func publish(t *testing.T, nc *nats.Conn, m Message) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(IngestSubject, data))
}

func TestStartConsumer_Success(t *testing.T) {
	nc := startTestNATS(t)
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)
	src := newFakeSource(map[string][]byte{"2024/a.jpg": {1}})

	sub, err := StartConsumer(nc, testDeps(src, store))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publish(t, nc, Message{ObjectKey: "2024/a.jpg"})
	require.Eventually(t, func() bool {
		n, _ := store.Count(context.Background(), nil)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartConsumer_RetriesThenDLQ(t *testing.T) {
	nc := startTestNATS(t)
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)
	src := newFakeSource(map[string][]byte{"flaky.jpg": {1}})
	src.flaky["flaky.jpg"] = -1

	dlq := make(chan *nats.Msg, 4)
	dsub, err := nc.ChanSubscribe(DLQSubject, dlq)
	require.NoError(t, err)
	defer dsub.Unsubscribe()

	sub, err := StartConsumer(nc, testDeps(src, store))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publish(t, nc, Message{ObjectKey: "flaky.jpg"})

	select {
	case msg := <-dlq:
		var d dlqMessage
		require.NoError(t, json.Unmarshal(msg.Data, &d))
		assert.Equal(t, "flaky.jpg", d.Message.ObjectKey)
		assert.Equal(t, MaxRetries, d.Retries)
		assert.NotEmpty(t, d.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}
	// Each delivery fetches three times under the test backoff.
	assert.Equal(t, MaxRetries*3, src.callCount("flaky.jpg"))
}

func TestStartConsumer_PermanentGoesStraightToDLQ(t *testing.T) {
	nc := startTestNATS(t)
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)

	dlq := make(chan *nats.Msg, 4)
	dsub, err := nc.ChanSubscribe(DLQSubject, dlq)
	require.NoError(t, err)
	defer dsub.Unsubscribe()

	sub, err := StartConsumer(nc, testDeps(newFakeSource(nil), store))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publish(t, nc, Message{ObjectKey: "missing.jpg"})

	select {
	case msg := <-dlq:
		var d dlqMessage
		require.NoError(t, json.Unmarshal(msg.Data, &d))
		assert.Equal(t, 1, d.Retries)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}
}

func TestStartConsumer_Dedup(t *testing.T) {
	nc := startTestNATS(t)
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)
	src := newFakeSource(map[string][]byte{"a.jpg": {1}})

	var checks atomic.Int32
	deps := testDeps(src, store)
	deps.DeduplicateF = func(context.Context, string) (bool, error) {
		checks.Add(1)
		return true, nil
	}
	sub, err := StartConsumer(nc, deps)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publish(t, nc, Message{ObjectKey: "a.jpg"})
	require.Eventually(t, func() bool { return checks.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, src.callCount("a.jpg"))
}

func TestStartConsumer_DedupSeesTrimmedKey(t *testing.T) {
	nc := startTestNATS(t)
	store := semantic.NewMemoryStore(3, semantic.MetricCosine)
	src := newFakeSource(map[string][]byte{"a.jpg": {1}})

	keys := make(chan string, 1)
	deps := testDeps(src, store)
	deps.DeduplicateF = func(_ context.Context, key string) (bool, error) {
		keys <- key
		return key == "a.jpg", nil
	}
	sub, err := StartConsumer(nc, deps)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publish(t, nc, Message{ObjectKey: "  a.jpg\n"})
	select {
	case key := <-keys:
		assert.Equal(t, "a.jpg", key)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dedup check")
	}
	assert.Never(t, func() bool { return src.callCount("a.jpg") > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
