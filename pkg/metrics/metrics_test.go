package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("photos_ingest_images_total", "Images stored")
	c.Inc()
	c.Add(4)
	assert.Equal(t, int64(5), c.Value())
	assert.Same(t, c, r.Counter("photos_ingest_images_total", ""))

	g := r.Gauge("photos_ingest_listed_keys", "Keys listed")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(9), g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := New().Histogram("photos_search_duration_seconds", "", []float64{1.0, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2.0} {
		h.Observe(v)
	}
	bounds, counts, sum, count := h.snapshot()
	assert.Equal(t, []float64{0.1, 0.5, 1.0}, bounds)
	// 0.1 lands in the le=0.1 bucket; 2.0 only in +Inf.
	assert.Equal(t, []uint64{2, 1, 1}, counts)
	assert.InDelta(t, 3.25, sum, 1e-9)
	assert.Equal(t, uint64(5), count)
}

func TestHistogramSince(t *testing.T) {
	h := New().Histogram("latency", "", nil)
	h.Since(time.Now().Add(-100 * time.Millisecond))
	_, _, sum, count := h.snapshot()
	assert.Equal(t, uint64(1), count)
	assert.GreaterOrEqual(t, sum, 0.1)
}

func TestWithLabels(t *testing.T) {
	assert.Equal(t, `photos_search_requests_total{route="/api/search",status="200"}`,
		WithLabels("photos_search_requests_total", "route", "/api/search", "status", "200"))
	assert.Equal(t, "bar", WithLabels("bar"))
	assert.Equal(t, "bar", WithLabels("bar", "odd"))
	assert.Equal(t, `q{v="a \"b\"\\c"}`, WithLabels("q", "v", `a "b"\c`))
}

func TestMetricBaseNameAndLabels(t *testing.T) {
	assert.Equal(t, "foo_total", metricBaseName("foo_total"))
	assert.Equal(t, "foo", metricBaseName(`foo{a="1",b="2"}`))
	assert.Equal(t, `a="1",b="2"`, labelsOf(`foo{a="1",b="2"}`))
	assert.Equal(t, "", labelsOf("foo"))
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter("requests_total", "Total requests").Add(10)
	r.Counter(WithLabels("requests_total", "method", "POST"), "").Add(3)
	r.Counter(WithLabels("requests_total", "method", "GET"), "").Add(7)
	r.Gauge("active_connections", "Active conns").Set(5)
	h := r.Histogram(WithLabels("request_duration_seconds", "route", "search"), "Request latency", []float64{0.1, 0.5})
	h.Observe(0.05)
	h.Observe(0.3)

	out := r.Render()
	for _, want := range []string{
		"# HELP requests_total Total requests\n# TYPE requests_total counter\n",
		"requests_total 10\n",
		`requests_total{method="GET"} 7` + "\n" + `requests_total{method="POST"} 3` + "\n",
		"# TYPE active_connections gauge\nactive_connections 5\n",
		"# TYPE request_duration_seconds histogram\n",
		`request_duration_seconds_bucket{le="0.1",route="search"} 1`,
		`request_duration_seconds_bucket{le="0.5",route="search"} 2`,
		`request_duration_seconds_bucket{le="+Inf",route="search"} 2`,
		`request_duration_seconds_sum{route="search"} 0.35`,
		`request_duration_seconds_count{route="search"} 2`,
	} {
		assert.Contains(t, out, want)
	}
	// Families render in registration order.
	assert.Less(t, strings.Index(out, "requests_total"), strings.Index(out, "active_connections"))
}

func TestKindConflictPanics(t *testing.T) {
	r := New()
	r.Counter("photos_x", "")
	assert.Panics(t, func() { r.Gauge("photos_x", "") })
}

func TestConcurrentRegistration(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter(WithLabels("photos_hits_total", "stage", "embed"), "").Inc()
				_ = r.Render()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1600), r.Counter(`photos_hits_total{stage="embed"}`, "").Value())
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("test_total", "test").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "test_total 1")
}

func TestCollectRuntime(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.CollectRuntime(ctx, "photos_api", time.Hour)
	assert.Positive(t, r.Gauge("photos_api_goroutines", "").Value())
	assert.Positive(t, r.Gauge("photos_api_heap_alloc_bytes", "").Value())
	assert.Contains(t, r.Render(), "# TYPE photos_api_goroutines gauge")
}
