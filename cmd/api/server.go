package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-photos/engine/domain"
	"github.com/WessleyAI/wessley-photos/engine/search"
	"github.com/WessleyAI/wessley-photos/engine/tokenizer"
	"github.com/WessleyAI/wessley-photos/pkg/config"
	"github.com/WessleyAI/wessley-photos/pkg/metrics"
	"github.com/WessleyAI/wessley-photos/pkg/mid"
	"github.com/WessleyAI/wessley-photos/pkg/resilience"
)

type serverDeps struct {
	Search     *search.Service
	Collection search.Counter
	Tokenizer  tokenizer.HealthOptions
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

// newServer builds the routed, middleware-wrapped API handler.
func newServer(d serverDeps, sc config.ServerConfig) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	sm := newSearchMetrics(d.Metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /api/health/tokenizer", newTokenizerHealth(d.Tokenizer, tokenizerHealthTTL))
	mux.HandleFunc("GET /api/health/collection", handleCollectionHealth(d.Collection, d.Logger))
	mux.HandleFunc("GET /api/search", handleSearchQuery(d.Search, sm))
	mux.HandleFunc("POST /api/search", handleSearchBody(d.Search, sm))
	mux.Handle("GET /metrics", d.Metrics.Handler())

	return mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(d.Logger),
		mid.Logger(d.Logger),
		mid.RateLimit(resilience.NewLimiter(resilience.LimiterOpts{Rate: sc.RateLimit, Burst: sc.RateBurst})),
		mid.CORS(sc.CORSOrigin),
		mid.OTel("photos-api"),
		mid.Metrics(d.Metrics, "photos_api"),
	)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tokenizerHealthTTL bounds how often the asset files are re-parsed.
const tokenizerHealthTTL = 30 * time.Second

// tokenizerHealth serves the asset report, re-running the check at most once
// per ttl.
type tokenizerHealth struct {
	opts tokenizer.HealthOptions
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	report    tokenizer.HealthReport
	checkedAt time.Time
}

func newTokenizerHealth(opts tokenizer.HealthOptions, ttl time.Duration) *tokenizerHealth {
	return &tokenizerHealth{opts: opts, ttl: ttl, now: time.Now}
}

func (h *tokenizerHealth) current(ctx context.Context) tokenizer.HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now := h.now(); h.checkedAt.IsZero() || now.Sub(h.checkedAt) >= h.ttl {
		h.report = tokenizer.CheckAssets(ctx, h.opts)
		h.checkedAt = now
	}
	return h.report
}

func (h *tokenizerHealth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.current(r.Context())
	code := http.StatusOK
	if report.Status == tokenizer.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// CollectionHealth is the JSON response for GET /api/health/collection.
type CollectionHealth struct {
	Status string `json:"status"`
	Points int64  `json:"points"`
	Empty  bool   `json:"empty"`
	Error  string `json:"error,omitempty"`
}

func handleCollectionHealth(c search.Counter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := c.Count(r.Context(), nil)
		if err != nil {
			logger.Error("collection count failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, CollectionHealth{Status: "unavailable", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, CollectionHealth{Status: "ok", Points: n, Empty: n == 0})
	}
}

type searchMetrics struct {
	reg      *metrics.Registry
	duration *metrics.Histogram
	results  *metrics.Histogram
}

func newSearchMetrics(reg *metrics.Registry) *searchMetrics {
	return &searchMetrics{
		reg:      reg,
		duration: reg.Histogram("photos_search_duration_seconds", "End-to-end search time", nil),
		results:  reg.Histogram("photos_search_results", "Results returned per search", []float64{0, 1, 5, 10, 20, 50, 100}),
	}
}

func (m *searchMetrics) record(resp *search.Response, outcome string) {
	m.reg.Counter(metrics.WithLabels("photos_search_requests_total", "outcome", outcome), "Searches by outcome").Inc()
	m.duration.Observe(float64(resp.ProcessingTimeMs) / 1000)
	m.results.Observe(float64(resp.TotalResults))
}

// handleSearchQuery serves the single-parameter form:
// /api/search?q=&limit=&threshold=&project=&year=
func handleSearchQuery(svc *search.Service, sm *searchMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := search.NewRequest(q.Get("q"))
		req.ProjectName = q.Get("project")
		req.Year = q.Get("year")
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				badRequest(w, req.Query, "limit must be an integer")
				return
			}
			req.Limit = n
		}
		if v := q.Get("threshold"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				badRequest(w, req.Query, "threshold must be a number")
				return
			}
			req.Threshold = f
		}
		respond(w, svc.Search(r.Context(), req), sm)
	}
}

func handleSearchBody(svc *search.Service, sm *searchMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := search.NewRequest("")
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			badRequest(w, "", "invalid request body")
			return
		}
		respond(w, svc.Search(r.Context(), req), sm)
	}
}

func respond(w http.ResponseWriter, resp *search.Response, sm *searchMetrics) {
	code, outcome := http.StatusOK, "ok"
	switch {
	case resp.Success && resp.CollectionEmpty:
		outcome = "empty_collection"
	case resp.Success:
	case domain.IsValidation(resp.Err):
		code, outcome = http.StatusBadRequest, "invalid"
	case errors.Is(resp.Err, resilience.ErrCircuitOpen):
		code, outcome = http.StatusServiceUnavailable, "unavailable"
	default:
		code, outcome = http.StatusInternalServerError, "error"
	}
	sm.record(resp, outcome)
	writeJSON(w, code, resp)
}

func badRequest(w http.ResponseWriter, query, msg string) {
	writeJSON(w, http.StatusBadRequest, &search.Response{Query: query, Results: []search.Result{}, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
