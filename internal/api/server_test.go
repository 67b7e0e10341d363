package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/admission"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/policy/ratelimit"
	queueMemory "github.com/JakeFAU/ingest-crawler/internal/queue/memory"
	"github.com/JakeFAU/ingest-crawler/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type testEnv struct {
	jobs   *memory.JobStore
	queue  *queueMemory.Queue
	server *Server
}

func newTestEnv(t *testing.T, limits ratelimit.Config, cfg Config) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	env := &testEnv{
		jobs:  memory.NewJobStore(&fakeIDGen{}, clock, time.Hour),
		queue: queueMemory.NewQueue(16),
	}
	svc := admission.New(env.jobs, ratelimit.NewMemory(clock, limits), env.queue, clock,
		admission.Config{DefaultTenant: "default"}, zap.NewNop())
	env.server = NewServer(svc, nil, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitCrawl_QueryParams(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, Config{})
	rec := env.do(httptest.NewRequest(http.MethodPost,
		"/crawl?url=https://example.com/docs&max_depth=1&tenant_id=acme", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body crawlAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, "job-1", body.JobID)
	require.Equal(t, "queued", body.Status)
	require.Equal(t, "acme", body.TenantID)
	require.Equal(t, "/crawl/status/job-1", body.CheckStatusURL)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)
	require.Equal(t, 1, item.Params.MaxDepth)
}

func TestServer_SubmitCrawl_JSONBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, Config{})
	req := httptest.NewRequest(http.MethodPost, "/crawl",
		bytes.NewBufferString(`{"url":"https://example.com/","max_concurrency":4}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, item.Params.MaxConcurrency)
	require.Equal(t, "default", item.TenantID)
}

func TestServer_SubmitCrawl_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, Config{})

	rec := env.do(httptest.NewRequest(http.MethodPost, "/crawl", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/crawl?url=https://example.com&max_depth=deep", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "max_depth")

	req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewBufferString("{invalid"))
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_SubmitCrawl_RateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{MaxConcurrent: 5, MaxHourly: 100}, Config{})
	for range 5 {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/crawl?url=https://example.com&tenant_id=T", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodPost, "/crawl?url=https://example.com&tenant_id=T", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["allowed"])
	require.EqualValues(t, 5, body["active_count"])
	require.Contains(t, body["reason"], "Maximum concurrent crawls (5)")
	require.Equal(t, 5, env.queue.Len())

	rec = env.do(httptest.NewRequest(http.MethodPost, "/crawl?url=https://example.com&tenant_id=U", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_GetJobStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, Config{})
	job, err := env.jobs.Create(context.Background(), "https://example.com/", "default", crawler.JobParams{})
	require.NoError(t, err)
	_, err = env.jobs.Update(context.Background(), job.ID, crawler.JobUpdate{Status: crawler.JobStatusRunning})
	require.NoError(t, err)
	_, err = env.jobs.Update(context.Background(), job.ID, crawler.JobUpdate{
		Status: crawler.JobStatusCompleted,
		Result: &crawler.JobSummary{PagesCrawled: 3, TotalWords: 12345},
	})
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/crawl/status/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "completed", body["status"])
	require.Equal(t, "Crawl complete! 3 pages indexed with 12,345 words.", body["message"])
	require.NotNil(t, body["completed_at"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/crawl/status/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Job 'nope' not found")
}

func TestServer_ListJobsAndStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{MaxConcurrent: 5, MaxHourly: 20}, Config{})
	for _, tenant := range []string{"A", "A", "B"} {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/crawl?url=https://example.com&tenant_id="+tenant, nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/crawl/jobs?tenant_id=A", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list jobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	require.Equal(t, "A", list.TenantID)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/crawl/jobs?all=true&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/crawl/jobs?tenant_id=nobody", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs":[]`)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/crawl/stats?tenant_id=A", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats crawler.TenantStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, "A", stats.TenantID)
	require.Equal(t, int64(2), stats.ActiveCount)
	require.Equal(t, int64(2), stats.HourlyCount)
	require.Equal(t, 5, stats.Limits.MaxConcurrent)
	require.Equal(t, int64(3600), stats.HourlyResetSeconds)
}

type unavailableAdmitter struct{}

func (unavailableAdmitter) Submit(context.Context, admission.Request) (admission.Result, error) {
	return admission.Result{Admission: crawler.Admission{Reason: ratelimit.ReasonUnavailable}},
		fmt.Errorf("%w: redis down", admission.ErrUnavailable)
}

func (unavailableAdmitter) Status(context.Context, string) (crawler.Job, string, error) {
	return crawler.Job{}, "", errors.New("redis down")
}

func (unavailableAdmitter) List(context.Context, string, bool, int) ([]crawler.Job, error) {
	return nil, errors.New("redis down")
}

func (unavailableAdmitter) Stats(context.Context, string) (crawler.TenantStats, error) {
	return crawler.TenantStats{}, errors.New("redis down")
}

func (unavailableAdmitter) DefaultTenant() string { return "default" }

func TestServer_StoreUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(unavailableAdmitter{}, func(context.Context) error { return errors.New("redis down") },
		Config{}, zap.NewNop())
	do := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := do(http.MethodPost, "/crawl?url=https://example.com")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "rate limiter unavailable")

	require.Equal(t, http.StatusInternalServerError, do(http.MethodGet, "/crawl/status/x").Code)
	require.Equal(t, http.StatusInternalServerError, do(http.MethodGet, "/crawl/jobs").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(http.MethodGet, "/crawl/stats").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz").Code)
}

func TestServer_APIKeyGuardsCrawlRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, Config{AuthEnabled: true, APIKey: "secret"})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/crawl/stats", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/crawl/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, env.do(req).Code)

	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/crawl/stats?api_key=secret", nil)).Code)
	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestServer_MetricsAndRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, Config{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	require.Equal(t, "abc", env.do(req).Header().Get("X-Request-ID"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}
