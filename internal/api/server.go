package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/admission"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
)

const submitMessage = "Crawl started! Check back soon for your new knowledge."

// Admitter is the admission surface the handlers drive.
type Admitter interface {
	Submit(ctx context.Context, req admission.Request) (admission.Result, error)
	Status(ctx context.Context, jobID string) (crawler.Job, string, error)
	List(ctx context.Context, tenantID string, all bool, limit int) ([]crawler.Job, error)
	Stats(ctx context.Context, tenantID string) (crawler.TenantStats, error)
	DefaultTenant() string
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Config holds HTTP-layer options.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the admission service.
type Server struct {
	router chi.Router
	svc    Admitter
	ready  ReadyFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(svc Admitter, ready ReadyFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		svc:    svc,
		ready:  ready,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/crawl", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/", s.submitCrawl)
		r.Get("/status/{job_id}", s.getJobStatus)
		r.Get("/jobs", s.listJobs)
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URL            string `json:"url"`
	TenantID       string `json:"tenant_id"`
	MaxDepth       *int   `json:"max_depth"`
	MaxConcurrency *int   `json:"max_concurrency"`
	ChunkSize      *int   `json:"chunk_size"`
}

type crawlAccepted struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	JobID          string `json:"job_id"`
	URL            string `json:"url"`
	TenantID       string `json:"tenant_id"`
	Status         string `json:"status"`
	CheckStatusURL string `json:"check_status_url"`
}

type crawlRejected struct {
	crawler.Admission
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrawlRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Submit(r.Context(), admission.Request{
		URL:            req.URL,
		TenantID:       req.TenantID,
		MaxDepth:       req.MaxDepth,
		MaxConcurrency: req.MaxConcurrency,
		ChunkSize:      req.ChunkSize,
	})
	switch {
	case err == nil:
	case errors.Is(err, admission.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, crawler.ErrLimitExceeded):
		writeJSON(w, http.StatusTooManyRequests, crawlRejected{Admission: res.Admission, Error: res.Admission.Reason})
		return
	default:
		writeJSON(w, http.StatusServiceUnavailable, crawlRejected{Admission: res.Admission, Error: res.Admission.Reason})
		return
	}
	writeJSON(w, http.StatusAccepted, crawlAccepted{
		Success:        true,
		Message:        submitMessage,
		JobID:          res.Job.ID,
		URL:            res.Job.URL,
		TenantID:       res.Job.TenantID,
		Status:         string(res.Job.Status),
		CheckStatusURL: "/crawl/status/" + res.Job.ID,
	})
}

// decodeCrawlRequest reads a JSON body when one is sent, otherwise the query
// string and form values.
func decodeCrawlRequest(r *http.Request) (crawlRequest, error) {
	var req crawlRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			return crawlRequest{}, errors.New("invalid JSON")
		}
		if req.URL == "" {
			req.URL = r.URL.Query().Get("url")
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return crawlRequest{}, fmt.Errorf("parse form: %w", err)
	}
	req.URL = r.Form.Get("url")
	req.TenantID = r.Form.Get("tenant_id")
	var err error
	if req.MaxDepth, err = optionalInt(r.Form.Get("max_depth"), "max_depth"); err != nil {
		return crawlRequest{}, err
	}
	if req.MaxConcurrency, err = optionalInt(r.Form.Get("max_concurrency"), "max_concurrency"); err != nil {
		return crawlRequest{}, err
	}
	if req.ChunkSize, err = optionalInt(r.Form.Get("chunk_size"), "chunk_size"); err != nil {
		return crawlRequest{}, err
	}
	return req, nil
}

func optionalInt(raw, name string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", name)
	}
	return &v, nil
}

type jobStatusResponse struct {
	crawler.Job
	Message string `json:"message"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, msg, err := s.svc.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Job '%s' not found", jobID))
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read job")
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{Job: job, Message: msg})
}

type jobListResponse struct {
	Jobs     []crawler.Job `json:"jobs"`
	Count    int           `json:"count"`
	TenantID string        `json:"tenant_id,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := optionalInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all := q.Get("all") == "true"
	n := 0
	if limit != nil {
		n = *limit
	}
	jobs, err := s.svc.List(r.Context(), q.Get("tenant_id"), all, n)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	resp := jobListResponse{Jobs: jobs, Count: len(jobs)}
	if resp.Jobs == nil {
		resp.Jobs = []crawler.Job{}
	}
	if !all {
		resp.TenantID = tenantOrDefault(q.Get("tenant_id"), s.svc.DefaultTenant())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		s.logger.Error("tenant stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func tenantOrDefault(tenant, def string) string {
	if tenant == "" {
		return def
	}
	return tenant
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
