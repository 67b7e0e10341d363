package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.JobStore = (*JobStore)(nil)

type jobEntry struct {
	job     crawler.Job
	expires time.Time
}

// JobStore provides an in-memory implementation for development/testing.
// Records expire retention after their last write, like the Redis store.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]jobEntry
	ids       crawler.IDGenerator
	clock     crawler.Clock
	retention time.Duration
}

// NewJobStore constructs a JobStore.
func NewJobStore(ids crawler.IDGenerator, clock crawler.Clock, retention time.Duration) *JobStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &JobStore{
		jobs:      make(map[string]jobEntry),
		ids:       ids,
		clock:     clock,
		retention: retention,
	}
}

// Create stores a new job in queued status.
func (s *JobStore) Create(_ context.Context, url, tenantID string, params crawler.JobParams) (crawler.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now().UTC()
	job := crawler.Job{
		ID:        id,
		URL:       url,
		TenantID:  tenantID,
		Status:    crawler.JobStatusQueued,
		Params:    params,
		CreatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return crawler.Job{}, fmt.Errorf("job %s already exists", id)
	}
	s.jobs[id] = jobEntry{job: job, expires: now.Add(s.retention)}
	return job, nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (crawler.Job, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[jobID]
	if !ok || !now.Before(entry.expires) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return entry.job, nil
}

// Update applies a status transition and refreshes the retention window.
func (s *JobStore) Update(_ context.Context, jobID string, update crawler.JobUpdate) (crawler.Job, error) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[jobID]
	if !ok || !now.Before(entry.expires) {
		delete(s.jobs, jobID)
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	job := entry.job
	if err := crawler.ApplyUpdate(&job, update, now); err != nil {
		return crawler.Job{}, err
	}
	s.jobs[jobID] = jobEntry{job: job, expires: now.Add(s.retention)}
	return job, nil
}

// List returns unexpired jobs newest-first.
func (s *JobStore) List(_ context.Context, tenantID string, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for id, entry := range s.jobs {
		if !now.Before(entry.expires) {
			delete(s.jobs, id)
			continue
		}
		if tenantID != "" && entry.job.TenantID != tenantID {
			continue
		}
		out = append(out, entry.job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a job. Unknown IDs are ignored.
func (s *JobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
