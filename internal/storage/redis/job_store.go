// Package redis keeps crawl job records in Redis with a sliding retention TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.JobStore = (*JobStore)(nil)

const (
	defaultRetention = 24 * time.Hour
	defaultListLimit = 20
	maxUpdateRetries = 5
)

// JobStore persists jobs as JSON documents. Each tenant has a sorted-set index
// scored by creation time, plus a global index for administrative listing.
// Index entries whose record has expired are pruned lazily by List.
type JobStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
	ids       crawler.IDGenerator
	clock     crawler.Clock
}

// NewJobStore builds a JobStore. A non-positive retention selects 24h.
func NewJobStore(
	client goredis.UniversalClient,
	prefix string,
	retention time.Duration,
	ids crawler.IDGenerator,
	clock crawler.Clock,
) *JobStore {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &JobStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
		ids:       ids,
		clock:     clock,
	}
}

func (s *JobStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *JobStore) tenantIndex(tenantID string) string {
	return s.prefix + "jobs:tenant:" + tenantID
}

func (s *JobStore) globalIndex() string {
	return s.prefix + "jobs:all"
}

// Create stores a queued job and indexes it.
func (s *JobStore) Create(ctx context.Context, url, tenantID string, params crawler.JobParams) (crawler.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:        id,
		URL:       url,
		TenantID:  tenantID,
		Status:    crawler.JobStatusQueued,
		Params:    params,
		CreatedAt: s.clock.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("encode job: %w", err)
	}
	member := goredis.Z{Score: float64(job.CreatedAt.UnixMicro()), Member: id}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.jobKey(id), payload, s.retention)
		p.ZAdd(ctx, s.tenantIndex(tenantID), member)
		p.Expire(ctx, s.tenantIndex(tenantID), s.retention)
		p.ZAdd(ctx, s.globalIndex(), member)
		return nil
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get returns the job or crawler.ErrJobNotFound once it has expired.
func (s *JobStore) Get(ctx context.Context, jobID string) (crawler.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return decodeJob(raw)
}

// Update applies a status transition under WATCH so concurrent writers cannot
// clobber the set-once timestamps. The record's TTL is reset to the full
// retention window.
func (s *JobStore) Update(ctx context.Context, jobID string, update crawler.JobUpdate) (crawler.Job, error) {
	key := s.jobKey(jobID)
	var updated crawler.Job
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return crawler.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if err := crawler.ApplyUpdate(&job, update, s.clock.Now().UTC()); err != nil {
			return err
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, payload, s.retention)
			p.Expire(ctx, s.tenantIndex(job.TenantID), s.retention)
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, crawler.ErrJobNotFound), errors.Is(err, crawler.ErrInvalidTransition):
			return crawler.Job{}, err
		default:
			return crawler.Job{}, fmt.Errorf("update job: %w", err)
		}
	}
	return crawler.Job{}, fmt.Errorf("update job %s: too much contention", jobID)
}

// List returns up to limit jobs newest-first. An empty tenantID reads the
// global index.
func (s *JobStore) List(ctx context.Context, tenantID string, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	index := s.globalIndex()
	if tenantID != "" {
		index = s.tenantIndex(tenantID)
	}

	jobs := make([]crawler.Job, 0, limit)
	var stale []any
	start := int64(0)
	for len(jobs) < limit {
		ids, err := s.client.ZRevRange(ctx, index, start, start+int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list job ids: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		start += int64(len(ids))

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.jobKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load jobs: %w", err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			job, err := decodeJob([]byte(raw))
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
			if len(jobs) == limit {
				break
			}
		}
	}

	if len(stale) > 0 {
		// Best effort; a failed prune is retried on the next List.
		_ = s.client.ZRem(ctx, index, stale...).Err()
	}
	return jobs, nil
}

// Delete removes the record and its index entries. Deleting an unknown job is
// not an error.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if errors.Is(err, crawler.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.jobKey(jobID))
		p.ZRem(ctx, s.tenantIndex(job.TenantID), jobID)
		p.ZRem(ctx, s.globalIndex(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func decodeJob(raw []byte) (crawler.Job, error) {
	var job crawler.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
