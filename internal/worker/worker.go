// Package worker runs admitted crawl jobs in the background.
//
// Each dequeued job gets its own goroutine with a panic boundary. Whatever
// happens inside, the job ends in a terminal status when the store allows it
// and the tenant's concurrency slot is released exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/frontier"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
)

// maxListedURLs bounds urls_crawled in a job summary.
const maxListedURLs = 10

// Crawler runs the crawl strategy for one seed.
type Crawler interface {
	Crawl(ctx context.Context, seed string, params crawler.JobParams) (frontier.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives completion events. Empty disables publishing.
	Topic string
}

// Worker consumes queue items and executes jobs.
type Worker struct {
	queue     crawler.Queue
	jobs      crawler.JobStore
	limiter   crawler.RateLimiter
	crawler   Crawler
	sink      crawler.ResultSink
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Worker. publisher may be nil.
func New(
	queue crawler.Queue,
	jobs crawler.JobStore,
	limiter crawler.RateLimiter,
	c Crawler,
	sink crawler.ResultSink,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		limiter:   limiter,
		crawler:   c,
		sink:      sink,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. Jobs already started keep running after Run returns; use Wait to
// drain them.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			// Running jobs are not canceled with the consumer loop.
			w.Process(context.WithoutCancel(ctx), item)
		}()
	}
}

// Wait blocks until every started job has finished or ctx ends.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// Process drives one job from queued to a terminal status.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) {
	start := w.clock.Now()
	strategy := crawler.SelectStrategy(item.URL)
	logger := w.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("tenant_id", item.TenantID),
		zap.String("url", item.URL),
	)

	defer w.release(ctx, item, logger)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job panicked", zap.Any("panic", rec), zap.Stack("stack"))
			w.finish(ctx, item, strategy, start, crawler.JobUpdate{
				Status: crawler.JobStatusFailed,
				Error:  fmt.Sprintf("internal error: %v", rec),
			}, logger)
		}
	}()

	job, err := w.jobs.Update(ctx, item.JobID, crawler.JobUpdate{Status: crawler.JobStatusRunning})
	if err != nil {
		logger.Error("mark job running failed", zap.Error(err))
		if !errors.Is(err, crawler.ErrJobNotFound) {
			w.finish(ctx, item, strategy, start, failure(fmt.Errorf("mark running: %w", err)), logger)
		}
		return
	}
	logger.Info("job running", zap.String("strategy", string(strategy)))

	outcome, err := w.crawler.Crawl(ctx, item.URL, item.Params)
	if err != nil {
		w.finish(ctx, item, strategy, start, failure(err), logger)
		return
	}
	if len(outcome.Results) == 0 {
		w.finish(ctx, item, strategy, start, failure(crawler.ErrNoContent), logger)
		return
	}

	stored, err := w.sink.Persist(ctx, job, outcome.Results)
	if err != nil {
		w.finish(ctx, item, strategy, start, failure(fmt.Errorf("store results: %w", err)), logger)
		return
	}

	summary := summarize(item, outcome, stored)
	w.finish(ctx, item, strategy, start, crawler.JobUpdate{
		Status: crawler.JobStatusCompleted,
		Result: &summary,
	}, logger)
}

func failure(err error) crawler.JobUpdate {
	return crawler.JobUpdate{Status: crawler.JobStatusFailed, Error: err.Error()}
}

// finish records the terminal update. A completed result that cannot be
// saved is downgraded to failed so the job never stays running.
func (w *Worker) finish(
	ctx context.Context,
	item crawler.QueueItem,
	strategy crawler.Strategy,
	start time.Time,
	update crawler.JobUpdate,
	logger *zap.Logger,
) {
	if _, err := w.jobs.Update(ctx, item.JobID, update); err != nil {
		logger.Error("record terminal status failed", zap.String("status", string(update.Status)), zap.Error(err))
		if update.Status != crawler.JobStatusCompleted {
			return
		}
		update = failure(fmt.Errorf("record result: %w", err))
		if _, err := w.jobs.Update(ctx, item.JobID, update); err != nil {
			logger.Error("record failure status failed", zap.Error(err))
			return
		}
	}

	if update.Status == crawler.JobStatusFailed {
		logger.Warn("job failed", zap.String("error", update.Error))
	} else {
		logger.Info("job completed",
			zap.Int("pages", update.Result.PagesCrawled),
			zap.Int("documents", update.Result.DocumentsStored),
		)
	}
	metrics.ObserveJob(string(update.Status), string(strategy), w.clock.Now().Sub(start))
	w.publish(ctx, item, strategy, update, logger)
}

func (w *Worker) publish(
	ctx context.Context,
	item crawler.QueueItem,
	strategy crawler.Strategy,
	update crawler.JobUpdate,
	logger *zap.Logger,
) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := crawler.CompletionEvent{
		JobID:     item.JobID,
		TenantID:  item.TenantID,
		URL:       item.URL,
		Status:    update.Status,
		CrawlType: strategy,
		Error:     update.Error,
		Timestamp: w.clock.Now().UTC().Format(time.RFC3339),
	}
	if update.Result != nil {
		event.PagesCrawled = update.Result.PagesCrawled
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish completion failed", zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, item crawler.QueueItem, logger *zap.Logger) {
	if err := w.limiter.Release(ctx, item.TenantID, item.JobID); err != nil {
		logger.Error("release admission slot failed", zap.Error(err))
	}
}

func summarize(item crawler.QueueItem, outcome frontier.Outcome, stored int) crawler.JobSummary {
	summary := crawler.JobSummary{
		URL:             item.URL,
		CrawlType:       outcome.Strategy,
		PagesCrawled:    len(outcome.Results),
		DocumentsStored: stored,
		TenantID:        item.TenantID,
		URLsCrawled:     make([]string, 0, min(len(outcome.Results), maxListedURLs)),
	}
	for _, r := range outcome.Results {
		summary.TotalWords += len(strings.Fields(r.Markdown))
		summary.TotalBytes += len(r.Markdown)
		if len(summary.URLsCrawled) < maxListedURLs {
			summary.URLsCrawled = append(summary.URLsCrawled, r.URL)
		}
	}
	return summary
}
