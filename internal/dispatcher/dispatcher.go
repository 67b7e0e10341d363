// Package dispatcher fans a batch of URLs out to a Fetcher with bounded,
// pressure-adaptive concurrency.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
)

// PressureSampler reports resource pressure as a percentage (0-100).
type PressureSampler interface {
	Sample() float64
}

// Config tunes the backpressure loop.
type Config struct {
	// ThresholdPercent is the pressure at or above which the limit is halved.
	ThresholdPercent float64
	// CheckInterval is how often pressure is sampled while a batch runs.
	CheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThresholdPercent <= 0 {
		c.ThresholdPercent = 70
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	return c
}

// Dispatcher is safe for concurrent use; each Dispatch call gets its own gate.
type Dispatcher struct {
	fetcher  crawler.Fetcher
	pressure PressureSampler
	cfg      Config
	logger   *zap.Logger
}

// New builds a Dispatcher. A nil sampler disables adaptation.
func New(fetcher crawler.Fetcher, pressure PressureSampler, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		fetcher:  fetcher,
		pressure: pressure,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("dispatcher"),
	}
}

// Dispatch fetches every URL with at most maxConcurrency fetches in flight.
// The returned slice is aligned with urls; a failed fetch leaves a nil entry.
// Dispatch only returns early when ctx is cancelled, in which case unstarted
// URLs are also left nil.
func (d *Dispatcher) Dispatch(ctx context.Context, urls []string, maxConcurrency int) []*crawler.Page {
	results := make([]*crawler.Page, len(urls))
	if len(urls) == 0 {
		return results
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	g := newGate(maxConcurrency)
	metrics.SetDispatcherLimit(maxConcurrency)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if d.pressure != nil {
		go d.monitor(monitorCtx, g)
	}

	var eg errgroup.Group
	for i, u := range urls {
		if err := g.acquire(ctx); err != nil {
			break
		}
		eg.Go(func() error {
			defer g.release()
			metrics.AddInflight(1)
			defer metrics.AddInflight(-1)

			page, err := d.fetcher.Fetch(ctx, u)
			if err != nil {
				d.logger.Debug("fetch failed", zap.String("url", u), zap.Error(err))
				metrics.ObserveFetch(u, "error", 0)
				return nil
			}
			metrics.ObserveFetch(u, "success", len(page.Body))
			results[i] = &page
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// monitor samples pressure each interval: the limit halves (floor 1) while
// pressure is at or above the threshold and recovers by one per tick
// otherwise, never exceeding the batch's cap.
func (d *Dispatcher) monitor(ctx context.Context, g *gate) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := d.pressure.Sample()
			prev, next := g.adjust(p >= d.cfg.ThresholdPercent)
			if prev != next {
				d.logger.Debug("concurrency adjusted",
					zap.Float64("pressure_percent", p),
					zap.Int("from", prev),
					zap.Int("to", next),
				)
				metrics.SetDispatcherLimit(next)
			}
		}
	}
}

// gate is a resizable counting semaphore. Waiters block on wake, which is
// closed and replaced whenever a slot may have opened.
type gate struct {
	mu       sync.Mutex
	inFlight int
	limit    int
	cap      int
	peak     int
	wake     chan struct{}
}

func newGate(capacity int) *gate {
	return &gate{limit: capacity, cap: capacity, wake: make(chan struct{})}
}

func (g *gate) acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inFlight < g.limit {
			g.inFlight++
			if g.inFlight > g.peak {
				g.peak = g.inFlight
			}
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	g.broadcast()
}

func (g *gate) adjust(pressured bool) (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.limit
	if pressured {
		g.limit = max(1, g.limit/2)
	} else if g.limit < g.cap {
		g.limit++
		g.broadcast()
	}
	return prev, g.limit
}

func (g *gate) broadcast() {
	close(g.wake)
	g.wake = make(chan struct{})
}

func (g *gate) snapshot() (limit, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit, g.peak
}
