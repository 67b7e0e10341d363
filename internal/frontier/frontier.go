// Package frontier expands crawl seeds into the set of pages to store.
//
// Three strategies exist, chosen by URL shape: a single text file, a flat
// sitemap, or a breadth-first walk over same-origin links. Within one run a
// normalized URL is fetched at most once, and depth level n+1 never starts
// before level n has finished.
package frontier

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Dispatcher fetches a batch with bounded concurrency. The result is aligned
// with urls and holds nil for failed fetches.
type Dispatcher interface {
	Dispatch(ctx context.Context, urls []string, maxConcurrency int) []*crawler.Page
}

// Outcome is the product of one crawl.
type Outcome struct {
	Strategy crawler.Strategy
	Results  []crawler.CrawlResult
}

// Frontier runs crawl strategies over a Dispatcher.
type Frontier struct {
	dispatcher Dispatcher
	sitemaps   crawler.SitemapSource
	logger     *zap.Logger
}

// New builds a Frontier.
func New(dispatcher Dispatcher, sitemaps crawler.SitemapSource, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		dispatcher: dispatcher,
		sitemaps:   sitemaps,
		logger:     logger.Named("frontier"),
	}
}

// Crawl selects the strategy for seed and runs it. Failing to fetch a page is
// never an error here; the caller decides what an empty result means.
func (f *Frontier) Crawl(ctx context.Context, seed string, params crawler.JobParams) (Outcome, error) {
	strategy := crawler.SelectStrategy(seed)
	out := Outcome{Strategy: strategy}
	var err error
	switch strategy {
	case crawler.StrategyTextFile:
		out.Results = f.File(ctx, seed)
	case crawler.StrategySitemap:
		out.Results, err = f.Sitemap(ctx, seed, params.MaxConcurrency)
	default:
		out.Results = f.Recursive(ctx, []string{seed}, params.MaxDepth, params.MaxConcurrency)
	}
	return out, err
}

// File fetches exactly one resource with no link expansion.
func (f *Frontier) File(ctx context.Context, url string) []crawler.CrawlResult {
	normalized, err := crawler.NormalizeURL(url)
	if err != nil {
		return nil
	}
	return collect([]string{normalized}, f.dispatcher.Dispatch(ctx, []string{normalized}, 1))
}

// Sitemap fetches every <loc> of the sitemap at url. Depth is irrelevant:
// links found on the listed pages are never followed.
func (f *Frontier) Sitemap(ctx context.Context, url string, maxConcurrency int) ([]crawler.CrawlResult, error) {
	locs, err := f.sitemaps.SitemapURLs(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("read sitemap: %w", err)
	}
	seen := make(map[string]struct{}, len(locs))
	batch := make([]string, 0, len(locs))
	for _, loc := range locs {
		normalized, err := crawler.NormalizeURL(loc)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		batch = append(batch, normalized)
	}
	if len(batch) == 0 {
		return nil, crawler.ErrEmptySitemap
	}
	f.logger.Info("sitemap expanded", zap.String("url", url), zap.Int("urls", len(batch)))
	return collect(batch, f.dispatcher.Dispatch(ctx, batch, maxConcurrency)), nil
}

// Recursive walks same-origin links breadth-first from seeds, fetching depth
// levels 0 through maxDepth inclusive, so maxDepth 0 fetches the seeds only.
// Every URL in a level is marked visited before it is fetched, whatever the
// outcome, so failing pages are not retried and cycles terminate.
func (f *Frontier) Recursive(ctx context.Context, seeds []string, maxDepth, maxConcurrency int) []crawler.CrawlResult {
	origins := make(map[string]struct{})
	visited := make(map[string]struct{})
	var frontier []string
	for _, s := range seeds {
		normalized, err := crawler.NormalizeURL(s)
		if err != nil {
			continue
		}
		origins[crawler.Origin(normalized)] = struct{}{}
		frontier = append(frontier, normalized)
	}

	var results []crawler.CrawlResult
	for depth := 0; depth <= maxDepth; depth++ {
		batch := unvisited(frontier, visited)
		if len(batch) == 0 {
			break
		}
		for _, u := range batch {
			visited[u] = struct{}{}
		}

		pages := f.dispatcher.Dispatch(ctx, batch, maxConcurrency)
		results = append(results, collect(batch, pages)...)

		var next []string
		for _, p := range pages {
			if p == nil {
				continue
			}
			// A redirect target is the same node as its source.
			if final, err := crawler.NormalizeURL(p.URL); err == nil {
				visited[final] = struct{}{}
			}
			if depth == maxDepth {
				continue
			}
			for _, link := range p.Links {
				normalized, err := crawler.NormalizeURL(link)
				if err != nil {
					continue
				}
				if _, ok := origins[crawler.Origin(normalized)]; !ok {
					continue
				}
				next = append(next, normalized)
			}
		}
		f.logger.Debug("frontier level done",
			zap.Int("depth", depth),
			zap.Int("fetched", len(batch)),
			zap.Int("discovered", len(next)),
		)
		frontier = next
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// unvisited returns the distinct entries of frontier not yet in visited,
// preserving order.
func unvisited(frontier []string, visited map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(frontier))
	out := make([]string, 0, len(frontier))
	for _, u := range frontier {
		if _, done := visited[u]; done {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// collect keeps the pages that fetched successfully and produced text.
func collect(batch []string, pages []*crawler.Page) []crawler.CrawlResult {
	var out []crawler.CrawlResult
	for i, p := range pages {
		if p == nil || strings.TrimSpace(p.Markdown) == "" {
			continue
		}
		url := batch[i]
		if p.URL != "" {
			if normalized, err := crawler.NormalizeURL(p.URL); err == nil {
				url = normalized
			}
		}
		out = append(out, crawler.CrawlResult{URL: url, Markdown: p.Markdown})
	}
	return out
}
