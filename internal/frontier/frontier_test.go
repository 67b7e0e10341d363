package frontier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dispatcher"
)

// graphFetcher serves an in-memory link graph and records every fetch.
type graphFetcher struct {
	mu        sync.Mutex
	links     map[string][]string
	failing   map[string]bool
	redirects map[string]string
	fetched   []string
}

func (g *graphFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	g.mu.Lock()
	g.fetched = append(g.fetched, url)
	g.mu.Unlock()
	if g.failing[url] {
		return crawler.Page{}, errors.New("unreachable")
	}
	final := url
	if to, ok := g.redirects[url]; ok {
		final = to
	}
	return crawler.Page{URL: final, Markdown: "page " + final, Links: g.links[final]}, nil
}

func (g *graphFetcher) fetchedSorted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.fetched...)
	sort.Strings(out)
	return out
}

type stubSitemap struct {
	locs []string
	err  error
}

func (s stubSitemap) SitemapURLs(context.Context, string) ([]string, error) {
	return s.locs, s.err
}

func newFrontier(g *graphFetcher, sm crawler.SitemapSource) *Frontier {
	return New(dispatcher.New(g, nil, dispatcher.Config{}, zap.NewNop()), sm, zap.NewNop())
}

func TestRecursiveCycleFetchesEachPageOnce(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{links: map[string][]string{
		"https://x.test/a": {"https://x.test/b", "https://x.test/a#top"},
		"https://x.test/b": {"https://x.test/a"},
	}}
	results := newFrontier(g, nil).Recursive(context.Background(), []string{"https://x.test/a"}, 5, 10)

	require.Equal(t, []string{"https://x.test/a", "https://x.test/b"}, g.fetchedSorted())
	require.Len(t, results, 2)
}

func TestRecursiveRespectsDepthBound(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{links: map[string][]string{
		"https://x.test/0": {"https://x.test/1"},
		"https://x.test/1": {"https://x.test/2"},
		"https://x.test/2": {"https://x.test/3"},
	}}
	f := newFrontier(g, nil)

	f.Recursive(context.Background(), []string{"https://x.test/0"}, 2, 4)
	require.Equal(t, []string{"https://x.test/0", "https://x.test/1", "https://x.test/2"}, g.fetchedSorted())
}

func TestRecursiveDepthZeroFetchesSeedsOnly(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{links: map[string][]string{"https://x.test/": {"https://x.test/next"}}}
	results := newFrontier(g, nil).Recursive(context.Background(), []string{"https://x.test/"}, 0, 4)
	require.Len(t, results, 1)
	require.Equal(t, []string{"https://x.test/"}, g.fetchedSorted())
}

func TestRecursiveStaysOnSeedOrigin(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{links: map[string][]string{
		"https://x.test/": {"https://other.test/", "https://X.test:443/about"},
	}}
	newFrontier(g, nil).Recursive(context.Background(), []string{"https://x.test/"}, 3, 4)
	require.Equal(t, []string{"https://x.test/", "https://x.test/about"}, g.fetchedSorted())
}

func TestRecursiveFailedPagesAreNotRetried(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{
		links: map[string][]string{
			"https://x.test/a": {"https://x.test/broken"},
			"https://x.test/c": {"https://x.test/broken"},
		},
		failing: map[string]bool{"https://x.test/broken": true},
	}
	g.links["https://x.test/a"] = append(g.links["https://x.test/a"], "https://x.test/c")
	results := newFrontier(g, nil).Recursive(context.Background(), []string{"https://x.test/a"}, 5, 4)

	require.Equal(t, []string{"https://x.test/a", "https://x.test/broken", "https://x.test/c"}, g.fetchedSorted())
	require.Len(t, results, 2)
}

func TestRecursiveFailedSeedYieldsNothing(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{failing: map[string]bool{"https://x.test/": true}}
	results := newFrontier(g, nil).Recursive(context.Background(), []string{"https://x.test/"}, 3, 4)
	require.Empty(t, results)
}

func TestRecursiveMarksRedirectTargetVisited(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{
		links: map[string][]string{
			"https://x.test/home": {"https://x.test/home", "https://x.test/about"},
		},
		redirects: map[string]string{"https://x.test/": "https://x.test/home"},
	}
	results := newFrontier(g, nil).Recursive(context.Background(), []string{"https://x.test/"}, 3, 4)
	require.Equal(t, []string{"https://x.test/", "https://x.test/about"}, g.fetchedSorted())
	require.Equal(t, "https://x.test/home", results[0].URL)
}

func TestCrawlSitemapDoesNotExpandLinks(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{links: map[string][]string{
		"https://x.test/a": {"https://x.test/hidden"},
		"https://x.test/b": {"https://x.test/hidden"},
	}}
	sm := stubSitemap{locs: []string{"https://x.test/a", "https://x.test/b#frag", "https://x.test/a"}}
	out, err := newFrontier(g, sm).Crawl(context.Background(), "https://x.test/sitemap.xml", crawler.JobParams{MaxDepth: 5, MaxConcurrency: 2})
	require.NoError(t, err)
	require.Equal(t, crawler.StrategySitemap, out.Strategy)
	require.Len(t, out.Results, 2)
	require.Equal(t, []string{"https://x.test/a", "https://x.test/b"}, g.fetchedSorted())
}

func TestCrawlEmptySitemapFails(t *testing.T) {
	t.Parallel()

	_, err := newFrontier(&graphFetcher{}, stubSitemap{}).Crawl(context.Background(), "https://x.test/sitemap_index.xml", crawler.JobParams{})
	require.ErrorIs(t, err, crawler.ErrEmptySitemap)

	_, err = newFrontier(&graphFetcher{}, stubSitemap{err: errors.New("404")}).Crawl(context.Background(), "https://x.test/sitemap.xml", crawler.JobParams{})
	require.ErrorContains(t, err, "read sitemap")
}

func TestCrawlTextFileFetchesOnlyThatFile(t *testing.T) {
	t.Parallel()

	g := &graphFetcher{links: map[string][]string{"https://x.test/llms.txt": {"https://x.test/a"}}}
	out, err := newFrontier(g, nil).Crawl(context.Background(), "https://x.test/llms.txt", crawler.JobParams{MaxDepth: 3, MaxConcurrency: 4})
	require.NoError(t, err)
	require.Equal(t, crawler.StrategyTextFile, out.Strategy)
	require.Len(t, out.Results, 1)
	require.Equal(t, []string{"https://x.test/llms.txt"}, g.fetchedSorted())
}

func TestCollectDropsEmptyMarkdown(t *testing.T) {
	t.Parallel()

	pages := []*crawler.Page{{URL: "https://x.test/a", Markdown: " \n"}, nil, {Markdown: "text"}}
	got := collect([]string{"https://x.test/a", "https://x.test/b", "https://x.test/c"}, pages)
	require.Equal(t, []crawler.CrawlResult{{URL: "https://x.test/c", Markdown: "text"}}, got)
}
