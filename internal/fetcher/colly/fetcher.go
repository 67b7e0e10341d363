// Package collyfetcher fetches pages and sitemaps over plain HTTP using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/extract"
)

var (
	_ crawler.Fetcher       = (*Fetcher)(nil)
	_ crawler.SitemapSource = (*Fetcher)(nil)
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	IgnoreRobots bool
	Timeout      time.Duration
	Headers      http.Header
}

// Fetcher implements crawler.Fetcher using a Colly collector per request.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// rawResponse is what the hooks capture before extraction.
type rawResponse struct {
	url         string
	statusCode  int
	contentType string
	body        []byte
}

// New builds a Fetcher with a pooled transport shared by all clones.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	// The frontier owns de-duplication, so the collector must not refuse
	// revisits across jobs.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch retrieves url. HTML is converted to markdown with its links
// extracted; any other content type is returned as-is with no links.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return crawler.Page{}, err
	}
	page := crawler.Page{
		URL:         raw.url,
		StatusCode:  raw.statusCode,
		ContentType: raw.contentType,
		Body:        raw.body,
	}
	if extract.IsHTML(raw.contentType, raw.body) {
		doc, err := extract.HTML(raw.url, raw.body)
		if err != nil {
			return crawler.Page{}, err
		}
		page.Markdown = doc.Markdown
		page.Links = doc.Links
		return page, nil
	}
	page.Markdown = strings.TrimSpace(string(raw.body))
	return page, nil
}

// SitemapURLs fetches a sitemap and returns its <loc> entries in document
// order. Nested sitemap indexes are not followed.
func (f *Fetcher) SitemapURLs(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return ParseSitemap(raw.body)
}

// ParseSitemap extracts the trimmed, non-empty <loc> values of a sitemap.
func ParseSitemap(body []byte) ([]string, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var out []string
	for _, n := range xmlquery.Find(doc, "//loc") {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return out, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (rawResponse, error) {
	var (
		result   rawResponse
		fetchErr error
	)
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, &result, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return rawResponse{}, err
	}
	if result.url == "" {
		return rawResponse{}, errors.New("colly returned no response")
	}
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = f.cfg.IgnoreRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *rawResponse, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = rawResponse{
			url:         r.Request.URL.String(),
			statusCode:  r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			body:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
