// Package fetcher composes the plain HTTP and headless fetchers.
package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Detector flags pages that need a rendered fetch.
type Detector interface {
	ShouldPromote(page crawler.Page) bool
}

// Promoting probes with a cheap HTTP fetch and re-fetches through a headless
// browser only when the detector asks for it.
type Promoting struct {
	probe    crawler.Fetcher
	headless crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

var _ crawler.Fetcher = (*Promoting)(nil)

// NewPromoting builds a Promoting fetcher. With a nil headless fetcher or
// detector it behaves exactly like probe.
func NewPromoting(probe, headless crawler.Fetcher, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{
		probe:    probe,
		headless: headless,
		detector: detector,
		logger:   logger.Named("fetcher"),
	}
}

// Fetch implements crawler.Fetcher. A failed headless render falls back to
// the probe result.
func (p *Promoting) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	page, err := p.probe.Fetch(ctx, url)
	if err != nil {
		return crawler.Page{}, err
	}
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(page) {
		return page, nil
	}
	rendered, err := p.headless.Fetch(ctx, url)
	if err != nil {
		p.logger.Warn("headless render failed, keeping probe result",
			zap.String("url", url),
			zap.Error(err),
		)
		return page, nil
	}
	return rendered, nil
}
