package sink

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Keyer derives a stable key for a document.
type Keyer interface {
	DocumentKey(url, markdown string) (string, error)
}

// BlobSink writes each result as a markdown object under
// <prefix>/<tenant>/<job>/<key>.md.
type BlobSink struct {
	store  crawler.BlobStore
	keys   Keyer
	prefix string
	logger *zap.Logger
}

// NewBlobSink builds a BlobSink.
func NewBlobSink(store crawler.BlobStore, keys Keyer, prefix string, logger *zap.Logger) *BlobSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobSink{
		store:  store,
		keys:   keys,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("blob_sink"),
	}
}

// Persist stores every non-empty result. Individual write failures are logged
// and reported together; the count covers only successful writes.
func (s *BlobSink) Persist(ctx context.Context, job crawler.Job, results []crawler.CrawlResult) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, res := range results {
		if strings.TrimSpace(res.Markdown) == "" {
			continue
		}
		uri, err := s.Store(ctx, job, res.URL, res.Markdown)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("document stored", zap.String("job_id", job.ID), zap.String("uri", uri))
		stored++
	}
	return stored, errors.Join(errs...)
}

// Store writes one markdown document and returns its URI.
func (s *BlobSink) Store(ctx context.Context, job crawler.Job, url, markdown string) (string, error) {
	key, err := s.keys.DocumentKey(url, markdown)
	if err != nil {
		return "", fmt.Errorf("key %s: %w", url, err)
	}
	objectPath := path.Join(s.prefix, job.TenantID, job.ID, key+".md")
	uri, err := s.store.PutObject(ctx, objectPath, "text/markdown; charset=utf-8", strings.NewReader(markdown))
	if err != nil {
		s.logger.Warn("document write failed",
			zap.String("job_id", job.ID),
			zap.String("url", url),
			zap.Error(err),
		)
		return "", fmt.Errorf("store %s: %w", url, err)
	}
	return uri, nil
}
