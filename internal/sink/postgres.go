package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/storage/postgres"
)

// DocumentWriter is the subset of postgres.DocumentStore the sink needs.
type DocumentWriter interface {
	StoreDocument(ctx context.Context, doc postgres.Document) error
}

// DocumentSink writes results as rows. With a BlobSink attached each
// document is written as an object first and the row records its URI.
type DocumentSink struct {
	docs  DocumentWriter
	keys  Keyer
	clock crawler.Clock
	blobs *BlobSink
}

// NewDocumentSink builds a DocumentSink.
func NewDocumentSink(docs DocumentWriter, keys Keyer, clock crawler.Clock) *DocumentSink {
	return &DocumentSink{docs: docs, keys: keys, clock: clock}
}

// WithBlobs attaches the object writer whose URIs are stored on each row.
func (s *DocumentSink) WithBlobs(blobs *BlobSink) *DocumentSink {
	s.blobs = blobs
	return s
}

// Persist inserts one row per non-empty result. A failed object write skips
// the row for that result.
func (s *DocumentSink) Persist(ctx context.Context, job crawler.Job, results []crawler.CrawlResult) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, res := range results {
		if strings.TrimSpace(res.Markdown) == "" {
			continue
		}
		key, err := s.keys.DocumentKey(res.URL, res.Markdown)
		if err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", res.URL, err))
			continue
		}
		var uri string
		if s.blobs != nil {
			if uri, err = s.blobs.Store(ctx, job, res.URL, res.Markdown); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		doc := postgres.Document{
			ID:        key,
			JobID:     job.ID,
			TenantID:  job.TenantID,
			URL:       res.URL,
			Markdown:  res.Markdown,
			WordCount: len(strings.Fields(res.Markdown)),
			ByteCount: len(res.Markdown),
			BlobURI:   uri,
			StoredAt:  s.clock.Now(),
		}
		if err := s.docs.StoreDocument(ctx, doc); err != nil {
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}
