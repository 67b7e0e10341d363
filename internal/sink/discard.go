package sink

import (
	"context"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Discard drops results. It backs storage.backend=none.
type Discard struct{}

// Persist reports nothing stored.
func (Discard) Persist(context.Context, crawler.Job, []crawler.CrawlResult) (int, error) {
	return 0, nil
}
