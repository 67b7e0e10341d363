// Package uuid generates job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.IDGenerator = Generator{}

// Generator creates time-ordered UUIDv7 job IDs, so IDs sort roughly by
// submission time.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}
