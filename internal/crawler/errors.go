package crawler

import "errors"

// Sentinel errors shared across subsystems. Callers match them with errors.Is.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrLimitExceeded     = errors.New("tenant rate limit exceeded")
	ErrNoContent         = errors.New("no content found")
	ErrEmptySitemap      = errors.New("no URLs found in sitemap")
	ErrQueueClosed       = errors.New("queue closed")
)
