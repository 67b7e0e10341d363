// Package detector decides when a plain HTTP fetch needs a headless re-render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/extract"
)

// Heuristic promotes HTML pages whose server response carries little text
// but looks like a client-rendered application shell.
type Heuristic struct {
	// MinWords is the extracted word count at or above which a page is
	// considered server-rendered regardless of markers.
	MinWords int
}

// NewHeuristic creates a detector. Zero selects 50 words.
func NewHeuristic(minWords int) *Heuristic {
	if minWords <= 0 {
		minWords = 50
	}
	return &Heuristic{MinWords: minWords}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether page should be fetched again headlessly.
func (h *Heuristic) ShouldPromote(page crawler.Page) bool {
	if page.StatusCode != http.StatusOK || !extract.IsHTML(page.ContentType, page.Body) {
		return false
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return true
	}
	if len(strings.Fields(page.Markdown)) >= h.MinWords {
		return false
	}
	if scriptCoverage(page.Body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(page.Body, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage returns the percentage of body bytes inside <script> elements.
// An unterminated script counts to the end of the document.
func scriptCoverage(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], "<script")
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if closeRel := strings.Index(lower[start:], "</script>"); closeRel != -1 {
			end = start + closeRel + len("</script>")
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
