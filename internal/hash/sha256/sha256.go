// Package sha256 derives stable document keys from page content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.Hasher = (*Hasher)(nil)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DocumentKey hashes a page URL together with its extracted text so that the
// same URL with changed content gets a new key.
func (h *Hasher) DocumentKey(url, markdown string) (string, error) {
	d := sha256.New()
	d.Write([]byte(url))
	d.Write([]byte{0})
	d.Write([]byte(markdown))
	return hex.EncodeToString(d.Sum(nil)), nil
}
