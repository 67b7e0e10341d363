package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

var textFileExtensions = []string{".txt", ".md", ".markdown"}

// NormalizeURL standardizes a URL so that equivalent links collapse to one
// frontier node. It lowercases the scheme and host, removes default ports,
// sorts query parameters, and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}

// ResolveURL resolves ref against base and normalizes the result.
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	return NormalizeURL(b.ResolveReference(r).String())
}

// ValidateCrawlURL checks that raw is an absolute http(s) URL.
func ValidateCrawlURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// Origin returns the lowercased host of a URL, or "" when it cannot be parsed.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// IsTextFile reports whether the URL path ends in a plain-text or markdown extension.
func IsTextFile(raw string) bool {
	p := strings.ToLower(urlPath(raw))
	for _, ext := range textFileExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// IsSitemap reports whether the URL names a sitemap.
func IsSitemap(raw string) bool {
	p := strings.ToLower(urlPath(raw))
	return path.Base(p) == "sitemap.xml" || strings.Contains(p, "sitemap")
}

// SelectStrategy picks the crawl strategy for a job URL: text files first,
// then sitemaps, and everything else through the recursive frontier.
func SelectStrategy(raw string) Strategy {
	switch {
	case IsTextFile(raw):
		return StrategyTextFile
	case IsSitemap(raw):
		return StrategySitemap
	default:
		return StrategyRecursive
	}
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
