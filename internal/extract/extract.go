// Package extract turns fetched HTML into markdown and outbound links.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// boilerplate is stripped before conversion; none of it carries page text.
var boilerplate = []string{"script", "style", "noscript", "iframe", "svg", "template"}

// Document is the extracted form of one HTML page.
type Document struct {
	Title    string
	Markdown string
	Links    []string
}

// HTML parses body as HTML. Links are resolved against pageURL, normalized,
// restricted to http(s) and de-duplicated in document order.
func HTML(pageURL string, body []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	links := Links(pageURL, doc)
	title := strings.TrimSpace(doc.Find("title").First().Text())

	for _, sel := range boilerplate {
		doc.Find(sel).Remove()
	}
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	conv := md.NewConverter(hostOf(pageURL), true, nil)
	markdown := strings.TrimSpace(conv.Convert(root))

	return Document{Title: title, Markdown: markdown, Links: links}, nil
}

// Links collects the outbound anchors of doc.
func Links(pageURL string, doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs, err := crawler.ResolveURL(pageURL, href)
		if err != nil {
			return
		}
		if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// IsHTML reports whether a Content-Type header (or sniffed body) is HTML.
func IsHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		return false
	}
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
