// Package archive produces the two uploaded representations of a page:
// a trimmed index document and a full self-contained capture.
package archive

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageData is everything the orchestrator needs from one rendered page.
type PageData struct {
	Title       string
	Text        string
	IndexHTML   string
	CaptureHTML string
}

// Archiver renders a page and returns both representations.
type Archiver interface {
	Capture(ctx context.Context, url string) (PageData, error)
}

// buildIndex derives the index representation from a capture: the same
// document with executable and styling payloads removed.
func buildIndex(captureHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(captureHTML))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, link[rel=stylesheet]").Remove()
	return doc.Html()
}
