package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StaticArchiver derives both representations from HTML supplied up
// front, without a browser. It serves deployments where the probe body
// is already the final document, and it keeps tests hermetic.
type StaticArchiver struct {
	// Source returns the HTML for a URL. Defaults to an error when nil.
	Source func(ctx context.Context, url string) (string, error)
}

// Capture parses the source HTML and extracts title and text the same
// way the browser archiver does.
func (a *StaticArchiver) Capture(ctx context.Context, url string) (PageData, error) {
	if a.Source == nil {
		return PageData{}, fmt.Errorf("no html source for %s", url)
	}
	html, err := a.Source(ctx, url)
	if err != nil {
		return PageData{}, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageData{}, fmt.Errorf("parse document: %w", err)
	}

	index, err := buildIndex(html)
	if err != nil {
		return PageData{}, fmt.Errorf("build index: %w", err)
	}

	return PageData{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Text:        doc.Find("body").Text(),
		IndexHTML:   index,
		CaptureHTML: html,
	}, nil
}
