// Package rules holds the per-site validation rule table.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rule describes what a correctly loaded article page must contain:
// at least one abstract selector match and at least one paragraph
// selector match. An empty selector list passes vacuously, but a rule
// with both lists empty can never validate anything.
type Rule struct {
	AbstractSelectors  []string `json:"sel_A"`
	ParagraphSelectors []string `json:"sel_P"`
}

// Result carries the per-category outcome of a validation, for failure
// diagnostics.
type Result struct {
	AbstractFound  bool
	ParagraphFound bool
	Title          string
}

// Detail renders the structural diagnostic recorded on mismatch.
func (r Result) Detail() string {
	return fmt.Sprintf("Validator Mismatch. Abstract found: %t, Paragraphs found: %t. Title: %s",
		r.AbstractFound, r.ParagraphFound, r.Title)
}

// Validate runs the rule against a parsed document.
func (r Rule) Validate(doc *goquery.Document) (bool, Result) {
	res := Result{Title: strings.TrimSpace(doc.Find("title").First().Text())}
	if len(r.AbstractSelectors) == 0 && len(r.ParagraphSelectors) == 0 {
		return false, res
	}
	res.AbstractFound = anyMatch(doc, r.AbstractSelectors)
	res.ParagraphFound = anyMatch(doc, r.ParagraphSelectors)
	return res.AbstractFound && res.ParagraphFound, res
}

func anyMatch(doc *goquery.Document, selectors []string) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// Set maps rule names to rules.
type Set map[string]Rule

// Lookup returns the named rule. A missing rule is an explicit typed
// miss, never a silent skip: callers record it as a terminal failure.
func (s Set) Lookup(name string) (Rule, bool) {
	r, ok := s[name]
	return r, ok
}

// Load reads a rule table from a JSON file of the form
// {"siteA": {"sel_A": [...], "sel_P": [...]}, ...}.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return set, nil
}

// ParseDocument parses page HTML for validation.
func ParseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}
