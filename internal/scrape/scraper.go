package scrape

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// Scraper is a crawler.Extractor driven by a Rule.
type Scraper struct {
	rule *Rule
}

var _ crawler.Extractor = (*Scraper)(nil)

// New validates rule and wraps it in a Scraper.
func New(rule *Rule) (*Scraper, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: scraper definition is empty", crawler.ErrInvalidConfig)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &Scraper{rule: rule}, nil
}

// Headers returns the CSV columns of the scraped values.
func (s *Scraper) Headers() []string {
	return s.rule.Headers()
}

// Extract parses the document and evaluates the rule from its root.
func (s *Scraper) Extract(doc crawler.Document, _ map[string]any) (crawler.Items, error) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.Text))
	if err != nil {
		return crawler.Items{}, fmt.Errorf("parse html: %w", err)
	}
	return s.rule.Eval(parsed.Selection), nil
}

// Scrape evaluates rule against an HTML string.
func Scrape(html string, rule *Rule) (crawler.Items, error) {
	s, err := New(rule)
	if err != nil {
		return crawler.Items{}, err
	}
	return s.Extract(crawler.Document{Text: html}, nil)
}
