package scrape

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

var placeholderRE = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// TemplateRule produces exactly one child per page by formatting a URL
// template. {level} expands to the child level; other placeholders come from
// Vars.
type TemplateRule struct {
	format string
	vars   map[string]string
}

var _ crawler.NextRule = (*TemplateRule)(nil)

// NewTemplateRule checks that every placeholder in format is known.
func NewTemplateRule(format string, vars map[string]string) (*TemplateRule, error) {
	if strings.TrimSpace(format) == "" {
		return nil, fmt.Errorf("%w: next format is empty", crawler.ErrInvalidConfig)
	}
	for _, m := range placeholderRE.FindAllStringSubmatch(format, -1) {
		name := m[1]
		if name == "level" {
			continue
		}
		if _, ok := vars[name]; !ok {
			return nil, fmt.Errorf("%w: next format uses undeclared variable %q", crawler.ErrInvalidConfig, name)
		}
	}
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &TemplateRule{format: format, vars: copied}, nil
}

// NextJobs formats the template for the child level.
func (r *TemplateRule) NextJobs(job crawler.Job, _ crawler.Document) ([]crawler.Job, error) {
	level := job.Level + 1
	pairs := []string{"{level}", strconv.Itoa(level)}
	keys := make([]string, 0, len(r.vars))
	for k := range r.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", r.vars[k])
	}
	return []crawler.Job{{URL: strings.NewReplacer(pairs...).Replace(r.format), Level: level}}, nil
}

// LinkRule follows the href of every element matched by a CSS selector.
// Links are made absolute against the page URL, normalized and
// de-duplicated. Only http and https targets are kept.
type LinkRule struct {
	selector string
}

var _ crawler.NextRule = (*LinkRule)(nil)

// NewLinkRule validates selector.
func NewLinkRule(selector string) (*LinkRule, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("%w: next link selector is empty", crawler.ErrInvalidConfig)
	}
	if err := checkSelector(selector); err != nil {
		return nil, fmt.Errorf("%w: next link: %v", crawler.ErrInvalidConfig, err)
	}
	return &LinkRule{selector: selector}, nil
}

// NextJobs extracts the matching links from doc.
func (r *LinkRule) NextJobs(job crawler.Job, doc crawler.Document) ([]crawler.Job, error) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.Text))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	baseURL := doc.URL
	if baseURL == "" {
		baseURL = job.URL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if href, ok := parsed.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	seen := make(map[string]struct{})
	var jobs []crawler.Job
	parsed.Find(r.selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		link, ok := absoluteLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		jobs = append(jobs, crawler.Job{URL: link, Level: job.Level + 1})
	})
	return jobs, nil
}

func absoluteLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(u.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}
