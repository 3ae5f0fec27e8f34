package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// DefaultSpiderID names the spider of a single-spider crawl.
const DefaultSpiderID = "default"

// UnboundedLevel disables the depth bound of a spider.
const UnboundedLevel = -1

// SpiderConfig is the raw material for NewSpider.
type SpiderConfig struct {
	ID        string
	StartURLs []string
	Extractor Extractor
	Scrapers  map[string]Extractor
	Next      NextRule
	// MaxLevel bounds the crawl depth: a job derives children only while
	// Level+1 < MaxLevel, so 0 and 1 both crawl the start pages alone.
	// UnboundedLevel lifts the bound.
	MaxLevel int
	// Resolve runs the redirect resolver on every fetched URL.
	Resolve bool
	// Method is the HTTP method used for fetches (default GET).
	Method string
}

// Spider is an immutable crawl definition. Jobs reference it by ID.
type Spider struct {
	id        string
	startURLs []string
	extractor Extractor
	scrapers  map[string]Extractor
	next      NextRule
	maxLevel  int
	resolve   bool
	method    string
}

// NewSpider validates cfg and builds a Spider.
func NewSpider(cfg SpiderConfig) (*Spider, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, configErrorf("spider id must be set")
	}
	if len(cfg.StartURLs) == 0 {
		return nil, configErrorf("spider %q: at least one start url is required", id)
	}
	for _, raw := range cfg.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, configErrorf("spider %q: invalid start url %q", id, raw)
		}
	}
	if cfg.MaxLevel < UnboundedLevel {
		return nil, configErrorf("spider %q: max level must be >= 0 or unbounded", id)
	}
	if cfg.Extractor == nil && len(cfg.Scrapers) == 0 {
		return nil, configErrorf("spider %q: an extractor or named scrapers are required", id)
	}
	for name, s := range cfg.Scrapers {
		if s == nil {
			return nil, configErrorf("spider %q: scraper %q is empty", id, name)
		}
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	scrapers := make(map[string]Extractor, len(cfg.Scrapers))
	for name, s := range cfg.Scrapers {
		scrapers[name] = s
	}
	return &Spider{
		id:        id,
		startURLs: append([]string(nil), cfg.StartURLs...),
		extractor: cfg.Extractor,
		scrapers:  scrapers,
		next:      cfg.Next,
		maxLevel:  cfg.MaxLevel,
		resolve:   cfg.Resolve,
		method:    method,
	}, nil
}

// ID returns the spider's lookup key.
func (s *Spider) ID() string { return s.id }

// StartJobs returns the level-0 jobs seeding the crawl.
func (s *Spider) StartJobs() []Job {
	jobs := make([]Job, 0, len(s.startURLs))
	for _, u := range s.startURLs {
		jobs = append(jobs, Job{URL: u})
	}
	return jobs
}

// Extractor returns the main extractor, possibly nil when only named
// scrapers are declared.
func (s *Spider) Extractor() Extractor { return s.extractor }

// ScraperNames lists named scrapers in stable order.
func (s *Spider) ScraperNames() []string {
	names := make([]string, 0, len(s.scrapers))
	for name := range s.scrapers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scraper returns the named scraper.
func (s *Spider) Scraper(name string) (Extractor, bool) {
	e, ok := s.scrapers[name]
	return e, ok
}

// MaxLevel returns the depth bound, UnboundedLevel when there is none.
func (s *Spider) MaxLevel() int { return s.maxLevel }

// Bounded reports whether the spider has a depth bound.
func (s *Spider) Bounded() bool { return s.maxLevel != UnboundedLevel }

// Resolve reports whether fetched URLs go through redirect resolution.
func (s *Spider) Resolve() bool { return s.resolve }

// Method is the HTTP method used to fetch this spider's jobs.
func (s *Spider) Method() string { return s.method }

// CanExpand reports whether a job at this level may derive children. Jobs
// whose children would reach MaxLevel are fetched but not expanded.
func (s *Spider) CanExpand(job Job) bool {
	return !s.Bounded() || job.Level+1 < s.maxLevel
}

// NextJobs applies the next-job rule within the depth bound. Children always
// sit one level below their parent regardless of what the rule returns.
func (s *Spider) NextJobs(job Job, doc Document) ([]Job, error) {
	if s.next == nil || !s.CanExpand(job) {
		return nil, nil
	}
	derived, err := s.next.NextJobs(job, doc)
	if err != nil {
		return nil, fmt.Errorf("next jobs: %w", err)
	}
	out := make([]Job, 0, len(derived))
	for _, d := range derived {
		if d.URL == "" {
			continue
		}
		out = append(out, job.Child(d.URL))
	}
	return out, nil
}
