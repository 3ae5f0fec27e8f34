// Package definition loads declarative crawler definitions from YAML (or
// JSON) files and turns them into spiders.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/scrape"
)

// SpiderFile is the on-disk form of one spider.
type SpiderFile struct {
	StartURL  string                  `yaml:"start_url,omitempty"`
	StartURLs []string                `yaml:"start_urls,omitempty"`
	MaxLevel  *int                    `yaml:"max_level,omitempty"`
	Resolve   bool                    `yaml:"resolve,omitempty"`
	Method    string                  `yaml:"method,omitempty"`
	Scraper   *scrape.Rule            `yaml:"scraper,omitempty"`
	Scrapers  map[string]*scrape.Rule `yaml:"scrapers,omitempty"`
	Next      *NextFile               `yaml:"next,omitempty"`
}

// NextFile describes how follow-up jobs are derived.
type NextFile struct {
	Format string            `yaml:"format,omitempty"`
	Link   string            `yaml:"link,omitempty"`
	Vars   map[string]string `yaml:"vars,omitempty"`
}

// File is a whole definition: either a single spider at the top level or a
// set of named spiders.
type File struct {
	SpiderFile `yaml:",inline"`
	Spiders    map[string]SpiderFile `yaml:"spiders,omitempty"`
}

// Spec is a compiled spider plus the scrapers feeding its reports.
type Spec struct {
	Spider   *crawler.Spider
	Scraper  *scrape.Scraper
	Scrapers map[string]*scrape.Scraper
}

// Definition is a validated set of spiders, ordered by ID.
type Definition struct {
	Specs []Spec
	// Single is set when the file described one top-level spider.
	Single bool
}

// Spiders returns the compiled spiders.
func (d *Definition) Spiders() []*crawler.Spider {
	out := make([]*crawler.Spider, 0, len(d.Specs))
	for _, spec := range d.Specs {
		out = append(out, spec.Spider)
	}
	return out
}

// Load reads and compiles the definition stored at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided definition path
	if err != nil {
		return nil, fmt.Errorf("%w: read definition: %w", crawler.ErrInvalidConfig, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	return def, nil
}

// Parse compiles a definition from YAML or JSON bytes. Unknown keys are
// rejected.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: definition is empty", crawler.ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: decode definition: %w", crawler.ErrInvalidConfig, err)
	}
	return Compile(file)
}

// Compile validates a decoded file and builds its spiders.
func Compile(file File) (*Definition, error) {
	if len(file.Spiders) == 0 {
		spec, err := compileSpider(crawler.DefaultSpiderID, file.SpiderFile)
		if err != nil {
			return nil, err
		}
		return &Definition{Specs: []Spec{spec}, Single: true}, nil
	}
	if !file.SpiderFile.isZero() {
		return nil, fmt.Errorf("%w: top-level spider keys cannot be mixed with spiders", crawler.ErrInvalidConfig)
	}

	ids := make([]string, 0, len(file.Spiders))
	for id := range file.Spiders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	def := &Definition{Specs: make([]Spec, 0, len(ids))}
	for _, id := range ids {
		spec, err := compileSpider(id, file.Spiders[id])
		if err != nil {
			return nil, err
		}
		def.Specs = append(def.Specs, spec)
	}
	return def, nil
}

func (s SpiderFile) isZero() bool {
	return s.StartURL == "" && len(s.StartURLs) == 0 && s.MaxLevel == nil && !s.Resolve &&
		s.Method == "" && s.Scraper == nil && len(s.Scrapers) == 0 && s.Next == nil
}

func compileSpider(id string, sf SpiderFile) (Spec, error) {
	startURLs := append([]string(nil), sf.StartURLs...)
	if sf.StartURL != "" {
		startURLs = append([]string{sf.StartURL}, startURLs...)
	}

	maxLevel := crawler.UnboundedLevel
	if sf.MaxLevel != nil {
		if *sf.MaxLevel < 0 {
			return Spec{}, fmt.Errorf("%w: spider %q: max_level must be >= 0", crawler.ErrInvalidConfig, id)
		}
		maxLevel = *sf.MaxLevel
	}

	spec := Spec{Scrapers: make(map[string]*scrape.Scraper, len(sf.Scrapers))}
	cfg := crawler.SpiderConfig{
		ID:        id,
		StartURLs: startURLs,
		MaxLevel:  maxLevel,
		Resolve:   sf.Resolve,
		Method:    sf.Method,
	}
	if sf.Scraper != nil {
		s, err := scrape.New(sf.Scraper)
		if err != nil {
			return Spec{}, fmt.Errorf("spider %q: %w", id, err)
		}
		spec.Scraper = s
		cfg.Extractor = s
	}
	if len(sf.Scrapers) > 0 {
		cfg.Scrapers = make(map[string]crawler.Extractor, len(sf.Scrapers))
		for name, rule := range sf.Scrapers {
			s, err := scrape.New(rule)
			if err != nil {
				return Spec{}, fmt.Errorf("spider %q: scraper %q: %w", id, name, err)
			}
			spec.Scrapers[name] = s
			cfg.Scrapers[name] = s
		}
	}
	if sf.Next != nil {
		next, err := compileNext(*sf.Next)
		if err != nil {
			return Spec{}, fmt.Errorf("spider %q: %w", id, err)
		}
		cfg.Next = next
	}

	spider, err := crawler.NewSpider(cfg)
	if err != nil {
		return Spec{}, err
	}
	spec.Spider = spider
	return spec, nil
}

func compileNext(nf NextFile) (crawler.NextRule, error) {
	switch {
	case nf.Format != "" && nf.Link != "":
		return nil, fmt.Errorf("%w: next: format and link are exclusive", crawler.ErrInvalidConfig)
	case nf.Format != "":
		return scrape.NewTemplateRule(nf.Format, nf.Vars)
	case nf.Link != "":
		if len(nf.Vars) > 0 {
			return nil, fmt.Errorf("%w: next: vars only apply to format", crawler.ErrInvalidConfig)
		}
		return scrape.NewLinkRule(nf.Link)
	default:
		return nil, fmt.Errorf("%w: next: format or link is required", crawler.ErrInvalidConfig)
	}
}
