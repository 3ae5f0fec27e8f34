// Package scrape evaluates declarative scraping rules against HTML documents
// and derives follow-up jobs from them.
package scrape

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// Extraction methods.
const (
	MethodText      = "text"
	MethodHTML      = "html"
	MethodOuterHTML = "outer_html"
)

// Rule is one node of a scraping definition.
//
// A rule first narrows the current selection with Sel. With Iterator set it
// yields a list, evaluating Item (or the element text) for every match. With
// Fields set it yields a record. Otherwise it yields a scalar read from Attr
// or through Method.
type Rule struct {
	Sel      string           `yaml:"sel,omitempty" json:"sel,omitempty"`
	Iterator string           `yaml:"iterator,omitempty" json:"iterator,omitempty"`
	Item     *Rule            `yaml:"item,omitempty" json:"item,omitempty"`
	Fields   map[string]*Rule `yaml:"fields,omitempty" json:"fields,omitempty"`
	Attr     string           `yaml:"attr,omitempty" json:"attr,omitempty"`
	Method   string           `yaml:"method,omitempty" json:"method,omitempty"`
	Default  string           `yaml:"default,omitempty" json:"default,omitempty"`
}

// UnmarshalYAML accepts a bare string as shorthand for {attr: <string>}.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var attr string
		if err := node.Decode(&attr); err != nil {
			return err
		}
		*r = Rule{Attr: attr}
		return nil
	}
	type plain Rule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// Validate checks the rule tree.
func (r *Rule) Validate() error {
	return r.validate("")
}

func (r *Rule) validate(path string) error {
	if r == nil {
		return nil
	}
	where := path
	if where == "" {
		where = "root"
	}
	switch r.Method {
	case "", MethodText, MethodHTML, MethodOuterHTML:
	default:
		return fmt.Errorf("%w: scraper %s: unknown method %q", crawler.ErrInvalidConfig, where, r.Method)
	}
	if r.Item != nil && r.Iterator == "" {
		return fmt.Errorf("%w: scraper %s: item requires an iterator", crawler.ErrInvalidConfig, where)
	}
	if r.Iterator != "" && len(r.Fields) > 0 {
		return fmt.Errorf("%w: scraper %s: use item.fields with an iterator", crawler.ErrInvalidConfig, where)
	}
	if r.Attr != "" && (r.Method != "" || len(r.Fields) > 0) {
		return fmt.Errorf("%w: scraper %s: attr excludes method and fields", crawler.ErrInvalidConfig, where)
	}
	for _, sel := range []string{r.Sel, r.Iterator} {
		if sel == "" {
			continue
		}
		if err := checkSelector(sel); err != nil {
			return fmt.Errorf("%w: scraper %s: %v", crawler.ErrInvalidConfig, where, err)
		}
	}
	if err := r.Item.validate(path + ".item"); err != nil {
		return err
	}
	for name, field := range r.Fields {
		if field == nil {
			return fmt.Errorf("%w: scraper %s: field %q is empty", crawler.ErrInvalidConfig, where, name)
		}
		if err := field.validate(path + ".fields." + name); err != nil {
			return err
		}
	}
	return nil
}

// checkSelector rejects selectors cascadia cannot compile. goquery would
// silently match nothing for them.
func checkSelector(sel string) error {
	if _, err := cascadia.ParseGroup(sel); err != nil {
		return fmt.Errorf("invalid selector %q: %w", sel, err)
	}
	return nil
}

// Headers returns the CSV columns for values produced by the rule: the
// sorted field names of record rules, "value" otherwise.
func (r *Rule) Headers() []string {
	target := r
	if r != nil && r.Iterator != "" && r.Item != nil {
		target = r.Item
	}
	if target == nil || len(target.Fields) == 0 {
		return []string{"value"}
	}
	names := make([]string, 0, len(target.Fields))
	for name := range target.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Eval applies the rule to a selection.
func (r *Rule) Eval(s *goquery.Selection) crawler.Items {
	if r == nil {
		return crawler.ScalarItem(strings.TrimSpace(s.Text()))
	}
	if r.Sel != "" {
		s = s.Find(r.Sel)
	}
	switch {
	case r.Iterator != "":
		items := []crawler.Items{}
		s.Find(r.Iterator).Each(func(_ int, el *goquery.Selection) {
			items = append(items, r.Item.Eval(el))
		})
		return crawler.ListItem(items...)
	case len(r.Fields) > 0:
		record := make(map[string]crawler.Items, len(r.Fields))
		for name, field := range r.Fields {
			record[name] = field.Eval(s)
		}
		return crawler.RecordItem(record)
	default:
		return crawler.ScalarItem(r.value(s.First()))
	}
}

func (r *Rule) value(s *goquery.Selection) string {
	var v string
	switch {
	case s.Length() == 0:
	case r.Attr != "":
		v, _ = s.Attr(r.Attr)
	case r.Method == MethodHTML:
		v, _ = s.Html()
	case r.Method == MethodOuterHTML:
		v, _ = goquery.OuterHtml(s)
	default:
		v = s.Text()
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return r.Default
	}
	return v
}
