package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

const basicHTML = `
    <ul>
        <li id="li1">One</li>
        <li id="li2">Two</li>
    </ul>
`

func TestScrapeBasics(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		rule     *Rule
		expected any
	}{
		{"iterator text", &Rule{Iterator: "li"}, []any{"One", "Two"}},
		{"iterator attr", &Rule{Iterator: "li", Item: &Rule{Attr: "id"}}, []any{"li1", "li2"}},
		{
			"iterator fields",
			&Rule{Iterator: "li", Item: &Rule{Fields: map[string]*Rule{
				"id":   {Attr: "id"},
				"text": {Method: MethodText},
			}}},
			[]any{
				map[string]any{"id": "li1", "text": "One"},
				map[string]any{"id": "li2", "text": "Two"},
			},
		},
		{"scalar sel", &Rule{Sel: "li"}, "One"},
		{"inner html", &Rule{Sel: "ul", Method: MethodHTML, Default: "x"}, "<li id=\"li1\">One</li>\n        <li id=\"li2\">Two</li>"},
		{"missing uses default", &Rule{Sel: "h1", Default: "untitled"}, "untitled"},
		{"record", &Rule{Fields: map[string]*Rule{"first": {Sel: "li"}, "count": {Sel: "#li2", Attr: "id"}}}, map[string]any{"first": "One", "count": "li2"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := Scrape(basicHTML, tc.rule)
			require.NoError(t, err)
			require.Equal(t, tc.expected, items.Value())
		})
	}
}

func TestRuleYAMLShorthand(t *testing.T) {
	t.Parallel()

	var rule Rule
	require.NoError(t, yaml.Unmarshal([]byte("iterator: li\nitem: id\n"), &rule))
	require.Equal(t, Rule{Iterator: "li", Item: &Rule{Attr: "id"}}, rule)

	items, err := Scrape(basicHTML, &rule)
	require.NoError(t, err)
	require.Equal(t, []any{"li1", "li2"}, items.Value())
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		rule *Rule
	}{
		{"unknown method", &Rule{Method: "eval"}},
		{"item without iterator", &Rule{Item: &Rule{Attr: "id"}}},
		{"iterator with fields", &Rule{Iterator: "li", Fields: map[string]*Rule{"a": {}}}},
		{"attr with method", &Rule{Attr: "id", Method: MethodHTML}},
		{"bad selector", &Rule{Sel: "li[["}},
		{"nested bad field", &Rule{Fields: map[string]*Rule{"a": {Iterator: ":nope("}}}},
		{"nil field", &Rule{Fields: map[string]*Rule{"a": nil}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.rule)
			require.ErrorIs(t, err, crawler.ErrInvalidConfig)
		})
	}

	_, err := New(nil)
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestRuleHeaders(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"value"}, (&Rule{Iterator: "li"}).Headers())
	require.Equal(t, []string{"id", "text"}, (&Rule{Iterator: "li", Item: &Rule{Fields: map[string]*Rule{
		"text": {}, "id": {Attr: "id"},
	}}}).Headers())
	require.Equal(t, []string{"a"}, (&Rule{Fields: map[string]*Rule{"a": {}}}).Headers())
}

func TestScraperExtract(t *testing.T) {
	t.Parallel()

	s, err := New(&Rule{Iterator: "li", Item: &Rule{Attr: "id"}})
	require.NoError(t, err)
	items, err := s.Extract(crawler.Document{URL: "https://example.com", Text: basicHTML}, map[string]any{"level": 0})
	require.NoError(t, err)
	require.Equal(t, crawler.ItemsList, items.Kind)
	require.Equal(t, 2, items.Len())
	require.Equal(t, []string{"value"}, s.Headers())
}
