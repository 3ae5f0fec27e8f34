package resolve

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var javaScriptLocationRE = regexp.MustCompile(`(?:window\.)?location(?:\s*=\s*|\.replace\(\s*)['"]([^'"]+)['"]`)

// ParseHTTPRefresh parses a Refresh header or meta content value such as
// "0;url=https://example.com". ok is false when the delay is not a number or
// no url= part is present.
func ParseHTTPRefresh(value string) (delay int, location string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ";", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	delay, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", false
	}
	rest := strings.TrimSpace(parts[1])
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
		return 0, "", false
	}
	location = strings.Trim(strings.TrimSpace(rest[4:]), `'"`)
	if location == "" {
		return 0, "", false
	}
	return delay, location, true
}

// FindMetaRefresh looks for a <meta http-equiv="refresh"> tag, including one
// nested in <noscript>.
func FindMetaRefresh(r io.Reader) (delay int, location string, ok bool) {
	// With scripting disabled, <noscript> content is parsed as markup.
	root, err := html.ParseWithOptions(r, html.ParseOptionEnableScripting(false))
	if err != nil {
		return 0, "", false
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			return true
		}
		delay, location, ok = ParseHTTPRefresh(s.AttrOr("content", ""))
		return !ok
	})
	return delay, location, ok
}

// FindJavaScriptRelocation returns the first location assignment or
// location.replace call found in body, with escaped slashes undone.
func FindJavaScriptRelocation(body []byte) (string, bool) {
	m := javaScriptLocationRE.FindSubmatch(body)
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(string(m[1]), `\/`, "/"), true
}
