// Package resolve follows redirect chains hop by hop: HTTP redirects, Refresh
// headers, <meta http-equiv="refresh"> tags and JavaScript relocations.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// DefaultMaxHops bounds the number of redirects followed.
const DefaultMaxHops = 5

const maxInspectedBody = 1 << 20

var (
	// ErrTooManyRedirects is returned when the hop limit is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRedirectLoop is returned when a chain revisits a URL.
	ErrRedirectLoop = errors.New("redirect loop")
)

// Config controls the resolver.
type Config struct {
	MaxHops           int
	FollowMetaRefresh bool
	FollowJavaScript  bool
	UserAgent         string
}

// DefaultConfig follows every redirect kind up to DefaultMaxHops.
func DefaultConfig() Config {
	return Config{MaxHops: DefaultMaxHops, FollowMetaRefresh: true, FollowJavaScript: true}
}

// Resolver implements crawler.Resolver.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.Resolver = (*Resolver)(nil)

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// RedirectPolicy makes an http.Client hand back 3xx responses instead of
// following them, so every hop can be recorded.
func RedirectPolicy() func(*http.Request, []*http.Request) error {
	return func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
}

// Resolve walks the redirect chain starting at rawURL. The first hop is the
// initial URL; the last hop is the resolved location. On error the hops
// gathered so far are returned alongside it.
func (r *Resolver) Resolve(ctx context.Context, client *http.Client, rawURL string) ([]crawler.Hop, error) {
	if client == nil {
		client = http.DefaultClient
	}
	manual := *client
	manual.CheckRedirect = RedirectPolicy()

	var (
		hops    []crawler.Hop
		seen    = map[string]bool{}
		current = rawURL
		kind    = crawler.HopInitial
	)
	for {
		if len(hops) > r.cfg.MaxHops {
			return hops, fmt.Errorf("resolve %s: %w", rawURL, ErrTooManyRedirects)
		}
		if seen[current] {
			return hops, fmt.Errorf("resolve %s: %w", rawURL, ErrRedirectLoop)
		}
		seen[current] = true

		status, next, nextKind, err := r.step(ctx, &manual, current)
		hops = append(hops, crawler.Hop{Kind: kind, Location: current, Status: status})
		if err != nil {
			return hops, err
		}
		if next == "" {
			return hops, nil
		}
		r.logger.Debug("Following redirect",
			zap.String("from", current),
			zap.String("to", next),
			zap.String("kind", string(nextKind)))
		current, kind = next, nextKind
	}
}

// step fetches one URL and returns where it points to, if anywhere.
func (r *Resolver) step(ctx context.Context, client *http.Client, target string) (int, string, crawler.HopKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", "", fmt.Errorf("build request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", "", fmt.Errorf("resolve request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	base := resp.Request.URL
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			next, err := absolute(base, loc)
			return resp.StatusCode, next, crawler.HopHTTPRedirect, err
		}
	}
	if refresh := resp.Header.Get("Refresh"); refresh != "" {
		if _, loc, ok := ParseHTTPRefresh(refresh); ok {
			next, err := absolute(base, loc)
			return resp.StatusCode, next, crawler.HopRefresh, err
		}
	}
	if resp.StatusCode != http.StatusOK || (!r.cfg.FollowMetaRefresh && !r.cfg.FollowJavaScript) {
		return resp.StatusCode, "", "", nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return resp.StatusCode, "", "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectedBody))
	if err != nil {
		return resp.StatusCode, "", "", fmt.Errorf("read body: %w", err)
	}
	if r.cfg.FollowMetaRefresh {
		if _, loc, ok := FindMetaRefresh(bytes.NewReader(body)); ok {
			next, err := absolute(base, loc)
			return resp.StatusCode, next, crawler.HopMetaRefresh, err
		}
	}
	if r.cfg.FollowJavaScript {
		if loc, ok := FindJavaScriptRelocation(body); ok {
			next, err := absolute(base, loc)
			return resp.StatusCode, next, crawler.HopJSLocation, err
		}
	}
	return resp.StatusCode, "", "", nil
}

func absolute(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", ref, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return u.String(), nil
}
