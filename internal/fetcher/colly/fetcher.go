// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every fetch
// gets its own collector on top of one pooled transport, so concurrent
// fetches share connections but never callbacks.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	client    *http.Client
}

var (
	_ crawler.Fetcher        = (*Fetcher)(nil)
	_ crawler.ClientProvider = (*Fetcher)(nil)
)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := newRobotsCacheTransport(newHTTPTransport(), time.Hour, logger)
	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}
}

// Client returns an HTTP client sharing the fetcher's connection pool.
func (f *Fetcher) Client() *http.Client {
	return f.client
}

// Fetch executes a single HTTP request using Colly. HTTP error statuses are
// responses, not errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, tracker := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.URL = request.URL
	if final := tracker.last(); final != "" {
		result.FinalURL = final
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) (*colly.Collector, *urlTracker) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	base := f.transport
	if base == nil {
		base = newHTTPTransport()
	}
	tracker := &urlTracker{base: base}
	collector.WithTransport(tracker)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, tracker
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := ""
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = crawler.FetchResponse{
			URL:        request.URL,
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.FetchRequest,
	fetchErr *error,
) error {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, nil, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// urlTracker records the last non-robots URL requested through it, which is
// the final URL once HTTP redirects have been followed.
type urlTracker struct {
	base http.RoundTripper

	mu  sync.Mutex
	url *url.URL
}

func (t *urlTracker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req != nil && req.URL != nil && !isRobotsTxtRequest(req) {
		t.mu.Lock()
		t.url = req.URL
		t.mu.Unlock()
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("roundtrip %s: %w", redactURL(req), err)
	}
	return resp, nil
}

func (t *urlTracker) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.url == nil {
		return ""
	}
	return t.url.String()
}

func redactURL(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "?")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
