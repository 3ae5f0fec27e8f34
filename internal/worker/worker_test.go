package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

type fakeSpiders map[string]*crawler.Spider

func (f fakeSpiders) Spider(id string) (*crawler.Spider, bool) {
	s, ok := f[id]
	return s, ok
}

type fakeFetcher struct {
	responses map[string]crawler.FetchResponse
	err       error
	requests  []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return crawler.FetchResponse{}, errors.New("not found")
	}
	return resp, nil
}

type fakeResolver struct {
	hops []crawler.Hop
	err  error
}

func (f *fakeResolver) Resolve(context.Context, *http.Client, string) ([]crawler.Hop, error) {
	return f.hops, f.err
}

type fakeClients struct{}

func (fakeClients) Client() *http.Client { return http.DefaultClient }

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func htmlResponse(url, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
		Duration:   5 * time.Millisecond,
	}
}

func titleExtractor() crawler.Extractor {
	return crawler.ExtractorFunc(func(doc crawler.Document, ctx map[string]any) (crawler.Items, error) {
		start := strings.Index(doc.Text, "<title>")
		end := strings.Index(doc.Text, "</title>")
		if start < 0 || end < 0 {
			return crawler.Items{}, nil
		}
		return crawler.ScalarItem(doc.Text[start+len("<title>") : end]), nil
	})
}

func mustSpider(t *testing.T, cfg crawler.SpiderConfig) *crawler.Spider {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = crawler.DefaultSpiderID
	}
	if len(cfg.StartURLs) == 0 {
		cfg.StartURLs = []string{"https://example.com/"}
	}
	s, err := crawler.NewSpider(cfg)
	require.NoError(t, err)
	return s
}

func record(url string, level int) crawler.QueueRecord {
	return crawler.QueueRecord{ID: 7, SpiderID: crawler.DefaultSpiderID, Job: crawler.Job{URL: url, Level: level}}
}

func TestWorkerProcessSuccess(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: titleExtractor(),
		Next: crawler.NextRuleFunc(func(job crawler.Job, _ crawler.Document) ([]crawler.Job, error) {
			return []crawler.Job{{URL: "https://example.com/next"}}, nil
		}),
		MaxLevel: 2,
	})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/": htmlResponse("https://example.com/", "<html><title>Home</title></html>"),
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, &fakeClock{}, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.False(t, res.Failed(), "unexpected error: %v", res.Error)
	require.Equal(t, int64(7), res.Record.ID)
	require.Equal(t, crawler.ScalarItem("Home"), res.Items)
	require.Equal(t, []crawler.Job{{URL: "https://example.com/next", Level: 1}}, res.NextJobs)
	require.Equal(t, "utf-8", res.Meta["encoding"])
	require.Equal(t, http.StatusOK, res.Response.StatusCode)
	require.Equal(t, "GET", fetcher.requests[0].Method)
}

func TestWorkerProcessFetchFailure(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{Extractor: titleExtractor()})
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.True(t, res.Failed())
	require.True(t, crawler.IsFetchError(res.Error))
	require.True(t, res.Items.IsZero())
	require.Nil(t, res.NextJobs)
	require.Nil(t, res.Response)
}

func TestWorkerProcessExtractFailure(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: crawler.ExtractorFunc(func(crawler.Document, map[string]any) (crawler.Items, error) {
			return crawler.Items{}, errors.New("selector failed")
		}),
	})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/": htmlResponse("https://example.com/", "<p>x</p>"),
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.True(t, crawler.IsExtractError(res.Error))
	require.ErrorContains(t, res.Error, "selector failed")
	require.NotNil(t, res.Response, "response metadata survives extraction failures")
}

func TestWorkerProcessRecoversExtractorPanic(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: crawler.ExtractorFunc(func(crawler.Document, map[string]any) (crawler.Items, error) {
			panic("nil map")
		}),
	})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/": htmlResponse("https://example.com/", "<p>x</p>"),
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.True(t, crawler.IsExtractError(res.Error))
	require.ErrorContains(t, res.Error, "panic: nil map")
}

func TestWorkerProcessNextRuleFailure(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: titleExtractor(),
		Next: crawler.NextRuleFunc(func(crawler.Job, crawler.Document) ([]crawler.Job, error) {
			return nil, errors.New("bad template")
		}),
		Scrapers: map[string]crawler.Extractor{"title": titleExtractor()},
		MaxLevel: crawler.UnboundedLevel,
	})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/": htmlResponse("https://example.com/", "<title>t</title>"),
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.True(t, crawler.IsExtractError(res.Error))
	require.Nil(t, res.NextJobs)
	require.True(t, res.Items.IsZero(), "failed results carry no items")
	require.Nil(t, res.Scraped)
}

func TestWorkerProcessUnknownSpider(t *testing.T) {
	t.Parallel()

	w := New(fakeSpiders{}, &fakeFetcher{}, nil, nil, nil, zap.NewNop())
	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.ErrorIs(t, res.Error, crawler.ErrUnknownSpider)
}

func TestWorkerProcessAtDepthBound(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: titleExtractor(),
		Next: crawler.NextRuleFunc(func(crawler.Job, crawler.Document) ([]crawler.Job, error) {
			return []crawler.Job{{URL: "https://example.com/deeper"}}, nil
		}),
		MaxLevel: 2,
	})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/1": htmlResponse("https://example.com/1", "<title>one</title>"),
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/1", 1))
	require.False(t, res.Failed())
	require.Empty(t, res.NextJobs)
	require.Equal(t, crawler.ScalarItem("one"), res.Items)
}

func TestWorkerProcessDecodesLegacyCharset(t *testing.T) {
	t.Parallel()

	var seen string
	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: crawler.ExtractorFunc(func(doc crawler.Document, _ map[string]any) (crawler.Items, error) {
			seen = doc.Text
			return crawler.ScalarItem(doc.Text), nil
		}),
	})
	resp := htmlResponse("https://example.com/", "")
	resp.Headers.Set("Content-Type", "text/html; charset=iso-8859-1")
	resp.Body = []byte{'c', 'a', 'f', 0xe9}
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{"https://example.com/": resp}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.False(t, res.Failed())
	require.Equal(t, "café", seen)
	require.Equal(t, "windows-1252", res.Meta["encoding"])
}

func TestWorkerProcessReplacesInvalidBytes(t *testing.T) {
	t.Parallel()

	var seen string
	spider := mustSpider(t, crawler.SpiderConfig{
		Extractor: crawler.ExtractorFunc(func(doc crawler.Document, _ map[string]any) (crawler.Items, error) {
			seen = doc.Text
			return crawler.Items{}, nil
		}),
	})
	resp := htmlResponse("https://example.com/", "")
	resp.Body = []byte{'o', 'k', 0xff, 0xfe}
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{"https://example.com/": resp}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.False(t, res.Failed())
	require.True(t, strings.HasPrefix(seen, "ok"))
	require.Contains(t, seen, "\uFFFD")
}

func TestWorkerProcessResolvesRedirects(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{Extractor: titleExtractor(), Resolve: true})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://short.test/x": htmlResponse("https://short.test/x", "<title>landing</title>"),
	}}
	resolver := &fakeResolver{hops: []crawler.Hop{
		{Kind: crawler.HopInitial, Location: "https://short.test/x", Status: 200},
		{Kind: crawler.HopMetaRefresh, Location: "https://example.com/landing"},
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, resolver, fakeClients{}, nil, zap.NewNop())

	res := w.Process(context.Background(), crawler.QueueRecord{SpiderID: crawler.DefaultSpiderID, Job: crawler.Job{URL: "https://short.test/x"}})
	require.False(t, res.Failed())
	require.Equal(t, "https://example.com/landing", res.Response.ResolvedURL)
	require.Len(t, res.Response.Hops, 2)
}

func TestWorkerProcessResolverFailureIsFetchError(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{Extractor: titleExtractor(), Resolve: true})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/": htmlResponse("https://example.com/", "<title>t</title>"),
	}}
	resolver := &fakeResolver{err: errors.New("redirect loop")}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, resolver, fakeClients{}, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.True(t, crawler.IsFetchError(res.Error))
}

func TestWorkerProcessNamedScrapers(t *testing.T) {
	t.Parallel()

	spider := mustSpider(t, crawler.SpiderConfig{
		Scrapers: map[string]crawler.Extractor{
			"title": titleExtractor(),
			"url": crawler.ExtractorFunc(func(_ crawler.Document, ctx map[string]any) (crawler.Items, error) {
				return crawler.ScalarItem(ctx["url"].(string)), nil
			}),
		},
	})
	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://example.com/": htmlResponse("https://example.com/", "<title>t</title>"),
	}}
	w := New(fakeSpiders{crawler.DefaultSpiderID: spider}, fetcher, nil, nil, nil, zap.NewNop())

	res := w.Process(context.Background(), record("https://example.com/", 0))
	require.False(t, res.Failed())
	require.True(t, res.Items.IsZero())
	require.Equal(t, map[string]crawler.Items{
		"title": crawler.ScalarItem("t"),
		"url":   crawler.ScalarItem("https://example.com/"),
	}, res.Scraped)
}
