package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second, MaxBodySize: 1024}, zap.NewNop())
	start := time.Unix(0, 0)
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}

	collector, tracker := f.buildCollector(req, start, &crawler.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be honored")
	}
	if !collector.ParseHTTPErrorResponse {
		t.Fatal("expected error statuses to be parsed as responses")
	}
	if collector.MaxBodySize != 1024 {
		t.Fatalf("expected body cap 1024, got %d", collector.MaxBodySize)
	}
	if tracker == nil || tracker.last() != "" {
		t.Fatal("expected a fresh url tracker")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/final"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}
	if result.URL != "https://example.com" || result.FinalURL != "https://example.com/final" {
		t.Fatalf("unexpected urls: %+v", result)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func TestFetchFollowsRedirectsAndKeepsErrorStatuses(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<title>new</title>"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Method))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "spidercrawl-test", Timeout: 2 * time.Second}, zap.NewNop())
	ctx := context.Background()

	resp, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, srv.URL+"/old", resp.URL)
	require.Equal(t, srv.URL+"/new", resp.FinalURL)
	require.Equal(t, "<title>new</title>", string(resp.Body))

	resp, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/form", Method: http.MethodPost})
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, string(resp.Body))

	require.NotNil(t, f.Client())
}

func TestFetchReportsTransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/"})
	require.Error(t, err)
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
