package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/metrics"
)

const (
	robotsFallbackReasonTLSHandshake = "TLS handshake timeout"
	maxRobotsBodySize                = 512 << 10
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type robotsEntry struct {
	status  int
	header  http.Header
	body    []byte
	fetched time.Time
}

// robotsCacheTransport serves robots.txt per host from memory, because each
// fetch runs in a fresh collector that would otherwise download it again.
// Transient TLS failures are retried and finally treated as allow-all.
type robotsCacheTransport struct {
	base    http.RoundTripper
	ttl     time.Duration
	backoff []time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCacheTransport(base http.RoundTripper, ttl time.Duration, logger *zap.Logger) *robotsCacheTransport {
	return &robotsCacheTransport{
		base:    base,
		ttl:     ttl,
		backoff: robotsRetryBackoff,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]robotsEntry),
	}
}

func (t *robotsCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}

	key := strings.ToLower(req.URL.Scheme + "://" + req.URL.Host)
	if entry, ok := t.lookup(key); ok {
		return entry.response(req), nil
	}

	resp, fallback, err := t.roundTripWithRetry(req)
	if err != nil {
		return nil, err
	}
	if fallback {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodySize))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	entry := robotsEntry{status: resp.StatusCode, header: resp.Header.Clone(), body: body, fetched: t.now()}
	t.store(key, entry)
	return entry.response(req), nil
}

func (t *robotsCacheTransport) lookup(key string) (robotsEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || t.now().Sub(entry.fetched) > t.ttl {
		return robotsEntry{}, false
	}
	return entry, true
}

func (t *robotsCacheTransport) store(key string, entry robotsEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = entry
}

// roundTripWithRetry reports fallback=true when it synthesized an allow-all
// response after exhausting retries.
func (t *robotsCacheTransport) roundTripWithRetry(req *http.Request) (*http.Response, bool, error) {
	maxAttempts := len(t.backoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, false, nil
		}
		if !isTransientTLSError(err) {
			return nil, false, fmt.Errorf("robots roundtrip non-transient: %w", err)
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, false, fmt.Errorf("robots roundtrip backoff sleep: %w", err)
		}
	}
	t.logger.Warn("robots.txt unreachable, allowing all",
		zap.String("host", req.URL.Host),
		zap.String("reason", robotsFallbackReasonTLSHandshake))
	metrics.ObserveRobotsFallback()
	return syntheticRobotsAllowAllResponse(req), true, nil
}

func (e robotsEntry) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.status,
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Header:        e.header.Clone(),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
