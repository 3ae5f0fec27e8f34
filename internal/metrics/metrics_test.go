package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerJobsTotal == nil ||
		crawlerActiveGroups == nil || crawlerThrottleDelaysSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveCrawl("https://Metrics.Test/page", "ok", 512)
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("metrics.test", "ok")); val != 1 {
		t.Errorf("Expected crawlerPagesTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics.test")); val != 512 {
		t.Errorf("Expected crawlerBytesTotal to be 512, got %f", val)
	}

	ObserveJob("metrics-spider", "fetch_error")
	ObserveJob("metrics-spider", "fetch_error")
	if val := testutil.ToFloat64(crawlerJobsTotal.WithLabelValues("metrics-spider", "fetch_error")); val != 2 {
		t.Errorf("Expected crawlerJobsTotal to be 2, got %f", val)
	}

	ObserveResubmit("metrics-spider")
	if val := testutil.ToFloat64(crawlerResubmittedJobsTotal.WithLabelValues("metrics-spider")); val != 1 {
		t.Errorf("Expected crawlerResubmittedJobsTotal to be 1, got %f", val)
	}

	SetPendingJobs(7)
	if val := testutil.ToFloat64(crawlerPendingJobs); val != 7 {
		t.Errorf("Expected crawlerPendingJobs to be 7, got %f", val)
	}

	ObserveThrottleDelay("metrics.test", 250*time.Millisecond)
	if val := testutil.CollectAndCount(crawlerThrottleDelaysSeconds); val <= 0 {
		t.Errorf("Expected throttle delays to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

func TestObserveProgressDropped(t *testing.T) {
	Init()
	before := testutil.ToFloat64(progressEventsDroppedTotal.WithLabelValues("JOB_DONE"))
	ObserveProgressDropped("JOB_DONE")
	if got := testutil.ToFloat64(progressEventsDroppedTotal.WithLabelValues("JOB_DONE")); got != before+1 {
		t.Fatalf("dropped counter = %v, want %v", got, before+1)
	}
}
