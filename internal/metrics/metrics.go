// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal            *prometheus.CounterVec
	crawlerBytesTotal            *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	crawlerJobsTotal             *prometheus.CounterVec
	crawlerActiveWorkers         prometheus.Gauge
	crawlerActiveGroups          prometheus.Gauge
	crawlerPendingJobs           prometheus.Gauge
	crawlerThrottleDelaysSeconds *prometheus.HistogramVec
	crawlerResubmittedJobsTotal  *prometheus.CounterVec
	crawlerRobotsFallbackTotal   prometheus.Counter
	progressEventsDroppedTotal   *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of crawl jobs completed, labeled by spider and status.",
			},
			[]string{"spider", "status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerActiveGroups = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_groups",
				Help: "Number of host groups tracked by the dispatcher.",
			},
		)

		crawlerPendingJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_pending_jobs",
				Help: "Number of queued or in-flight jobs not yet acknowledged.",
			},
		)

		crawlerThrottleDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_throttle_delays_seconds",
				Help:    "Histogram of time jobs spent buffered in their host group before dispatch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"group"},
		)

		crawlerResubmittedJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_resubmitted_jobs_total",
				Help: "Total number of failed jobs put back on the queue, labeled by spider.",
			},
			[]string{"spider"},
		)

		crawlerRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "Total robots.txt probes that timed out and were treated as allow-all.",
			},
		)

		progressEventsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_progress_events_dropped_total",
				Help: "Progress events discarded because the hub buffer was full, labeled by stage.",
			},
			[]string{"stage"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the page metrics for one fetched URL.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given spider and status.
func ObserveJob(spider, status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(spider, status).Inc()
}

// ObserveResubmit counts a job put back on the queue after a failure.
func ObserveResubmit(spider string) {
	Init()
	crawlerResubmittedJobsTotal.WithLabelValues(spider).Inc()
}

// ObserveRobotsFallback counts robots.txt probes that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	crawlerRobotsFallbackTotal.Inc()
}

// ObserveProgressDropped counts a progress event the hub could not buffer.
func ObserveProgressDropped(stage string) {
	Init()
	progressEventsDroppedTotal.WithLabelValues(stage).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// SetActiveGroups records how many host groups the dispatcher tracks.
func SetActiveGroups(n int) {
	Init()
	crawlerActiveGroups.Set(float64(n))
}

// SetPendingJobs records the number of unacknowledged jobs.
func SetPendingJobs(n int) {
	Init()
	crawlerPendingJobs.Set(float64(n))
}

// ObserveThrottleDelay records how long a job waited in its host group.
func ObserveThrottleDelay(group string, duration time.Duration) {
	Init()
	crawlerThrottleDelaysSeconds.WithLabelValues(group).Observe(duration.Seconds())
}
