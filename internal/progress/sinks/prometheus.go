package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/spidercrawl/internal/progress"
)

// PrometheusSink exports per-spider and per-site crawl progress.
type PrometheusSink struct {
	runsRunning prometheus.Gauge
	jobs        *prometheus.CounterVec
	nextJobs    *prometheus.CounterVec
	resubmitted *prometheus.CounterVec

	siteResponses *prometheus.CounterVec
	siteBytes     *prometheus.CounterVec
	siteDuration  *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Crawl runs currently in progress.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_spider_jobs_total",
			Help: "Completed jobs partitioned by spider and result.",
		}, []string{"spider", "result"}),
		nextJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_spider_next_jobs_total",
			Help: "Follow-up jobs derived per spider.",
		}, []string{"spider"}),
		resubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_spider_resubmits_total",
			Help: "Jobs resubmitted by the consumer per spider.",
		}, []string{"spider"}),
		siteResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_site_responses_total",
			Help: "Responses partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		siteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_site_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		siteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_site_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsRunning,
		s.jobs,
		s.nextJobs,
		s.resubmitted,
		s.siteResponses,
		s.siteBytes,
		s.siteDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageCrawlDone:
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageJobDone:
		s.jobs.WithLabelValues(evt.Spider, "success").Inc()
		if evt.NextJobs > 0 {
			s.nextJobs.WithLabelValues(evt.Spider).Add(float64(evt.NextJobs))
		}
		s.observeSite(evt)
	case progress.StageJobError:
		s.jobs.WithLabelValues(evt.Spider, "error").Inc()
		if evt.Status != 0 {
			s.observeSite(evt)
		}
	case progress.StageJobResubmit:
		s.resubmitted.WithLabelValues(evt.Spider).Inc()
	}
}

func (s *PrometheusSink) observeSite(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.ClassifyStatus(evt.Status))
	}
	s.siteResponses.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.siteBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.siteDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
