// Package api hosts the status server of a running crawl. Routes:
//   - GET /healthz and /readyz for probes; readyz turns healthy once the
//     crawl has started.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/state for the crawl counters.
//   - GET /v1/spiders and /v1/spiders/{spider} for per-spider progress.
//   - POST /v1/spiders/{spider}/jobs to put a job on the queue of a
//     running crawl.
package api
