// Package progress provides the crawl event primitives and a non-blocking hub
// that batches them on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Prometheus or the job log store.
package progress
