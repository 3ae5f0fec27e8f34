// Package sinks implements concrete progress consumers: structured logging,
// Prometheus, the job log store and an in-memory per-spider summary.
package sinks
