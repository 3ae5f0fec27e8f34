package crawler

import (
	"context"
	"net/http"
	"time"
)

// Queue stores (spider, job) pairs until their results are fully processed.
type Queue interface {
	// Put appends a job for the given spider. Durable implementations
	// persist the record before returning.
	Put(ctx context.Context, spiderID string, job Job) error
	// Pop blocks until a record is available, the context ends, or the
	// queue is closed (ErrQueueClosed).
	Pop(ctx context.Context) (QueueRecord, error)
	// Ack removes a popped record once its result has been processed.
	Ack(ctx context.Context, id int64) error
	// Size returns the number of records waiting to be popped.
	Size(ctx context.Context) (int, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ClientProvider exposes the pooled HTTP client shared by fetchers and the
// redirect resolver.
type ClientProvider interface {
	Client() *http.Client
}

// Extractor turns a decoded document into structured data. Implementations
// must not touch crawler state.
type Extractor interface {
	Extract(doc Document, context map[string]any) (Items, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(doc Document, context map[string]any) (Items, error)

// Extract calls f.
func (f ExtractorFunc) Extract(doc Document, context map[string]any) (Items, error) {
	return f(doc, context)
}

// NextRule derives further jobs from a completed job's document.
type NextRule interface {
	NextJobs(job Job, doc Document) ([]Job, error)
}

// NextRuleFunc adapts a function to NextRule.
type NextRuleFunc func(job Job, doc Document) ([]Job, error)

// NextJobs calls f.
func (f NextRuleFunc) NextJobs(job Job, doc Document) ([]Job, error) {
	return f(job, doc)
}

// Resolver follows a redirect chain (HTTP, Refresh header, meta refresh and
// JavaScript relocation) and returns every hop, starting with the initial URL.
type Resolver interface {
	Resolve(ctx context.Context, client *http.Client, url string) ([]Hop, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
