package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// Job describes one page to fetch at a given crawl depth.
type Job struct {
	URL   string `json:"url"`
	Level int    `json:"level"`
}

// Child derives the job one level below j for the given URL.
func (j Job) Child(url string) Job {
	return Job{URL: url, Level: j.Level + 1}
}

func (j Job) String() string {
	return fmt.Sprintf("<Job level=%d url=%s>", j.Level, j.URL)
}

// QueueRecord is the persisted form of a (spider, job) pair. ID is the
// acknowledgement handle handed back to Queue.Ack.
type QueueRecord struct {
	ID       int64  `json:"id"`
	SpiderID string `json:"spider"`
	Job      Job    `json:"job"`
}

// Document is a fetched page decoded to text, as seen by extractors and
// next-job rules.
type Document struct {
	URL  string
	Text string
}

// HopKind classifies one step of a redirect chain.
type HopKind string

// Redirect hop kinds reported by a Resolver.
const (
	HopInitial      HopKind = "initial"
	HopHTTPRedirect HopKind = "http-redirect"
	HopRefresh      HopKind = "refresh-header"
	HopMetaRefresh  HopKind = "meta-refresh"
	HopJSLocation   HopKind = "js-location"
)

// Hop is one step of a resolved redirect chain.
type Hop struct {
	Kind     HopKind `json:"kind"`
	Location string  `json:"location"`
	Status   int     `json:"status,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ResponseMeta is the response metadata attached to a successful fetch.
type ResponseMeta struct {
	URL         string        `json:"url"`
	FinalURL    string        `json:"final_url"`
	ResolvedURL string        `json:"resolved_url,omitempty"`
	StatusCode  int           `json:"status_code"`
	Headers     http.Header   `json:"headers,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	Encoding    string        `json:"encoding"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
	Hops        []Hop         `json:"hops,omitempty"`
}

// CanonicalURL returns the resolved URL when redirect resolution ran, and the
// final URL after HTTP redirects otherwise.
func (m *ResponseMeta) CanonicalURL() string {
	if m == nil {
		return ""
	}
	if m.ResolvedURL != "" {
		return m.ResolvedURL
	}
	return m.FinalURL
}

// WorkerResult is produced exactly once per dequeued record.
type WorkerResult struct {
	Record   QueueRecord
	SpiderID string
	Job      Job
	Items    Items
	Scraped  map[string]Items
	Error    *JobError
	Response *ResponseMeta
	Meta     map[string]string
	NextJobs []Job
}

// Failed reports whether the job ended with a fetch or extract error.
func (r WorkerResult) Failed() bool {
	return r.Error != nil
}
