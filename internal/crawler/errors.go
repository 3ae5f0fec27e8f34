package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by Queue.Pop once the queue has been closed.
	ErrQueueClosed = errors.New("queue closed")
	// ErrUnknownRecord is returned when acknowledging a record the queue
	// did not hand out.
	ErrUnknownRecord = errors.New("unknown queue record")
	// ErrUnknownSpider is returned when a record references a spider that
	// is not registered with the crawler.
	ErrUnknownSpider = errors.New("unknown spider")
	// ErrInvalidConfig marks configuration and spider definition failures.
	// They are detected before any network activity.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorKind distinguishes per-job failure classes.
type ErrorKind string

// Per-job failure classes.
const (
	ErrorKindFetch   ErrorKind = "fetch"
	ErrorKindExtract ErrorKind = "extract"
)

// JobError is the failure recorded on a WorkerResult. It never propagates
// past the result stream.
type JobError struct {
	Kind ErrorKind
	Err  error
}

// NewFetchError wraps a network, protocol or timeout failure.
func NewFetchError(err error) *JobError {
	return &JobError{Kind: ErrorKindFetch, Err: err}
}

// NewExtractError wraps an extractor or next-job rule failure.
func NewExtractError(err error) *JobError {
	return &JobError{Kind: ErrorKindExtract, Err: err}
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsFetchError reports whether err is a fetch-class JobError.
func IsFetchError(err error) bool {
	var jobErr *JobError
	return errors.As(err, &jobErr) && jobErr.Kind == ErrorKindFetch
}

// IsExtractError reports whether err is an extract-class JobError.
func IsExtractError(err error) bool {
	var jobErr *JobError
	return errors.As(err, &jobErr) && jobErr.Kind == ErrorKindExtract
}

// QueueError reports a failure of the backing queue store. It is fatal to the
// crawl: without a trustworthy queue the crawl cannot safely continue.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// configErrorf wraps ErrInvalidConfig with detail.
func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
