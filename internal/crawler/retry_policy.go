package crawler

import (
	"context"
	"errors"
	"net"
)

// RetryPolicy lets a result consumer decide whether a failed job is worth a
// fresh queue entry. The engine itself never retries.
type RetryPolicy struct {
	maxAttempts int
}

// NewRetryPolicy allows up to maxAttempts fetches per job. Values below 2
// disable retries.
func NewRetryPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured attempt budget.
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil {
		return 0
	}
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable after attempt fetches.
// Only fetch errors qualify; extraction failures are deterministic.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if p == nil || err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if !IsFetchError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
