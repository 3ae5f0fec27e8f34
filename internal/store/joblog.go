package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Crawl run statuses.
const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
)

// JobRecord is one row of the job log: the outcome of a single crawl job.
type JobRecord struct {
	RunID       uuid.UUID
	Spider      string
	URL         string
	ResolvedURL string
	Level       int
	Status      int
	Error       string
	Encoding    string
	NextJobs    int
	Bytes       int64
	Duration    time.Duration
	CompletedAt time.Time
}

// JobLogRepository persists crawl runs and the outcome of their jobs.
type JobLogRepository interface {
	// StartRun records a crawl run. Calling it again for the same run is a
	// no-op.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// FinishRun marks a run finished.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time) error
	// InsertJobs appends job log rows.
	InsertJobs(ctx context.Context, records []JobRecord) error
}
