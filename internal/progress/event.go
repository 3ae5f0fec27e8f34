package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Crawl milestones.
const (
	StageCrawlStart  Stage = "CRAWL_START"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageJobResubmit Stage = "JOB_RESUBMIT"
	StageCrawlDone   Stage = "CRAWL_DONE"
)

// runEvent reports whether s opens or closes a crawl run.
func (s Stage) runEvent() bool {
	return s == StageCrawlStart || s == StageCrawlDone
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for completed jobs.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of crawl progress.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Spider, URL and Level describe the job for job stages.
	Spider string
	URL    string
	Level  int
	// ResolvedURL is set when the final URL differs from URL.
	ResolvedURL string
	// Site is the scheduling group of URL.
	Site        string
	Status      int
	StatusClass StatusClass
	Encoding    string
	Bytes       int64
	NextJobs    int
	Dur         time.Duration
	// Note carries a short error description for JOB_ERROR.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone:
	case StageJobDone, StageJobError, StageJobResubmit:
		if e.Spider == "" || e.URL == "" {
			return fmt.Errorf("%s requires spider and url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
