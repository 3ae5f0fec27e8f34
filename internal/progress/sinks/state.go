package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/spidercrawl/internal/progress"
)

// SpiderProgress summarizes the jobs completed by one spider.
type SpiderProgress struct {
	Spider      string    `json:"spider"`
	Completed   int64     `json:"completed"`
	Failed      int64     `json:"failed"`
	Resubmitted int64     `json:"resubmitted"`
	NextJobs    int64     `json:"next_jobs"`
	Bytes       int64     `json:"bytes"`
	MaxLevel    int       `json:"max_level"`
	LastURL     string    `json:"last_url,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

// StateSink keeps an in-memory per-spider summary readable while the crawl
// runs.
type StateSink struct {
	mu      sync.RWMutex
	spiders map[string]*SpiderProgress
}

// NewStateSink returns an empty summary.
func NewStateSink() *StateSink {
	return &StateSink{spiders: make(map[string]*SpiderProgress)}
}

// Consume folds the batch into the summary.
func (s *StateSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Spider == "" {
			continue
		}
		p := s.spiders[evt.Spider]
		if p == nil {
			p = &SpiderProgress{Spider: evt.Spider}
			s.spiders[evt.Spider] = p
		}
		switch evt.Stage {
		case progress.StageJobDone:
			p.Completed++
			p.NextJobs += int64(evt.NextJobs)
			p.Bytes += evt.Bytes
		case progress.StageJobError:
			p.Completed++
			p.Failed++
		case progress.StageJobResubmit:
			p.Resubmitted++
			continue
		default:
			continue
		}
		if evt.Level > p.MaxLevel {
			p.MaxLevel = evt.Level
		}
		p.LastURL = evt.URL
		if evt.TS.After(p.LastUpdate) {
			p.LastUpdate = evt.TS
		}
	}
	return nil
}

// Snapshot returns the summaries ordered by spider.
func (s *StateSink) Snapshot() []SpiderProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpiderProgress, 0, len(s.spiders))
	for _, p := range s.spiders {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spider < out[j].Spider })
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *StateSink) Close(context.Context) error {
	return nil
}
