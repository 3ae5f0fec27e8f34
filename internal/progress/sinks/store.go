package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/progress"
	"github.com/JakeFAU/spidercrawl/internal/store"
)

// StoreSink persists runs and job outcomes through a store.JobLogRepository.
// Job rows of a batch are written with a single repository call.
type StoreSink struct {
	repo   store.JobLogRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.JobLogRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository, preserving the order of run
// start, job rows and run completion.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var rows []store.JobRecord
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := s.repo.InsertJobs(ctx, rows); err != nil {
			return fmt.Errorf("insert jobs: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart:
			if err := s.repo.StartRun(ctx, evt.RunUUID(), evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageJobDone, progress.StageJobError:
			rows = append(rows, jobRecord(evt))
		case progress.StageCrawlDone:
			if err := flush(); err != nil {
				return err
			}
			if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	return flush()
}

func jobRecord(evt progress.Event) store.JobRecord {
	return store.JobRecord{
		RunID:       evt.RunUUID(),
		Spider:      evt.Spider,
		URL:         evt.URL,
		ResolvedURL: evt.ResolvedURL,
		Level:       evt.Level,
		Status:      evt.Status,
		Error:       evt.Note,
		Encoding:    evt.Encoding,
		NextJobs:    evt.NextJobs,
		Bytes:       evt.Bytes,
		Duration:    evt.Dur,
		CompletedAt: evt.TS,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
