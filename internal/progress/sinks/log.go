package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event of the batch. Job completions are logged at debug
// level, everything else at info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields,
				zap.String("spider", evt.Spider),
				zap.String("url", evt.URL),
				zap.Int("level", evt.Level),
				zap.Int("status", evt.Status),
				zap.Int("next_jobs", evt.NextJobs),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageJobDone:
			s.logger.Debug("Progress event", fields...)
		case progress.StageJobError:
			s.logger.Warn("Progress event", fields...)
		default:
			s.logger.Info("Progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
