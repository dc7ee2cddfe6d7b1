package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/progress"
)

// LogSink emits structured logs for job and pipeline milestones.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Rejections and job errors are logged
// at warn so they stand out from the steady stream of saves.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Platform != "" {
			fields = append(fields, zap.String("platform", evt.Platform))
		}
		if evt.Backend != "" {
			fields = append(fields, zap.String("backend", evt.Backend))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Tier != "" {
			fields = append(fields, zap.String("tier", evt.Tier))
		}
		fields = append(fields, zap.Int("count", evt.Count), zap.Duration("dur", evt.Dur))
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageJobError:
			s.logger.Warn("progress event", fields...)
		case progress.StageRecordSaved, progress.StageRecordRejected:
			s.logger.Debug("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
