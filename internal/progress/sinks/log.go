package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/pricing-webhooks/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLogSink wires a Zap logger to the sink interface. Events are logged at
// debug level except discards and flags, which are warnings.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress"), level: zapcore.DebugLevel}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := s.level
		if evt.Stage == progress.StageDiscarded || evt.Stage == progress.StageFlagged {
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "batch progress")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("event_id", evt.EventID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("expected", evt.Expected),
			zap.Int("completed", evt.Completed),
			zap.Int("failed", evt.Failed),
			zap.String("result", string(evt.Result)),
			zap.String("status", string(evt.Status)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
