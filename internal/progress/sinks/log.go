package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
)

// LogSink writes one structured log line per event.
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

// Consume logs each event in the batch. Failed requests are logged at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("country", evt.Country),
			zap.String("stage", string(evt.Stage)),
			zap.Int("completed", evt.Completed),
			zap.Int("total", evt.Total),
			zap.Duration("dur", evt.Dur),
		}
		if evt.RequestType != "" {
			fields = append(fields, zap.String("request_type", evt.RequestType))
		}
		if evt.Stage == progress.StageRequestDone && !evt.Success {
			s.logger.Warn(evt.Summary, append(fields, zap.String("reason", evt.Reason))...)
			continue
		}
		s.logger.Info(evt.Summary, fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
