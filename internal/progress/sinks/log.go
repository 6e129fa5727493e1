package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/progress"
)

// LogSink writes each published snapshot as a structured log line. It is the
// default sink when no metrics endpoint is configured.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		snap := evt.Snapshot
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("session_id", snap.SessionID),
			zap.String("phase", string(snap.Phase)),
			zap.Float64("percent", snap.Percent),
			zap.Int64("processed", snap.Processed),
			zap.Int64("total", snap.Total),
			zap.String("message", snap.Message),
		}
		if snap.Operation != "" {
			fields = append(fields, zap.String("operation", snap.Operation))
		}
		if snap.Timing != nil {
			fields = append(fields,
				zap.String("elapsed", snap.Timing.Elapsed),
				zap.String("eta", snap.Timing.EstimatedRemaining),
				zap.String("speed", snap.Timing.Speed),
			)
		}
		switch snap.Phase {
		case progress.PhaseError:
			s.logger.Warn("progress snapshot", append(fields, zap.Stringer("kind", snap.Kind))...)
		case progress.PhaseComplete, progress.PhaseCancelled:
			s.logger.Info("progress snapshot", fields...)
		default:
			s.logger.Debug("progress snapshot", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
