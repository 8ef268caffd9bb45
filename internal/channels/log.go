package channels

import (
	"context"
	"log/slog"

	"github.com/basket/actiongate/internal/persistence"
)

// LogSink writes alerts to the service log. Always configured so a
// streak is visible even when no external sink is set up.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Alert(_ context.Context, rec persistence.DeadLetterRecord) error {
	s.logger.Error("operation failure streak",
		"operation", rec.EventName,
		"consecutive_failures", rec.ConsecutiveFailures,
		"first_failed_at", rec.FirstFailedAt,
		"last_failed_at", rec.LastFailedAt,
		"last_error", rec.ErrorMessage,
	)
	return nil
}
