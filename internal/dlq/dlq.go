package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/actiongate/internal/persistence"
)

// DefaultAlertThreshold is the streak length that raises an alert.
const DefaultAlertThreshold = 3

// AlertSink delivers an operator alert. Implementations live in
// internal/channels; failures are logged and never propagate.
type AlertSink interface {
	Alert(ctx context.Context, rec persistence.DeadLetterRecord) error
}

// Queue records terminal operation failures and alerts on streaks.
type Queue struct {
	store     *persistence.Store
	log       *slog.Logger
	sinks     []AlertSink
	threshold int
	now       func() time.Time
}

// Options configures a Queue. Zero values mean the default alert
// threshold and the wall clock.
type Options struct {
	Threshold int
	Now       func() time.Time
	Sinks     []AlertSink
}

func New(store *persistence.Store, log *slog.Logger, opts Options) *Queue {
	q := &Queue{
		store:     store,
		log:       log,
		sinks:     opts.Sinks,
		threshold: opts.Threshold,
		now:       opts.Now,
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.threshold <= 0 {
		q.threshold = DefaultAlertThreshold
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Record persists a terminal failure, extends the operation's streak,
// and alerts once per streak when it reaches the threshold. The
// original error is never masked: storage and alert faults are logged
// and the record (possibly partial) is still returned.
func (q *Queue) Record(ctx context.Context, operation, eventData string, opErr error, retryCount int) (persistence.DeadLetterRecord, error) {
	rec, err := q.store.InsertDeadLetter(ctx, operation, eventData, opErr.Error(), "", retryCount, q.now())
	if err != nil {
		q.log.Error("dead letter write failed",
			"operation", operation, "original_error", opErr, "storage_error", err)
		return persistence.DeadLetterRecord{}, fmt.Errorf("record dead letter for %s: %w", operation, err)
	}
	q.log.Warn("operation dead-lettered",
		"operation", operation, "id", rec.ID,
		"consecutive_failures", rec.ConsecutiveFailures, "error", opErr)

	if q.ShouldAlert(rec.ConsecutiveFailures) {
		q.alert(ctx, rec)
	}
	return rec, nil
}

// ShouldAlert reports whether a streak of n warrants an operator alert.
func (q *Queue) ShouldAlert(n int) bool {
	return n >= q.threshold
}

// alert fires every sink once for this streak. The persisted alerted_at
// mark decides, not arithmetic on the streak length: a crash before the
// mark landed, or a threshold lowered mid-streak, still alerts on the
// next failure.
func (q *Queue) alert(ctx context.Context, rec persistence.DeadLetterRecord) {
	alerted, err := q.store.StreakAlerted(ctx, rec.EventName, rec.ConsecutiveFailures)
	if err != nil {
		q.log.Error("read streak alert state",
			"operation", rec.EventName, "id", rec.ID, "error", err)
		return
	}
	if alerted {
		return
	}
	if err := q.store.MarkAlerted(ctx, rec.ID, q.now()); err != nil {
		q.log.Error("mark alerted failed", "id", rec.ID, "error", err)
		return
	}
	for _, sink := range q.sinks {
		if err := sink.Alert(ctx, rec); err != nil {
			q.log.Error("alert delivery failed",
				"operation", rec.EventName, "id", rec.ID, "error", err)
		}
	}
}

// RecordSuccess resets the failure streak for an operation so the next
// failure starts a fresh streak and may alert again.
func (q *Queue) RecordSuccess(ctx context.Context, operation string) error {
	if err := q.store.ResetStreak(ctx, operation, q.now()); err != nil {
		return fmt.Errorf("reset streak for %s: %w", operation, err)
	}
	return nil
}

// BackoffStrategy selects how retry delays grow with the attempt count.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

const (
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = time.Second
	// maxBackoff caps the delay regardless of attempt count.
	maxBackoff = 5 * time.Minute
)

// Backoff returns the delay before retry number attempt (zero-based).
// Exponential doubles per attempt, linear grows by one base per
// attempt; both cap at five minutes. Unknown strategies fall back to
// exponential.
func Backoff(attempt int, strategy BackoffStrategy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch strategy {
	case BackoffLinear:
		d = DefaultBackoffBase * time.Duration(attempt+1)
	default:
		if attempt >= 30 {
			return maxBackoff
		}
		d = DefaultBackoffBase << uint(attempt)
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
