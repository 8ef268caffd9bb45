package dlq_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/actiongate/internal/dlq"
	"github.com/basket/actiongate/internal/persistence"
)

type captureSink struct {
	alerts []persistence.DeadLetterRecord
	err    error
}

func (c *captureSink) Alert(_ context.Context, rec persistence.DeadLetterRecord) error {
	c.alerts = append(c.alerts, rec)
	return c.err
}

func newQueue(t *testing.T, opts dlq.Options) (*dlq.Queue, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dlq.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return dlq.New(store, nil, opts), store
}

var baseTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func TestQueue_StreakAlertsOnceAtThreshold(t *testing.T) {
	clock := baseTime
	sink := &captureSink{}
	q, _ := newQueue(t, dlq.Options{
		Sinks: []dlq.AlertSink{sink},
		Now:   func() time.Time { return clock },
	})
	ctx := context.Background()
	boom := errors.New("helpdesk timeout")

	// Streak 1 through 5: one alert, fired at the crossing.
	for i := 1; i <= 5; i++ {
		clock = clock.Add(time.Minute)
		rec, err := q.Record(ctx, "send_reply", `{"conv":"c1"}`, boom, 2)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if rec.ConsecutiveFailures != i {
			t.Fatalf("streak = %d, want %d", rec.ConsecutiveFailures, i)
		}
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink.alerts))
	}
	if sink.alerts[0].ConsecutiveFailures != 3 {
		t.Fatalf("alert at streak %d, want 3", sink.alerts[0].ConsecutiveFailures)
	}
}

func TestQueue_NewStreakAlertsAgain(t *testing.T) {
	clock := baseTime
	sink := &captureSink{}
	q, _ := newQueue(t, dlq.Options{
		Sinks: []dlq.AlertSink{sink},
		Now:   func() time.Time { return clock },
	})
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Minute)
		if _, err := q.Record(ctx, "issue_refund", `{}`, boom, 0); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clock = clock.Add(time.Minute)
	if err := q.RecordSuccess(ctx, "issue_refund"); err != nil {
		t.Fatalf("success: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Minute)
		if _, err := q.Record(ctx, "issue_refund", `{}`, boom, 0); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if len(sink.alerts) != 2 {
		t.Fatalf("alerts = %d, want one per streak", len(sink.alerts))
	}
}

func TestQueue_UnalertedStreakAlertsPastThreshold(t *testing.T) {
	clock := baseTime
	sink := &captureSink{}
	q, store := newQueue(t, dlq.Options{
		Sinks: []dlq.AlertSink{sink},
		Now:   func() time.Time { return clock },
	})
	ctx := context.Background()

	// Three failures already on disk with no alert mark, as after a
	// crash between the dead letter write and MarkAlerted.
	for i := 0; i < 3; i++ {
		if _, err := store.InsertDeadLetter(ctx, "send_reply", `{}`, "boom", "", 0, clock); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		clock = clock.Add(time.Minute)
	}

	rec, err := q.Record(ctx, "send_reply", `{}`, errors.New("boom"), 0)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ConsecutiveFailures != 4 {
		t.Fatalf("streak = %d, want 4", rec.ConsecutiveFailures)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 for the never-alerted streak", len(sink.alerts))
	}
}

func TestQueue_LoweredThresholdAlertsMidStreak(t *testing.T) {
	clock := baseTime
	sink := &captureSink{}
	q, store := newQueue(t, dlq.Options{
		Threshold: 5,
		Sinks:     []dlq.AlertSink{sink},
		Now:       func() time.Time { return clock },
	})
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Minute)
		if _, err := q.Record(ctx, "issue_refund", `{}`, boom, 0); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if len(sink.alerts) != 0 {
		t.Fatalf("alerted below threshold: %d", len(sink.alerts))
	}

	// Operator lowers the threshold while the streak is already past it.
	q = dlq.New(store, nil, dlq.Options{
		Threshold: 2,
		Sinks:     []dlq.AlertSink{sink},
		Now:       func() time.Time { return clock },
	})
	clock = clock.Add(time.Minute)
	if _, err := q.Record(ctx, "issue_refund", `{}`, boom, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 after threshold drop", len(sink.alerts))
	}

	// Deeper failures in the same streak stay quiet.
	clock = clock.Add(time.Minute)
	if _, err := q.Record(ctx, "issue_refund", `{}`, boom, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("re-alerted within streak: %d", len(sink.alerts))
	}
}

func TestQueue_StreaksArePerOperation(t *testing.T) {
	clock := baseTime
	q, _ := newQueue(t, dlq.Options{Now: func() time.Time { return clock }})
	ctx := context.Background()
	boom := errors.New("boom")

	clock = clock.Add(time.Minute)
	if _, err := q.Record(ctx, "send_reply", `{}`, boom, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock = clock.Add(time.Minute)
	rec, err := q.Record(ctx, "transfer_license", `{}`, boom, 0)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ConsecutiveFailures != 1 {
		t.Fatalf("cross-operation streak leak: %d", rec.ConsecutiveFailures)
	}
}

func TestQueue_AlertFailureNeverMasksOriginal(t *testing.T) {
	clock := baseTime
	sink := &captureSink{err: errors.New("telegram unreachable")}
	q, _ := newQueue(t, dlq.Options{
		Threshold: 1,
		Sinks:     []dlq.AlertSink{sink},
		Now:       func() time.Time { return clock },
	})

	rec, err := q.Record(context.Background(), "send_reply", `{}`, errors.New("boom"), 0)
	if err != nil {
		t.Fatalf("sink failure surfaced: %v", err)
	}
	if rec.ErrorMessage != "boom" {
		t.Fatalf("original error lost: %q", rec.ErrorMessage)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alert not attempted: %d", len(sink.alerts))
	}
}

func TestQueue_StorageFaultSurfacesOriginalInWrap(t *testing.T) {
	q, store := newQueue(t, dlq.Options{})
	_ = store.Close()

	_, err := q.Record(context.Background(), "send_reply", `{}`, errors.New("boom"), 0)
	if err == nil {
		t.Fatal("storage fault swallowed")
	}
}

func TestShouldAlert(t *testing.T) {
	q, _ := newQueue(t, dlq.Options{})
	cases := []struct {
		n    int
		want bool
	}{
		{1, false}, {2, false}, {3, true}, {4, true},
	}
	for _, tc := range cases {
		if got := q.ShouldAlert(tc.n); got != tc.want {
			t.Fatalf("ShouldAlert(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		strategy dlq.BackoffStrategy
		want     time.Duration
	}{
		{0, dlq.BackoffExponential, time.Second},
		{1, dlq.BackoffExponential, 2 * time.Second},
		{4, dlq.BackoffExponential, 16 * time.Second},
		{0, dlq.BackoffLinear, time.Second},
		{4, dlq.BackoffLinear, 5 * time.Second},
		{-1, dlq.BackoffExponential, time.Second},
		// Unknown strategy falls back to exponential.
		{2, dlq.BackoffStrategy("jittered"), 4 * time.Second},
	}
	for _, tc := range cases {
		if got := dlq.Backoff(tc.attempt, tc.strategy); got != tc.want {
			t.Fatalf("Backoff(%d, %s) = %v, want %v", tc.attempt, tc.strategy, got, tc.want)
		}
	}
}

func TestBackoff_Caps(t *testing.T) {
	if got := dlq.Backoff(60, dlq.BackoffExponential); got != 5*time.Minute {
		t.Fatalf("uncapped exponential: %v", got)
	}
	if got := dlq.Backoff(100000, dlq.BackoffLinear); got != 5*time.Minute {
		t.Fatalf("uncapped linear: %v", got)
	}
}
