package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/actiongate/internal/bus"
)

// DeadLetterRecord is one terminal failure. consecutive_failures counts the
// unbroken streak for the same operation name; a success (tracked by the
// caller) resets the streak by way of ResetStreak.
type DeadLetterRecord struct {
	ID                  string     `json:"id"`
	EventName           string     `json:"event_name"`
	EventData           string     `json:"event_data"`
	ErrorMessage        string     `json:"error_message"`
	ErrorStack          string     `json:"error_stack,omitempty"`
	RetryCount          int        `json:"retry_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FirstFailedAt       time.Time  `json:"first_failed_at"`
	LastFailedAt        time.Time  `json:"last_failed_at"`
	AlertedAt           *time.Time `json:"alerted_at,omitempty"`
}

// InsertDeadLetter records a terminal failure. The streak is computed inside
// the transaction from the most recent prior record for the same operation
// name: prior streak + 1, or 1 when the ledger is empty or the streak was
// reset.
func (s *Store) InsertDeadLetter(ctx context.Context, eventName, eventData, errorMessage, errorStack string, retryCount int, now time.Time) (DeadLetterRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeadLetterRecord{}, fmt.Errorf("begin dead letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		priorStreak   int
		priorFirstRaw sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT consecutive_failures, first_failed_at
		FROM dead_letters
		WHERE event_name = ?
		ORDER BY last_failed_at DESC, id DESC
		LIMIT 1;
	`, eventName).Scan(&priorStreak, &priorFirstRaw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return DeadLetterRecord{}, fmt.Errorf("read prior streak: %w", err)
	}

	rec := DeadLetterRecord{
		ID:                  uuid.NewString(),
		EventName:           eventName,
		EventData:           eventData,
		ErrorMessage:        errorMessage,
		ErrorStack:          errorStack,
		RetryCount:          retryCount,
		ConsecutiveFailures: priorStreak + 1,
		FirstFailedAt:       now.UTC(),
		LastFailedAt:        now.UTC(),
	}
	if priorFirstRaw.Valid && priorStreak > 0 {
		rec.FirstFailedAt = priorFirstRaw.Time
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, event_name, event_data, error_message, error_stack, retry_count,
			 consecutive_failures, first_failed_at, last_failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, rec.ID, rec.EventName, rec.EventData, rec.ErrorMessage, nullable(rec.ErrorStack),
		rec.RetryCount, rec.ConsecutiveFailures, rec.FirstFailedAt, rec.LastFailedAt); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("commit dead letter tx: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicDeadLetterRecorded, bus.DeadLetterEvent{
			ID:                  rec.ID,
			Operation:           rec.EventName,
			ConsecutiveFailures: rec.ConsecutiveFailures,
		})
	}
	return rec, nil
}

// LatestDeadLetter returns the most recent failure for an operation
// name. Streak reset markers are internal bookkeeping and never surface.
func (s *Store) LatestDeadLetter(ctx context.Context, eventName string) (DeadLetterRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_name, event_data, error_message, COALESCE(error_stack, ''), retry_count,
			consecutive_failures, first_failed_at, last_failed_at, alerted_at
		FROM dead_letters
		WHERE event_name = ? AND consecutive_failures > 0
		ORDER BY last_failed_at DESC, id DESC
		LIMIT 1;
	`, eventName)
	return scanDeadLetter(row)
}

// ListDeadLetters returns up to limit failures, most recent first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_name, event_data, error_message, COALESCE(error_stack, ''), retry_count,
			consecutive_failures, first_failed_at, last_failed_at, alerted_at
		FROM dead_letters
		WHERE consecutive_failures > 0
		ORDER BY last_failed_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StreakAlerted reports whether any record of the operation's current
// streak carries alerted_at. A streak of length n is exactly the n most
// recent rows for the name, so the check looks no further back than
// that; records behind a reset marker never count.
func (s *Store) StreakAlerted(ctx context.Context, eventName string, streak int) (bool, error) {
	if streak <= 0 {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT alerted_at FROM dead_letters
			WHERE event_name = ?
			ORDER BY last_failed_at DESC, id DESC
			LIMIT ?
		) WHERE alerted_at IS NOT NULL;
	`, eventName, streak).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read streak alert state: %w", err)
	}
	return n > 0, nil
}

// MarkAlerted stamps alerted_at on a record so the streak is not re-alerted.
func (s *Store) MarkAlerted(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET alerted_at = ? WHERE id = ? AND alerted_at IS NULL;
	`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark alerted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dead letter %q (or already alerted)", ErrNotFound, id)
	}
	return nil
}

// ResetStreak records that an operation succeeded: the next failure for this
// name starts a fresh streak at 1 and may alert again. Implemented as a
// zero-streak marker so the streak read picks it up; the marker stays out
// of listings, latest-record reads, and snapshot counts.
func (s *Store) ResetStreak(ctx context.Context, eventName string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, event_name, event_data, error_message, retry_count,
			 consecutive_failures, first_failed_at, last_failed_at, alerted_at)
		VALUES (?, ?, '', 'streak reset by success', 0, 0, ?, ?, ?);
	`, uuid.NewString(), eventName, now.UTC(), now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("reset streak: %w", err)
	}
	return nil
}

// TrimDeadLetters deletes records older than the retention cutoff.
func (s *Store) TrimDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE last_failed_at < ?;
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("trim dead letters: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (DeadLetterRecord, error) {
	var (
		rec       DeadLetterRecord
		alertedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.EventName, &rec.EventData, &rec.ErrorMessage, &rec.ErrorStack,
		&rec.RetryCount, &rec.ConsecutiveFailures, &rec.FirstFailedAt, &rec.LastFailedAt, &alertedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetterRecord{}, ErrNotFound
	}
	if err != nil {
		return DeadLetterRecord{}, fmt.Errorf("scan dead letter: %w", err)
	}
	if alertedAt.Valid {
		t := alertedAt.Time
		rec.AlertedAt = &t
	}
	return rec, nil
}
