package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/actiongate/internal/bus"
)

// OperationStatus is the lifecycle state of an idempotency reservation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// IdempotencyRecord is one reservation row. It is created pending on first
// sight of a fingerprint and transitions to completed or failed exactly
// once; after ExpiresAt the same fingerprint may run again.
type IdempotencyRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ToolName       string          `json:"tool_name"`
	ArgsHash       string          `json:"args_hash"`
	Status         OperationStatus `json:"status"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ErrUniqueViolation marks a lost reservation race. The idempotency guard
// treats it as "duplicate", never as a storage fault.
var ErrUniqueViolation = errors.New("persistence: unique constraint violation")

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("persistence: not found")

// ReserveOperation atomically inserts a pending reservation for the given
// fingerprint. Exactly one caller wins for a live fingerprint; the loser
// gets (existing, false, nil) with the current row so it can serve the
// cached outcome. An expired prior row is taken over in place: the same
// fingerprint becomes runnable again after its TTL.
func (s *Store) ReserveOperation(ctx context.Context, rec IdempotencyRecord, now time.Time) (existing IdempotencyRecord, reserved bool, err error) {
	insert := func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO idempotency_keys
				(id, conversation_id, tool_name, args_hash, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?);
		`, rec.ID, rec.ConversationID, rec.ToolName, rec.ArgsHash, rec.ExpiresAt.UTC(), now.UTC())
		return err
	}
	err = retryOnBusy(ctx, 5, insert)
	if err == nil {
		rec.Status = OperationPending
		rec.CreatedAt = now.UTC()
		return rec, true, nil
	}
	if !isUniqueViolation(err) {
		return IdempotencyRecord{}, false, fmt.Errorf("insert reservation: %w", err)
	}

	// Lost the insert race or a prior row exists. If that row is expired,
	// take it over atomically; the WHERE clause makes concurrent takeovers
	// settle on a single winner.
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET conversation_id = ?, tool_name = ?, args_hash = ?, status = 'pending',
			result = NULL, error = NULL, expires_at = ?, completed_at = NULL, created_at = ?
		WHERE id = ? AND expires_at <= ?;
	`, rec.ConversationID, rec.ToolName, rec.ArgsHash, rec.ExpiresAt.UTC(), now.UTC(), rec.ID, now.UTC())
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("take over expired reservation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		rec.Status = OperationPending
		rec.CreatedAt = now.UTC()
		return rec, true, nil
	}

	// Live duplicate: re-read and hand back the existing record.
	existing, err = s.GetOperation(ctx, rec.ID)
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("re-read after lost race: %w", err)
	}
	return existing, false, nil
}

// GetOperation fetches a reservation row by fingerprint.
func (s *Store) GetOperation(ctx context.Context, id string) (IdempotencyRecord, error) {
	var (
		rec         IdempotencyRecord
		result      sql.NullString
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, tool_name, args_hash, status, result, error, expires_at, completed_at, created_at
		FROM idempotency_keys
		WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.ConversationID, &rec.ToolName, &rec.ArgsHash, &rec.Status,
		&result, &errMsg, &rec.ExpiresAt, &completedAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("select reservation: %w", err)
	}
	rec.Result = result.String
	rec.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// CompleteOperation transitions a pending reservation to completed with its
// result. The status guard makes the transition single-shot.
func (s *Store) CompleteOperation(ctx context.Context, id, result string, now time.Time) error {
	return s.finishOperation(ctx, id, OperationCompleted, result, "", now)
}

// FailOperation transitions a pending reservation to failed with its error
// message.
func (s *Store) FailOperation(ctx context.Context, id, errMsg string, now time.Time) error {
	return s.finishOperation(ctx, id, OperationFailed, "", errMsg, now)
}

func (s *Store) finishOperation(ctx context.Context, id string, status OperationStatus, result, errMsg string, now time.Time) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET status = ?, result = ?, error = ?, completed_at = ?
			WHERE id = ? AND status = 'pending';
		`, status, nullable(result), nullable(errMsg), now.UTC(), id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("finish reservation %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish reservation rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no pending reservation %q", ErrNotFound, id)
	}
	if s.bus != nil {
		topic := bus.TopicOperationCompleted
		if status == OperationFailed {
			topic = bus.TopicOperationFailed
		}
		s.bus.Publish(topic, bus.OperationEvent{OperationID: id, Status: string(status)})
	}
	return nil
}

// PurgeExpiredOperations removes reservations whose TTL has lapsed.
// Invoked by the sweeper; duplicate detection already ignores expired rows,
// so this is purely space reclamation.
func (s *Store) PurgeExpiredOperations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= ?;
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired reservations: %w", err)
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
