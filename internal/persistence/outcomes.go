package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/actiongate/internal/bus"
)

// OutcomeRecord is one resolved draft/send pair (or deletion timeout).
// Records are immutable and retained most-recent-first per (app, category),
// capped at the store's outcome cap with oldest entries evicted.
type OutcomeRecord struct {
	AppID      string    `json:"app_id"`
	Category   string    `json:"category"`
	Outcome    string    `json:"outcome"`
	Similarity *float64  `json:"similarity,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// InsertOutcome appends an outcome record and trims the per-key history to
// the configured cap in the same transaction.
func (s *Store) InsertOutcome(ctx context.Context, rec OutcomeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var similarity any
	if rec.Similarity != nil {
		similarity = *rec.Similarity
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outcomes (app_id, category, outcome, similarity, recorded_at)
		VALUES (?, ?, ?, ?, ?);
	`, rec.AppID, rec.Category, rec.Outcome, similarity, rec.RecordedAt.UTC()); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	// Evict everything older than the newest outcomeCap rows for this key.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM outcomes
		WHERE app_id = ? AND category = ? AND id NOT IN (
			SELECT id FROM outcomes
			WHERE app_id = ? AND category = ?
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		);
	`, rec.AppID, rec.Category, rec.AppID, rec.Category, s.outcomeCap); err != nil {
		return fmt.Errorf("trim outcome history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}

	if s.bus != nil {
		var sim float64
		if rec.Similarity != nil {
			sim = *rec.Similarity
		}
		s.bus.Publish(bus.TopicOutcomeRecorded, bus.OutcomeEvent{
			AppID:      rec.AppID,
			Category:   rec.Category,
			Outcome:    rec.Outcome,
			Similarity: sim,
		})
	}
	return nil
}

// ListOutcomes returns up to limit outcome records for a key,
// most-recent-first. limit <= 0 means the full retained history.
func (s *Store) ListOutcomes(ctx context.Context, appID, category string, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = s.outcomeCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, category, outcome, similarity, recorded_at
		FROM outcomes
		WHERE app_id = ? AND category = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?;
	`, appID, category, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			rec OutcomeRecord
			sim sql.NullFloat64
		)
		if err := rows.Scan(&rec.AppID, &rec.Category, &rec.Outcome, &sim, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if sim.Valid {
			v := sim.Float64
			rec.Similarity = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DraftRecord tracks an agent draft until the human either sends something
// (resolved via the classifier) or the deletion timeout lapses.
type DraftRecord struct {
	ID             string    `json:"id"`
	AppID          string    `json:"app_id"`
	ConversationID string    `json:"conversation_id"`
	Category       string    `json:"category"`
	DraftText      string    `json:"draft_text"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordDraft stores a new unresolved draft.
func (s *Store) RecordDraft(ctx context.Context, d DraftRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, app_id, conversation_id, category, draft_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, d.ID, d.AppID, d.ConversationID, d.Category, d.DraftText, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

// ResolveDraft marks the newest unresolved draft for a conversation as
// resolved and returns it. Returns ErrNotFound when no unresolved draft
// exists (the agent never drafted — a no_draft outcome).
func (s *Store) ResolveDraft(ctx context.Context, conversationID string, now time.Time) (DraftRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DraftRecord{}, fmt.Errorf("begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var d DraftRecord
	err = tx.QueryRowContext(ctx, `
		SELECT id, app_id, conversation_id, category, draft_text, created_at
		FROM drafts
		WHERE conversation_id = ? AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1;
	`, conversationID).Scan(&d.ID, &d.AppID, &d.ConversationID, &d.Category, &d.DraftText, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DraftRecord{}, ErrNotFound
	}
	if err != nil {
		return DraftRecord{}, fmt.Errorf("select unresolved draft: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE drafts SET resolved_at = ? WHERE id = ?;
	`, now.UTC(), d.ID); err != nil {
		return DraftRecord{}, fmt.Errorf("mark draft resolved: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DraftRecord{}, fmt.Errorf("commit resolve tx: %w", err)
	}
	return d, nil
}

// ExpireDrafts resolves every draft created before cutoff as deleted and
// returns them so the caller can record deleted outcomes. Used by the
// sweeper for the deletion-timeout window.
func (s *Store) ExpireDrafts(ctx context.Context, cutoff, now time.Time) ([]DraftRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, app_id, conversation_id, category, draft_text, created_at
		FROM drafts
		WHERE resolved_at IS NULL AND created_at < ?;
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("select expired drafts: %w", err)
	}
	var expired []DraftRecord
	for rows.Next() {
		var d DraftRecord
		if err := rows.Scan(&d.ID, &d.AppID, &d.ConversationID, &d.Category, &d.DraftText, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired draft: %w", err)
		}
		expired = append(expired, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE drafts SET resolved_at = ? WHERE resolved_at IS NULL AND created_at < ?;
	`, now.UTC(), cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("mark drafts expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire tx: %w", err)
	}
	return expired, nil
}
