package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/actiongate/internal/bus"
)

// TrustScoreRecord is the persisted aggregate for one (app, category) key.
// It decays continuously between writes; decay is computed on read by the
// trust scorer, never by a background job.
type TrustScoreRecord struct {
	AppID             string    `json:"app_id"`
	Category          string    `json:"category"`
	TrustScore        float64   `json:"trust_score"`
	SampleCount       int       `json:"sample_count"`
	DecayHalfLifeDays float64   `json:"decay_half_life_days"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// GetTrustScore fetches the aggregate for a key. Returns ErrNotFound when
// the key has never been scored.
func (s *Store) GetTrustScore(ctx context.Context, appID, category string) (TrustScoreRecord, error) {
	var rec TrustScoreRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id, category, trust_score, sample_count, decay_half_life_days, last_updated_at
		FROM trust_scores
		WHERE app_id = ? AND category = ?;
	`, appID, category).Scan(&rec.AppID, &rec.Category, &rec.TrustScore, &rec.SampleCount,
		&rec.DecayHalfLifeDays, &rec.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TrustScoreRecord{}, ErrNotFound
	}
	if err != nil {
		return TrustScoreRecord{}, fmt.Errorf("select trust score: %w", err)
	}
	return rec, nil
}

// PutTrustScore upserts the aggregate for a key. Scores are statistical
// aggregates, so concurrent writers settle last-write-wins.
func (s *Store) PutTrustScore(ctx context.Context, rec TrustScoreRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trust_scores (app_id, category, trust_score, sample_count, decay_half_life_days, last_updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(app_id, category) DO UPDATE SET
				trust_score = excluded.trust_score,
				sample_count = excluded.sample_count,
				decay_half_life_days = excluded.decay_half_life_days,
				last_updated_at = excluded.last_updated_at;
		`, rec.AppID, rec.Category, rec.TrustScore, rec.SampleCount, rec.DecayHalfLifeDays, rec.LastUpdatedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert trust score: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTrustUpdated, bus.TrustEvent{
			AppID:       rec.AppID,
			Category:    rec.Category,
			Score:       rec.TrustScore,
			SampleCount: rec.SampleCount,
		})
	}
	return nil
}

// ListTrustScores returns all aggregates for an app, category-sorted.
func (s *Store) ListTrustScores(ctx context.Context, appID string) ([]TrustScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, category, trust_score, sample_count, decay_half_life_days, last_updated_at
		FROM trust_scores
		WHERE app_id = ?
		ORDER BY category;
	`, appID)
	if err != nil {
		return nil, fmt.Errorf("list trust scores: %w", err)
	}
	defer rows.Close()

	var out []TrustScoreRecord
	for rows.Next() {
		var rec TrustScoreRecord
		if err := rows.Scan(&rec.AppID, &rec.Category, &rec.TrustScore, &rec.SampleCount,
			&rec.DecayHalfLifeDays, &rec.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trust score: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
