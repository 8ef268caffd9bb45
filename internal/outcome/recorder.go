package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/actiongate/internal/persistence"
)

// DefaultDeletionTimeout is how long an unresolved draft may sit before
// the sweep counts it as deleted.
const DefaultDeletionTimeout = 2 * time.Hour

// Recorder turns draft/send pairs into persisted outcome history.
type Recorder struct {
	store      *persistence.Store
	log        *slog.Logger
	thresholds Thresholds
	now        func() time.Time
}

func NewRecorder(store *persistence.Store, log *slog.Logger, th Thresholds, now func() time.Time) *Recorder {
	r := &Recorder{store: store, log: log, thresholds: th, now: now}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.thresholds.Unchanged == 0 && r.thresholds.MinorEdit == 0 {
		r.thresholds = DefaultThresholds()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// TrackDraft registers a fresh agent draft so a later human send (or
// the deletion sweep) can resolve it. Returns the draft id.
func (r *Recorder) TrackDraft(ctx context.Context, appID, conversationID, category, text string) (string, error) {
	d := persistence.DraftRecord{
		ID:             uuid.NewString(),
		AppID:          appID,
		ConversationID: conversationID,
		Category:       category,
		DraftText:      text,
		CreatedAt:      r.now(),
	}
	if err := r.store.RecordDraft(ctx, d); err != nil {
		return "", fmt.Errorf("track draft: %w", err)
	}
	return d.ID, nil
}

// RecordSend resolves the newest unresolved draft for the conversation
// against the text the human sent and persists the classified outcome.
// With no draft on file the send is recorded as no_draft.
func (r *Recorder) RecordSend(ctx context.Context, appID, conversationID, category, sentText string) (Result, error) {
	now := r.now()
	draft, err := r.store.ResolveDraft(ctx, conversationID, now)
	if errors.Is(err, persistence.ErrNotFound) {
		res := Result{Outcome: OutcomeNoDraft, Similarity: 0}
		return res, r.persist(ctx, appID, category, res, now)
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve draft: %w", err)
	}

	res := Classify(draft.DraftText, sentText, r.thresholds)
	r.log.Info("draft outcome classified",
		"app_id", appID, "category", draft.Category,
		"outcome", string(res.Outcome), "similarity", res.Similarity)
	return res, r.persist(ctx, appID, draft.Category, res, now)
}

// SweepDeleted resolves every draft older than the deletion timeout as
// deleted and records one outcome per draft. The expired drafts are
// returned so the caller can fold each deletion into the trust
// aggregate, the same split RecordSend callers follow.
func (r *Recorder) SweepDeleted(ctx context.Context, timeout time.Duration) ([]persistence.DraftRecord, error) {
	if timeout <= 0 {
		timeout = DefaultDeletionTimeout
	}
	now := r.now()
	expired, err := r.store.ExpireDrafts(ctx, now.Add(-timeout), now)
	if err != nil {
		return nil, fmt.Errorf("expire drafts: %w", err)
	}
	for _, d := range expired {
		res := Result{Outcome: OutcomeDeleted, Similarity: 0}
		if err := r.persist(ctx, d.AppID, d.Category, res, now); err != nil {
			return nil, err
		}
		r.log.Info("draft deleted by timeout",
			"app_id", d.AppID, "category", d.Category, "draft_id", d.ID)
	}
	return expired, nil
}

func (r *Recorder) persist(ctx context.Context, appID, category string, res Result, now time.Time) error {
	rec := persistence.OutcomeRecord{
		AppID:      appID,
		Category:   category,
		Outcome:    string(res.Outcome),
		RecordedAt: now,
	}
	if res.Outcome != OutcomeDeleted && res.Outcome != OutcomeNoDraft {
		sim := res.Similarity
		rec.Similarity = &sim
	}
	if err := r.store.InsertOutcome(ctx, rec); err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}
	return nil
}
