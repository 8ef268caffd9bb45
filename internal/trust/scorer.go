package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/basket/actiongate/internal/outcome"
	"github.com/basket/actiongate/internal/persistence"
)

// DefaultHalfLifeDays is how fast trust evidence fades: after one
// half-life an outcome carries weight e^-1 in the decayed-history form
// and the persisted aggregate halves.
const DefaultHalfLifeDays = 30.0

// Score is a point-in-time trust assessment for one (app, category).
type Score struct {
	Trust float64
	// Confidence weights trust by how much and how recent the evidence
	// is. Strategies that track only a running mean report the decayed
	// trust itself.
	Confidence float64
	// Samples is the effective evidence mass: a plain count for the EMA
	// form, the decayed weight sum for the history form.
	Samples float64
}

// signalFor maps an outcome to its success signal. Deletions count as
// failure; a human sending without a draft is neutral.
func signalFor(o outcome.Outcome) float64 {
	switch o {
	case outcome.OutcomeUnchanged:
		return 1.0
	case outcome.OutcomeMinorEdit:
		return 0.5
	case outcome.OutcomeMajorRewrite, outcome.OutcomeDeleted:
		return 0.0
	default: // no_draft
		return 0.5
	}
}

// Strategy computes trust from evidence. Implementations are pure over
// their inputs; time always arrives as an argument.
type Strategy interface {
	Name() string
	// Update folds one new outcome into the persisted aggregate.
	Update(prev persistence.TrustScoreRecord, o outcome.Outcome, history []persistence.OutcomeRecord, now time.Time) persistence.TrustScoreRecord
	// Read evaluates the aggregate at read time, applying decay.
	Read(rec persistence.TrustScoreRecord, history []persistence.OutcomeRecord, now time.Time) Score
	// MinSamples is the evidence floor below which auto-send is never
	// considered, regardless of the score.
	MinSamples() float64
}

// EMA is the running-mean strategy: each outcome moves the score by
// 1/(n+1) of its distance to the signal. Cheap, order-sensitive,
// blind to evidence age except through read-time aggregate decay.
type EMA struct{}

func (EMA) Name() string { return "ema" }

func (EMA) MinSamples() float64 { return 50 }

func (EMA) Update(prev persistence.TrustScoreRecord, o outcome.Outcome, _ []persistence.OutcomeRecord, now time.Time) persistence.TrustScoreRecord {
	score, n := prev.TrustScore, prev.SampleCount
	if n == 0 && prev.LastUpdatedAt.IsZero() {
		score = 0.5
	}
	signal := signalFor(o)
	score += (signal - score) / float64(n+1)
	score = clamp01(score)

	next := prev
	next.TrustScore = score
	next.SampleCount = n + 1
	next.LastUpdatedAt = now
	if next.DecayHalfLifeDays == 0 {
		next.DecayHalfLifeDays = DefaultHalfLifeDays
	}
	return next
}

func (EMA) Read(rec persistence.TrustScoreRecord, _ []persistence.OutcomeRecord, now time.Time) Score {
	decayed := AggregateDecay(rec.TrustScore, rec.LastUpdatedAt, now, rec.DecayHalfLifeDays)
	return Score{Trust: decayed, Confidence: decayed, Samples: float64(rec.SampleCount)}
}

// DecayedHistory weighs every retained outcome by exp(-age/halfLife) so
// recent evidence dominates and stale evidence fades smoothly.
type DecayedHistory struct{}

func (DecayedHistory) Name() string { return "decayed_history" }

func (DecayedHistory) MinSamples() float64 { return 20 }

func (DecayedHistory) Update(prev persistence.TrustScoreRecord, o outcome.Outcome, history []persistence.OutcomeRecord, now time.Time) persistence.TrustScoreRecord {
	halfLife := prev.DecayHalfLifeDays
	if halfLife == 0 {
		halfLife = DefaultHalfLifeDays
	}
	trust, _, _ := evaluateHistory(history, now, halfLife)

	next := prev
	next.TrustScore = trust
	next.SampleCount = prev.SampleCount + 1
	next.DecayHalfLifeDays = halfLife
	next.LastUpdatedAt = now
	return next
}

func (DecayedHistory) Read(rec persistence.TrustScoreRecord, history []persistence.OutcomeRecord, now time.Time) Score {
	halfLife := rec.DecayHalfLifeDays
	if halfLife == 0 {
		halfLife = DefaultHalfLifeDays
	}
	trust, confidence, samples := evaluateHistory(history, now, halfLife)
	return Score{Trust: trust, Confidence: confidence, Samples: samples}
}

// evaluateHistory computes the decay-weighted mean signal over retained
// outcomes. Future-dated records clamp to zero age so a skewed clock
// cannot inflate a weight past 1.
func evaluateHistory(history []persistence.OutcomeRecord, now time.Time, halfLifeDays float64) (trust, confidence, samples float64) {
	var weightSum, signalSum float64
	for _, rec := range history {
		w := DecayWeight(rec.RecordedAt, now, halfLifeDays)
		weightSum += w
		signalSum += w * signalFor(outcome.Outcome(rec.Outcome))
	}
	if weightSum == 0 {
		return 0.5, 0, 0
	}
	mean := signalSum / weightSum
	return mean, mean, weightSum
}

// DecayWeight is exp(-age/halfLife): 1 at zero age, e^-1 at one
// half-life, e^-2 at two. Ages clamp at zero.
func DecayWeight(recordedAt, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	ageDays := now.Sub(recordedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / halfLifeDays)
}

// AggregateDecay halves a persisted score every halfLifeDays of
// inactivity: score * 0.5^(daysSince/halfLife).
func AggregateDecay(score float64, lastUpdated, now time.Time, halfLifeDays float64) float64 {
	if lastUpdated.IsZero() {
		return score
	}
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	days := now.Sub(lastUpdated).Hours() / 24
	if days <= 0 {
		return score
	}
	return score * math.Pow(0.5, days/halfLifeDays)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Scorer binds a strategy to the store.
type Scorer struct {
	store    *persistence.Store
	strategy Strategy
	log      *slog.Logger
	now      func() time.Time
}

func NewScorer(store *persistence.Store, strategy Strategy, log *slog.Logger, now func() time.Time) *Scorer {
	s := &Scorer{store: store, strategy: strategy, log: log, now: now}
	if s.strategy == nil {
		s.strategy = DecayedHistory{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Scorer) Strategy() Strategy { return s.strategy }

// RecordOutcome folds one outcome into the persisted aggregate for the
// key. Concurrent writers settle last-write-wins.
func (s *Scorer) RecordOutcome(ctx context.Context, appID, category string, o outcome.Outcome) error {
	now := s.now()
	prev, err := s.store.GetTrustScore(ctx, appID, category)
	if errors.Is(err, persistence.ErrNotFound) {
		prev = persistence.TrustScoreRecord{
			AppID: appID, Category: category,
			DecayHalfLifeDays: DefaultHalfLifeDays,
		}
	} else if err != nil {
		return fmt.Errorf("load trust aggregate: %w", err)
	}

	var history []persistence.OutcomeRecord
	if _, ok := s.strategy.(DecayedHistory); ok {
		history, err = s.store.ListOutcomes(ctx, appID, category, 0)
		if err != nil {
			return fmt.Errorf("load outcome history: %w", err)
		}
	}

	next := s.strategy.Update(prev, o, history, now)
	if err := s.store.PutTrustScore(ctx, next); err != nil {
		return fmt.Errorf("store trust aggregate: %w", err)
	}
	s.log.Debug("trust updated",
		"app_id", appID, "category", category, "strategy", s.strategy.Name(),
		"trust", next.TrustScore, "samples", next.SampleCount)
	return nil
}

// CurrentScore evaluates the key's trust at the current time. A key
// with no aggregate scores as untrusted with zero evidence.
func (s *Scorer) CurrentScore(ctx context.Context, appID, category string) (Score, error) {
	now := s.now()
	rec, err := s.store.GetTrustScore(ctx, appID, category)
	if errors.Is(err, persistence.ErrNotFound) {
		return Score{Trust: 0.5, Confidence: 0, Samples: 0}, nil
	}
	if err != nil {
		return Score{}, fmt.Errorf("load trust aggregate: %w", err)
	}

	var history []persistence.OutcomeRecord
	if _, ok := s.strategy.(DecayedHistory); ok {
		history, err = s.store.ListOutcomes(ctx, appID, category, 0)
		if err != nil {
			return Score{}, fmt.Errorf("load outcome history: %w", err)
		}
	}
	return s.strategy.Read(rec, history, now), nil
}
