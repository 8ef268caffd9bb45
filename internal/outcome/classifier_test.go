package outcome_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/actiongate/internal/outcome"
	"github.com/basket/actiongate/internal/persistence"
)

func TestSimilarity_Identity(t *testing.T) {
	texts := []string{
		"Thanks for reaching out! Your refund is on the way.",
		"one",
		"",
	}
	for _, s := range texts {
		if got := outcome.Similarity(s, s); got != 1.0 {
			t.Fatalf("Similarity(%q, same) = %v, want 1.0", s, got)
		}
	}
}

func TestSimilarity_Symmetry(t *testing.T) {
	a := "your license has been transferred to the new seat"
	b := "the license transfer to the new seat is complete"
	if outcome.Similarity(a, b) != outcome.Similarity(b, a) {
		t.Fatal("similarity not symmetric")
	}
}

func TestSimilarity_EmptyCases(t *testing.T) {
	if got := outcome.Similarity("", ""); got != 1.0 {
		t.Fatalf("both empty = %v, want 1.0", got)
	}
	if got := outcome.Similarity("hello there", ""); got != 0.0 {
		t.Fatalf("one empty = %v, want 0.0", got)
	}
	if got := outcome.Similarity("", "hello there"); got != 0.0 {
		t.Fatalf("one empty = %v, want 0.0", got)
	}
}

func TestSimilarity_Monotonicity(t *testing.T) {
	draft := "we have processed your refund of forty two dollars today"
	lightEdit := "we have processed your refund of forty two dollars yesterday"
	heavyEdit := "unfortunately the charge is valid and no refund applies"

	light := outcome.Similarity(draft, lightEdit)
	heavy := outcome.Similarity(draft, heavyEdit)
	if light <= heavy {
		t.Fatalf("light edit %v not more similar than heavy edit %v", light, heavy)
	}
}

func TestSimilarity_IgnoresMarkupAndCase(t *testing.T) {
	plain := "thanks for reaching out, your refund is on the way"
	rich := "<p>Thanks for reaching out,&nbsp;your refund is   on the way!</p>"
	if got := outcome.Similarity(plain, rich); got != 1.0 {
		t.Fatalf("markup-only difference = %v, want 1.0", got)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<b>Hello</b> &amp; welcome", "hello & welcome"},
		{"  spaced\t\nout  ", "spaced out"},
		{"&lt;tag&gt; stays text", "<tag> stays text"},
		{"MiXeD Case", "mixed case"},
	}
	for _, tc := range cases {
		if got := outcome.Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClassify_Bands(t *testing.T) {
	th := outcome.DefaultThresholds()
	draft := "a b c d e f g h i j k l m n o p q r s t"

	cases := []struct {
		name string
		sent string
		want outcome.Outcome
	}{
		{"verbatim", draft, outcome.OutcomeUnchanged},
		{"one token swapped", "a b c d e f g h i j k l m n o p q r s zz", outcome.OutcomeMinorEdit},
		{"mostly new text", "completely different reply with new words entirely", outcome.OutcomeMajorRewrite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := outcome.Classify(draft, tc.sent, th)
			if got.Outcome != tc.want {
				t.Fatalf("outcome = %q (sim %v), want %q", got.Outcome, got.Similarity, tc.want)
			}
		})
	}
}

func TestClassify_ThresholdBoundariesInclusive(t *testing.T) {
	th := outcome.Thresholds{Unchanged: 0.95, MinorEdit: 0.70}

	// Token sets with an exact Jaccard of 0.70: 7 shared, 10 union.
	draft := "t1 t2 t3 t4 t5 t6 t7 d8 d9"
	sent := "t1 t2 t3 t4 t5 t6 t7 s8"
	sim := outcome.Similarity(draft, sent)
	if math.Abs(sim-0.70) > 1e-9 {
		t.Fatalf("fixture similarity = %v, want 0.70", sim)
	}
	if got := outcome.Classify(draft, sent, th); got.Outcome != outcome.OutcomeMinorEdit {
		t.Fatalf("at minor-edit boundary = %q, want minor_edit", got.Outcome)
	}

	if got := outcome.Classify("same text here", "same text here", th); got.Outcome != outcome.OutcomeUnchanged {
		t.Fatalf("at unchanged boundary = %q, want unchanged", got.Outcome)
	}
}

func TestClassify_NoDraft(t *testing.T) {
	got := outcome.Classify("", "human wrote this alone", outcome.DefaultThresholds())
	if got.Outcome != outcome.OutcomeNoDraft || got.Similarity != 0 {
		t.Fatalf("result = %+v, want no_draft/0", got)
	}
	got = outcome.Classify("   ", "text", outcome.DefaultThresholds())
	if got.Outcome != outcome.OutcomeNoDraft {
		t.Fatalf("whitespace draft = %q, want no_draft", got.Outcome)
	}
}

func newRecorder(t *testing.T, now func() time.Time) (*outcome.Recorder, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "outcome.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return outcome.NewRecorder(store, nil, outcome.DefaultThresholds(), now), store
}

func TestRecorder_DraftToSend(t *testing.T) {
	clock := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	rec, store := newRecorder(t, func() time.Time { return clock })
	ctx := context.Background()

	if _, err := rec.TrackDraft(ctx, "app-1", "conv-1", "billing", "your refund is on the way"); err != nil {
		t.Fatalf("track: %v", err)
	}
	res, err := rec.RecordSend(ctx, "app-1", "conv-1", "billing", "your refund is on the way")
	if err != nil {
		t.Fatalf("record send: %v", err)
	}
	if res.Outcome != outcome.OutcomeUnchanged {
		t.Fatalf("outcome = %q, want unchanged", res.Outcome)
	}

	history, err := store.ListOutcomes(ctx, "app-1", "billing", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "unchanged" || history[0].Similarity == nil {
		t.Fatalf("history = %+v", history)
	}
}

func TestRecorder_SendWithoutDraft(t *testing.T) {
	clock := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	rec, store := newRecorder(t, func() time.Time { return clock })
	ctx := context.Background()

	res, err := rec.RecordSend(ctx, "app-1", "conv-9", "shipping", "hand-written reply")
	if err != nil {
		t.Fatalf("record send: %v", err)
	}
	if res.Outcome != outcome.OutcomeNoDraft {
		t.Fatalf("outcome = %q, want no_draft", res.Outcome)
	}
	history, err := store.ListOutcomes(ctx, "app-1", "shipping", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 1 || history[0].Similarity != nil {
		t.Fatalf("history = %+v", history)
	}
}

func TestRecorder_SweepDeleted(t *testing.T) {
	clock := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	rec, store := newRecorder(t, func() time.Time { return clock })
	ctx := context.Background()

	if _, err := rec.TrackDraft(ctx, "app-1", "conv-1", "billing", "stale draft"); err != nil {
		t.Fatalf("track: %v", err)
	}
	clock = clock.Add(3 * time.Hour)

	expired, err := rec.SweepDeleted(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].AppID != "app-1" || expired[0].Category != "billing" {
		t.Fatalf("expired = %+v, want the stale billing draft", expired)
	}
	history, err := store.ListOutcomes(ctx, "app-1", "billing", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "deleted" {
		t.Fatalf("history = %+v", history)
	}

	// A later send for the same conversation is now no_draft.
	res, err := rec.RecordSend(ctx, "app-1", "conv-1", "billing", "late reply")
	if err != nil {
		t.Fatalf("record send: %v", err)
	}
	if res.Outcome != outcome.OutcomeNoDraft {
		t.Fatalf("post-sweep outcome = %q, want no_draft", res.Outcome)
	}
}
