package gate_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/actiongate/internal/bus"
	"github.com/basket/actiongate/internal/gate"
	"github.com/basket/actiongate/internal/trust"
)

type stubScorer struct {
	score    trust.Score
	strategy trust.Strategy
}

func (s stubScorer) CurrentScore(context.Context, string, string) (trust.Score, error) {
	return s.score, nil
}

func (s stubScorer) Strategy() trust.Strategy {
	if s.strategy == nil {
		return trust.DecayedHistory{}
	}
	return s.strategy
}

func newGate(score trust.Score) *gate.Gate {
	return gate.New(stubScorer{score: score}, gate.DefaultPolicy(), nil, nil)
}

func TestGate_AllConditionsMet(t *testing.T) {
	g := newGate(trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 40})
	d, err := g.Evaluate(context.Background(), "app-1", "billing")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.AutoSend {
		t.Fatalf("denied: %s", d.Reason)
	}
}

func TestGate_Conjunction(t *testing.T) {
	good := trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 40}
	cases := []struct {
		name       string
		category   string
		score      trust.Score
		wantReason string
	}{
		{"denied category", "hostile", good, "denied by policy"},
		{"denied category legal", "legal_threat", good, "denied by policy"},
		{"too few samples", "billing", trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 19}, "insufficient evidence"},
		{"low trust", "billing", trust.Score{Trust: 0.80, Confidence: 0.95, Samples: 40}, "trust"},
		{"low confidence", "billing", trust.Score{Trust: 0.95, Confidence: 0.85, Samples: 40}, "confidence"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(tc.score)
			d, err := g.Evaluate(context.Background(), "app-1", tc.category)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if d.AutoSend {
				t.Fatal("auto-send allowed")
			}
			if !strings.Contains(d.Reason, tc.wantReason) {
				t.Fatalf("reason = %q, want mention of %q", d.Reason, tc.wantReason)
			}
		})
	}
}

func TestGate_ExactThresholdsDeny(t *testing.T) {
	// Trust and confidence thresholds are exclusive; the sample floor is
	// inclusive. Exactly-at-threshold scores deny, exactly-at-floor
	// evidence passes the floor check.
	cases := []struct {
		name  string
		score trust.Score
		allow bool
	}{
		{"trust exactly at threshold", trust.Score{Trust: 0.85, Confidence: 0.95, Samples: 20}, false},
		{"confidence exactly at threshold", trust.Score{Trust: 0.95, Confidence: 0.90, Samples: 20}, false},
		{"samples exactly at floor", trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 20}, true},
		{"samples one below floor", trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 19.9}, false},
		{"just above both thresholds", trust.Score{Trust: 0.8501, Confidence: 0.9001, Samples: 20}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(tc.score)
			d, err := g.Evaluate(context.Background(), "app-1", "billing")
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if d.AutoSend != tc.allow {
				t.Fatalf("auto_send = %v (%s), want %v", d.AutoSend, d.Reason, tc.allow)
			}
		})
	}
}

func TestGate_StrategyFloors(t *testing.T) {
	score := trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 30}

	// 30 samples clear the history floor (20) but not the EMA floor (50).
	g := gate.New(stubScorer{score: score, strategy: trust.DecayedHistory{}}, gate.DefaultPolicy(), nil, nil)
	d, _ := g.Evaluate(context.Background(), "app-1", "billing")
	if !d.AutoSend {
		t.Fatalf("history strategy denied: %s", d.Reason)
	}

	g = gate.New(stubScorer{score: score, strategy: trust.EMA{}}, gate.DefaultPolicy(), nil, nil)
	d, _ = g.Evaluate(context.Background(), "app-1", "billing")
	if d.AutoSend {
		t.Fatal("ema strategy allowed below its floor")
	}
}

func TestGate_PolicyReload(t *testing.T) {
	g := newGate(trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 40})

	p := gate.DefaultPolicy()
	p.DeniedCategories = append(p.DeniedCategories, "billing")
	g.SetPolicy(p)

	d, err := g.Evaluate(context.Background(), "app-1", "billing")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.AutoSend {
		t.Fatal("reloaded denylist not applied")
	}
}

func TestGate_PublishesDecisions(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicGateDecision)
	defer eventBus.Unsubscribe(sub)

	g := gate.New(stubScorer{score: trust.Score{Trust: 0.95, Confidence: 0.95, Samples: 40}},
		gate.DefaultPolicy(), nil, eventBus)
	if _, err := g.Evaluate(context.Background(), "app-1", "billing"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	select {
	case msg := <-sub.Ch():
		ev, ok := msg.Payload.(bus.GateEvent)
		if !ok || !ev.Allowed || ev.Category != "billing" {
			t.Fatalf("payload = %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision event published")
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
denied_categories: [hostile, refund_abuse]
trust_threshold: 0.9
min_samples: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := gate.LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.DeniedCategories) != 2 || p.DeniedCategories[1] != "refund_abuse" {
		t.Fatalf("denied = %v", p.DeniedCategories)
	}
	if p.TrustThreshold != 0.9 || p.MinSamples != 10 {
		t.Fatalf("thresholds = %+v", p)
	}
	// Unset confidence keeps the default.
	if p.ConfidenceThreshold != gate.DefaultConfidenceThreshold {
		t.Fatalf("confidence = %v", p.ConfidenceThreshold)
	}

	if _, err := gate.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
