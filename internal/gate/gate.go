package gate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/actiongate/internal/bus"
	"github.com/basket/actiongate/internal/trust"
)

// Default decision thresholds. Trust and confidence are exclusive: a
// score sitting exactly at the threshold denies. The sample floor is
// inclusive.
const (
	DefaultTrustThreshold      = 0.85
	DefaultConfidenceThreshold = 0.90
)

// DefaultDeniedCategories never auto-send regardless of trust.
var DefaultDeniedCategories = []string{"hostile", "legal_threat", "bulk_license", "other"}

// Policy is the gate's loaded ruleset.
type Policy struct {
	DeniedCategories    []string `yaml:"denied_categories"`
	TrustThreshold      float64  `yaml:"trust_threshold"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	// MinSamples overrides the strategy's evidence floor when > 0.
	MinSamples float64 `yaml:"min_samples"`
}

func DefaultPolicy() Policy {
	return Policy{
		DeniedCategories:    append([]string(nil), DefaultDeniedCategories...),
		TrustThreshold:      DefaultTrustThreshold,
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// LoadPolicy reads a YAML policy file. Missing fields keep defaults.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if p.TrustThreshold <= 0 {
		p.TrustThreshold = DefaultTrustThreshold
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return p, nil
}

// Decision is the gate's verdict with the reason that produced it.
type Decision struct {
	AutoSend bool
	Reason   string
	Score    trust.Score
}

// ScoreReader is the slice of the trust scorer the gate needs.
type ScoreReader interface {
	CurrentScore(ctx context.Context, appID, category string) (trust.Score, error)
	Strategy() trust.Strategy
}

// Gate decides whether a drafted reply may go out without human review.
type Gate struct {
	scorer ScoreReader
	log    *slog.Logger
	bus    *bus.Bus

	mu     sync.RWMutex
	policy Policy
	denied map[string]struct{}
}

func New(scorer ScoreReader, policy Policy, log *slog.Logger, eventBus *bus.Bus) *Gate {
	g := &Gate{scorer: scorer, log: log, bus: eventBus}
	if g.log == nil {
		g.log = slog.Default()
	}
	g.SetPolicy(policy)
	return g
}

// SetPolicy swaps the ruleset, for config reload without restart.
func (g *Gate) SetPolicy(p Policy) {
	denied := make(map[string]struct{}, len(p.DeniedCategories))
	for _, c := range p.DeniedCategories {
		denied[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	g.mu.Lock()
	g.policy = p
	g.denied = denied
	g.mu.Unlock()
}

// CurrentPolicy returns a copy of the active ruleset.
func (g *Gate) CurrentPolicy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p := g.policy
	p.DeniedCategories = append([]string(nil), g.policy.DeniedCategories...)
	sort.Strings(p.DeniedCategories)
	return p
}

// Evaluate runs the full conjunction for one (app, category): category
// not denied, enough evidence, trust and confidence strictly above
// their thresholds. Every decision is published for the audit trail.
func (g *Gate) Evaluate(ctx context.Context, appID, category string) (Decision, error) {
	score, err := g.scorer.CurrentScore(ctx, appID, category)
	if err != nil {
		return Decision{}, fmt.Errorf("score %s/%s: %w", appID, category, err)
	}
	d := g.decide(category, score)
	g.log.Info("auto-send decision",
		"app_id", appID, "category", category,
		"auto_send", d.AutoSend, "reason", d.Reason,
		"trust", score.Trust, "confidence", score.Confidence, "samples", score.Samples)
	if g.bus != nil {
		g.bus.Publish(bus.TopicGateDecision, bus.GateEvent{
			AppID:    appID,
			Category: category,
			Allowed:  d.AutoSend,
			Reason:   d.Reason,
		})
	}
	return d, nil
}

func (g *Gate) decide(category string, score trust.Score) Decision {
	g.mu.RLock()
	policy := g.policy
	_, deniedCategory := g.denied[strings.ToLower(strings.TrimSpace(category))]
	g.mu.RUnlock()

	minSamples := policy.MinSamples
	if minSamples <= 0 {
		minSamples = g.scorer.Strategy().MinSamples()
	}

	d := Decision{Score: score}
	switch {
	case deniedCategory:
		d.Reason = fmt.Sprintf("category %q is denied by policy", category)
	case score.Samples < minSamples:
		d.Reason = fmt.Sprintf("insufficient evidence: %.1f samples, floor %.0f", score.Samples, minSamples)
	case score.Trust <= policy.TrustThreshold:
		d.Reason = fmt.Sprintf("trust %.3f not above %.2f", score.Trust, policy.TrustThreshold)
	case score.Confidence <= policy.ConfidenceThreshold:
		d.Reason = fmt.Sprintf("confidence %.3f not above %.2f", score.Confidence, policy.ConfidenceThreshold)
	default:
		d.AutoSend = true
		d.Reason = "all conditions met"
	}
	return d
}
