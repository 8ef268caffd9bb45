package outcome

import (
	"regexp"
	"strings"
)

// Outcome is what happened to an agent draft once the human acted.
type Outcome string

const (
	// OutcomeUnchanged means the human sent the draft essentially as-is.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeMinorEdit means light rewording before sending.
	OutcomeMinorEdit Outcome = "minor_edit"
	// OutcomeMajorRewrite means the sent text shares little with the draft.
	OutcomeMajorRewrite Outcome = "major_rewrite"
	// OutcomeDeleted means the draft sat unresolved past the deletion window.
	OutcomeDeleted Outcome = "deleted"
	// OutcomeNoDraft means the human sent without the agent ever drafting.
	OutcomeNoDraft Outcome = "no_draft"
)

// Default similarity thresholds. At or above Unchanged the draft counts
// as sent verbatim; at or above MinorEdit it counts as lightly edited.
const (
	DefaultUnchangedThreshold = 0.95
	DefaultMinorEditThreshold = 0.70
)

// Thresholds are the classifier's decision boundaries, both inclusive.
type Thresholds struct {
	Unchanged float64
	MinorEdit float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Unchanged: DefaultUnchangedThreshold,
		MinorEdit: DefaultMinorEditThreshold,
	}
}

// Result pairs the classified outcome with the similarity that drove it.
type Result struct {
	Outcome    Outcome
	Similarity float64
}

// Classify compares an agent draft with the text the human actually
// sent. An empty draft means the agent never produced one, which is a
// no_draft outcome regardless of the sent text.
func Classify(draft, sent string, th Thresholds) Result {
	if strings.TrimSpace(draft) == "" {
		return Result{Outcome: OutcomeNoDraft, Similarity: 0}
	}
	sim := Similarity(draft, sent)
	switch {
	case sim >= th.Unchanged:
		return Result{Outcome: OutcomeUnchanged, Similarity: sim}
	case sim >= th.MinorEdit:
		return Result{Outcome: OutcomeMinorEdit, Similarity: sim}
	default:
		return Result{Outcome: OutcomeMajorRewrite, Similarity: sim}
	}
}

// Similarity is the Jaccard index over normalized token sets. Two empty
// texts are identical (1.0); one empty and one not share nothing (0.0).
func Similarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	tokenSplitPattern = regexp.MustCompile(`[\s\p{P}]+`)
)

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

// Normalize strips markup and folds the text so that cosmetic
// differences (rich-text wrappers, entity encoding, case, spacing) do
// not register as edits.
func Normalize(text string) string {
	text = tagPattern.ReplaceAllString(text, " ")
	text = entityReplacer.Replace(text)
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenSplitPattern.Split(Normalize(text), -1) {
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}
