// Package convergence implements the Budget & Convergence Controller
// (spec.md C4): a pure, deterministic function that looks at a
// session's recent turns and resource state and produces a
// turn.ConvergenceResult. It holds no state of its own and performs no
// I/O, matching the "never blocks, never suspends" constraint on C1's
// should_auto_complete that consumes its output.
//
// The shingle-similarity idiom is grounded on
// other_examples/b59a2683 (Mycelica), which computes a Jaccard-like
// score over normalized token shingles to detect near-duplicate
// content; this package adapts it from "dedupe two documents" to
// "detect a conversation looping on itself".
package convergence

import (
	"strings"

	"github.com/coyaSONG/tab/turn"
)

// Config tunes every threshold spec.md §4.4 leaves configurable.
type Config struct {
	ShingleSize         int
	SimilarityThreshold float64
	CompletionPhrases   []string
	ExhaustionCostRatio float64
	DegradationRatio    float64
}

// DefaultConfig matches the defaults named in spec.md §4.4.
func DefaultConfig() Config {
	return Config{
		ShingleSize:         3,
		SimilarityThreshold: 0.85,
		CompletionPhrases:   []string{"task complete", "resolved", "합의", "final answer"},
		ExhaustionCostRatio: 0.05,
		DegradationRatio:    0.20,
	}
}

// Analyze computes the convergence signal set and composite
// confidence for sess's current state. It is deterministic: calling
// it twice on the same session state yields identical output.
func Analyze(sess *turn.Session, cfg Config) turn.ConvergenceResult {
	history := sess.TurnHistory()

	signals := turn.ConvergenceSignals{
		RepetitiveContent:  detectRepetition(history, cfg),
		ExplicitCompletion: detectExplicitCompletion(history, cfg),
		ResourceExhaustion: detectResourceExhaustion(sess, cfg),
		QualityDegradation: detectQualityDegradation(history, cfg),
	}

	var confidence float64
	if signals.ExplicitCompletion {
		confidence += 0.5
	}
	if signals.ResourceExhaustion {
		confidence += 0.3
	}
	if signals.RepetitiveContent {
		confidence += 0.15
	}
	if signals.QualityDegradation {
		confidence += 0.05
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	shouldContinue := !(signals.ExplicitCompletion ||
		signals.ResourceExhaustion ||
		(signals.RepetitiveContent && signals.QualityDegradation))

	dominant, recommendations := dominate(signals)

	return turn.ConvergenceResult{
		Signals:         signals,
		ShouldContinue:  shouldContinue,
		Confidence:      confidence,
		DominantSignal:  dominant,
		Recommendations: recommendations,
	}
}

// dominate picks the highest-weight true signal and its
// recommendation text, following the same weight ordering as the
// confidence sum (explicit > exhaustion > repetitive > degradation).
func dominate(s turn.ConvergenceSignals) (string, []string) {
	switch {
	case s.ExplicitCompletion:
		return "EXPLICIT_COMPLETION", []string{"an agent signaled completion; finalize the session"}
	case s.ResourceExhaustion:
		return "RESOURCE_EXHAUSTION", []string{"turn or cost budget is nearly exhausted; wrap up or raise limits"}
	case s.RepetitiveContent:
		return "REPETITIVE_CONTENT", []string{"agents are repeating prior content; consider ending or redirecting the conversation"}
	case s.QualityDegradation:
		return "QUALITY_DEGRADATION", []string{"recent turns have collapsed in length; consider ending the session"}
	default:
		return "", nil
	}
}

func detectResourceExhaustion(sess *turn.Session, cfg Config) bool {
	turnsRemaining := sess.MaxTurns() - sess.CurrentTurn()
	if turnsRemaining <= 1 {
		return true
	}
	budget := sess.Budget()
	if budget.IsZero() {
		return false
	}
	costRemaining := budget.Sub(sess.TotalCost())
	ratio, _ := costRemaining.Div(budget).Float64()
	return ratio <= cfg.ExhaustionCostRatio
}

func detectExplicitCompletion(history []*turn.Message, cfg Config) bool {
	if len(history) == 0 {
		return false
	}
	last := strings.ToLower(history[len(history)-1].Content)
	for _, phrase := range cfg.CompletionPhrases {
		if strings.Contains(last, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func detectQualityDegradation(history []*turn.Message, cfg Config) bool {
	if len(history) == 0 {
		return false
	}
	var total int
	for _, t := range history {
		total += len(t.Content)
	}
	sessionAvg := float64(total) / float64(len(history))
	if sessionAvg == 0 {
		return false
	}

	window := history
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	var recentTotal int
	for _, t := range window {
		recentTotal += len(t.Content)
	}
	recentAvg := float64(recentTotal) / float64(len(window))

	return recentAvg < cfg.DegradationRatio*sessionAvg
}

func detectRepetition(history []*turn.Message, cfg Config) bool {
	if len(history) < 2 {
		return false
	}
	last := shingles(history[len(history)-1].Content, cfg.ShingleSize)
	if len(last) == 0 {
		return false
	}

	start := len(history) - 4
	if start < 0 {
		start = 0
	}
	for i := len(history) - 2; i >= start; i-- {
		prior := shingles(history[i].Content, cfg.ShingleSize)
		if jaccard(last, prior) >= cfg.SimilarityThreshold {
			return true
		}
	}
	return false
}

// shingles tokenizes content into lowercase word tokens and returns
// the set of contiguous token n-grams of size k.
func shingles(content string, k int) map[string]struct{} {
	tokens := strings.Fields(strings.ToLower(content))
	if k < 1 {
		k = 1
	}
	if len(tokens) < k {
		if len(tokens) == 0 {
			return nil
		}
		k = len(tokens)
	}
	set := make(map[string]struct{}, len(tokens))
	for i := 0; i+k <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+k], " ")] = struct{}{}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b| over two shingle sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for s := range a {
		if _, ok := b[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
