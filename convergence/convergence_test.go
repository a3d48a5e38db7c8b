package convergence

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/turn"
)

func newSession(t *testing.T, maxTurns int, budget float64) *turn.Session {
	t.Helper()
	s, err := turn.NewSession(turn.NewSessionInput{
		Participants: []string{"claude", "codex"},
		Topic:        "converge test",
		PolicyID:     "default",
		MaxTurns:     maxTurns,
		Budget:       decimal.NewFromFloat(budget),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func appendContent(t *testing.T, s *turn.Session, from, to, content string, cost float64) {
	t.Helper()
	m, err := turn.NewMessage(turn.NewMessageInput{
		SessionID: s.ID(),
		FromAgent: from,
		ToAgent:   to,
		Role:      turn.RoleAssistant,
		Content:   content,
		Cost:      decimal.NewFromFloat(cost),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Append(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(time.Microsecond)
}

func TestAnalyzeDetectsExplicitCompletion(t *testing.T) {
	s := newSession(t, 10, 1.0)
	appendContent(t, s, "claude", "codex", "I think the fix is ready.", 0.01)
	appendContent(t, s, "codex", "claude", "Agreed, task complete.", 0.01)

	res := Analyze(s, DefaultConfig())
	if !res.Signals.ExplicitCompletion {
		t.Fatal("expected explicit_completion signal")
	}
	if res.ShouldContinue {
		t.Fatal("expected should_continue=false")
	}
	if res.DominantSignal != "EXPLICIT_COMPLETION" {
		t.Fatalf("expected dominant signal EXPLICIT_COMPLETION, got %s", res.DominantSignal)
	}
}

func TestAnalyzeDetectsRepetition(t *testing.T) {
	s := newSession(t, 10, 1.0)
	same := "we should refactor the payments module to use a shared client"
	appendContent(t, s, "claude", "codex", same, 0.01)
	appendContent(t, s, "codex", "claude", same, 0.01)
	appendContent(t, s, "claude", "codex", same, 0.01)

	res := Analyze(s, DefaultConfig())
	if !res.Signals.RepetitiveContent {
		t.Fatal("expected repetitive_content signal on near-identical turns")
	}
}

func TestAnalyzeDetectsResourceExhaustion(t *testing.T) {
	s := newSession(t, 3, 1.0)
	appendContent(t, s, "claude", "codex", "working on it", 0.01)
	appendContent(t, s, "codex", "claude", "still working", 0.01)

	res := Analyze(s, DefaultConfig())
	if !res.Signals.ResourceExhaustion {
		t.Fatal("expected resource_exhaustion with 1 turn remaining")
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	s := newSession(t, 10, 1.0)
	appendContent(t, s, "claude", "codex", "first pass at the plan", 0.01)
	appendContent(t, s, "codex", "claude", "looks reasonable, some edge cases missing", 0.02)

	first := Analyze(s, DefaultConfig())
	second := Analyze(s, DefaultConfig())
	if first.Signals != second.Signals || first.Confidence != second.Confidence || first.ShouldContinue != second.ShouldContinue {
		t.Fatalf("expected identical results across runs, got %+v vs %+v", first, second)
	}
}

func TestAnalyzeDetectsQualityDegradation(t *testing.T) {
	s := newSession(t, 10, 1.0)
	long := "this is a fairly long and detailed explanation of the proposed change covering edge cases and rationale"
	appendContent(t, s, "claude", "codex", long, 0.01)
	appendContent(t, s, "codex", "claude", long+" plus some more detail to keep the average high", 0.01)
	appendContent(t, s, "claude", "codex", "ok", 0.01)
	appendContent(t, s, "codex", "claude", "ok", 0.01)
	appendContent(t, s, "claude", "codex", "ok", 0.01)

	res := Analyze(s, DefaultConfig())
	if !res.Signals.QualityDegradation {
		t.Fatal("expected quality_degradation once recent turns collapse in length")
	}
}
