package turn

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(NewSessionInput{
		Participants: []string{"claude", "codex"},
		Topic:        "refactor the payments module",
		PolicyID:     "default",
		MaxTurns:     10,
		Budget:       decimal.NewFromFloat(1.00),
	})
	if err != nil {
		t.Fatalf("unexpected error constructing session: %v", err)
	}
	return s
}

func appendTurn(t *testing.T, s *Session, from, to string, cost float64) *Message {
	t.Helper()
	m, err := NewMessage(NewMessageInput{
		SessionID: s.ID(),
		FromAgent: from,
		ToAgent:   to,
		Role:      RoleAssistant,
		Content:   "some content",
		Cost:      decimal.NewFromFloat(cost),
	})
	if err != nil {
		t.Fatalf("unexpected error constructing message: %v", err)
	}
	if err := s.Append(m); err != nil {
		t.Fatalf("unexpected error appending: %v", err)
	}
	return m
}

func TestNewSessionRejectsFewerThanTwoParticipants(t *testing.T) {
	_, err := NewSession(NewSessionInput{
		Participants: []string{"claude"},
		Topic:        "x",
		PolicyID:     "default",
		MaxTurns:     5,
		Budget:       decimal.NewFromFloat(1),
	})
	if err == nil {
		t.Fatal("expected error for single participant")
	}
}

func TestNewSessionRejectsZeroBudget(t *testing.T) {
	_, err := NewSession(NewSessionInput{
		Participants: []string{"a", "b"},
		Topic:        "x",
		PolicyID:     "default",
		MaxTurns:     5,
		Budget:       decimal.Zero,
	})
	if err == nil {
		t.Fatal("expected error for zero budget")
	}
}

func TestAppendTracksTurnCountAndCost(t *testing.T) {
	s := newTestSession(t)
	appendTurn(t, s, "claude", "codex", 0.10)
	time.Sleep(time.Millisecond)
	appendTurn(t, s, "codex", "claude", 0.05)

	if s.CurrentTurn() != len(s.TurnHistory()) {
		t.Fatalf("current_turn (%d) must equal len(turn_history) (%d)", s.CurrentTurn(), len(s.TurnHistory()))
	}
	if s.CurrentTurn() != 2 {
		t.Fatalf("expected 2 turns, got %d", s.CurrentTurn())
	}
	if !s.TotalCost().Equal(decimal.NewFromFloat(0.15)) {
		t.Fatalf("expected total cost 0.15, got %s", s.TotalCost())
	}
}

func TestAppendRejectsNonParticipant(t *testing.T) {
	s := newTestSession(t)
	m, err := NewMessage(NewMessageInput{
		SessionID: s.ID(),
		FromAgent: "intruder",
		ToAgent:   "claude",
		Role:      RoleAssistant,
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Append(m); err == nil {
		t.Fatal("expected error appending turn from a non-participant")
	}
}

func TestAppendRejectsAfterTerminal(t *testing.T) {
	s := newTestSession(t)
	appendTurn(t, s, "claude", "codex", 0.10)
	if err := s.Complete(StatusCompleted); err != nil {
		t.Fatalf("unexpected error completing session: %v", err)
	}

	m, err := NewMessage(NewMessageInput{
		SessionID: s.ID(),
		FromAgent: "codex",
		ToAgent:   "claude",
		Role:      RoleAssistant,
		Content:   "too late",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Append(m); err == nil {
		t.Fatal("expected error appending to a terminal session")
	}
}

func TestCompleteIsOneWay(t *testing.T) {
	s := newTestSession(t)
	if err := s.Complete(StatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Complete(StatusFailed); err == nil {
		t.Fatal("expected error re-completing an already-terminal session")
	}
	if err := s.Complete(StatusActive); err == nil {
		t.Fatal("expected error transitioning back to ACTIVE")
	}
}

func TestShouldAutoCompleteOnResourceExhaustion(t *testing.T) {
	s := newTestSession(t)
	appendTurn(t, s, "claude", "codex", 0.98)

	got := s.ShouldAutoComplete(ConvergenceResult{
		Signals:    ConvergenceSignals{ResourceExhaustion: true},
		Confidence: 0.6,
	})
	if !got {
		t.Fatal("expected auto-complete once cost is within 95% of budget")
	}
}

func TestShouldAutoCompleteRequiresConfidenceThreshold(t *testing.T) {
	s := newTestSession(t)
	appendTurn(t, s, "claude", "codex", 0.98)

	got := s.ShouldAutoComplete(ConvergenceResult{
		Signals:    ConvergenceSignals{ResourceExhaustion: true},
		Confidence: 0.59,
	})
	if got {
		t.Fatal("expected no auto-complete below the confidence threshold")
	}
}

func TestShouldAutoCompleteOnExplicitCompletion(t *testing.T) {
	s := newTestSession(t)
	got := s.ShouldAutoComplete(ConvergenceResult{
		Signals:    ConvergenceSignals{ExplicitCompletion: true},
		Confidence: 0.8,
	})
	if !got {
		t.Fatal("expected auto-complete on high-confidence explicit completion")
	}
}

func TestStatusReportIndicatesApproachingLimits(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < 8; i++ {
		appendTurn(t, s, "claude", "codex", 0.01)
		time.Sleep(time.Microsecond)
	}
	report := s.StatusReport()
	found := false
	for _, ind := range report.Indicators {
		if ind == "approaching_turn_limit" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected approaching_turn_limit indicator, got %v", report.Indicators)
	}
}
