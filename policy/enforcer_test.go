package policy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/turn"
)

func newActiveSession(t *testing.T) *turn.Session {
	t.Helper()
	s, err := turn.NewSession(turn.NewSessionInput{
		Participants: []string{"claude", "codex"},
		Topic:        "policy test",
		PolicyID:     "default",
		MaxTurns:     10,
		Budget:       decimal.NewFromFloat(1.0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestValidateTurnRequestBlocksDisallowedTool(t *testing.T) {
	p, err := NewPolicy(NewPolicyInput{
		ID:              "default",
		PermissionMode:  ModeAuto,
		DisallowedTools: []string{"shell.rm"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := NewEnforcer(nil)
	s := newActiveSession(t)

	verdict, reason, err := e.ValidateTurnRequest(context.Background(), p, s, "claude", "codex", []string{"shell.rm"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictBlock || reason != ReasonDisallowedTool {
		t.Fatalf("expected BLOCK/DISALLOWED_TOOL, got %s/%s", verdict, reason)
	}
}

func TestValidateTurnRequestAllowsWithinAllowedSet(t *testing.T) {
	p, err := NewPolicy(NewPolicyInput{
		ID:             "default",
		PermissionMode: ModeAuto,
		AllowedTools:   []string{"read_file"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := NewEnforcer(nil)
	s := newActiveSession(t)

	verdict, _, err := e.ValidateTurnRequest(context.Background(), p, s, "claude", "codex", []string{"read_file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictAllow {
		t.Fatalf("expected ALLOW, got %s", verdict)
	}
}

func TestValidateTurnRequestBlocksNonParticipant(t *testing.T) {
	p, _ := NewPolicy(NewPolicyInput{ID: "default", PermissionMode: ModeAuto})
	e := NewEnforcer(nil)
	s := newActiveSession(t)

	verdict, reason, err := e.ValidateTurnRequest(context.Background(), p, s, "intruder", "codex", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictBlock || reason != ReasonNotParticipant {
		t.Fatalf("expected BLOCK/NOT_PARTICIPANT, got %s/%s", verdict, reason)
	}
}

func TestValidateTurnRequestPromptModeDeniedToBlock(t *testing.T) {
	p, _ := NewPolicy(NewPolicyInput{ID: "default", PermissionMode: ModePrompt})
	e := NewEnforcer(DenyAllApprovalChannel{})
	s := newActiveSession(t)

	verdict, reason, err := e.ValidateTurnRequest(context.Background(), p, s, "claude", "codex", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictBlock || reason != ReasonApprovalDenied {
		t.Fatalf("expected BLOCK/APPROVAL_DENIED, got %s/%s", verdict, reason)
	}
}

func TestValidateTurnResultBlocksDisallowedToolReference(t *testing.T) {
	p, _ := NewPolicy(NewPolicyInput{ID: "default", PermissionMode: ModeAuto, DisallowedTools: []string{"shell.rm"}})
	e := NewEnforcer(nil)
	s := newActiveSession(t)

	msg, err := turn.NewMessage(turn.NewMessageInput{
		SessionID: s.ID(),
		FromAgent: "claude",
		ToAgent:   "codex",
		Role:      turn.RoleAssistant,
		Content:   "I'll run shell.rm -rf to clean up",
		Duration:  time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verdict, reason, err := e.ValidateTurnResult(p, s, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictBlock || reason != ReasonDisallowedTool {
		t.Fatalf("expected BLOCK/DISALLOWED_TOOL, got %s/%s", verdict, reason)
	}
}

func TestValidateTurnResultBlocksExecutionTimeExceeded(t *testing.T) {
	p, _ := NewPolicy(NewPolicyInput{
		ID:             "default",
		PermissionMode: ModeAuto,
		ResourceLimits: ResourceLimits{MaxExecutionMS: 100},
	})
	e := NewEnforcer(nil)
	s := newActiveSession(t)

	msg, err := turn.NewMessage(turn.NewMessageInput{
		SessionID: s.ID(),
		FromAgent: "claude",
		ToAgent:   "codex",
		Role:      turn.RoleAssistant,
		Content:   "done",
		Duration:  500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verdict, reason, err := e.ValidateTurnResult(p, s, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictBlock || reason != ReasonExecutionTime {
		t.Fatalf("expected BLOCK/EXECUTION_TIME_EXCEEDED, got %s/%s", verdict, reason)
	}
}

func TestValidateTurnResultTreatsOneTurnOvershootAsTolerated(t *testing.T) {
	p, _ := NewPolicy(NewPolicyInput{ID: "default", PermissionMode: ModeAuto})
	e := NewEnforcer(nil)
	s := newActiveSession(t) // budget 1.0

	msg, err := turn.NewMessage(turn.NewMessageInput{
		SessionID: s.ID(),
		FromAgent: "claude",
		ToAgent:   "codex",
		Role:      turn.RoleAssistant,
		Content:   "final push",
		Cost:      decimal.NewFromFloat(1.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verdict, _, err := e.ValidateTurnResult(p, s, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictAllow {
		t.Fatalf("expected the first overshoot to be tolerated, got %s", verdict)
	}
}
