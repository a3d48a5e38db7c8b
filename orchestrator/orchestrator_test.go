package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/adapter"
	"github.com/coyaSONG/tab/audit"
	"github.com/coyaSONG/tab/errs"
	"github.com/coyaSONG/tab/policy"
	"github.com/coyaSONG/tab/registry"
	"github.com/coyaSONG/tab/turn"
)

func newTestSession(t *testing.T, maxTurns int, budget float64) *turn.Session {
	t.Helper()
	s, err := turn.NewSession(turn.NewSessionInput{
		Participants: []string{"claude", "codex"},
		Topic:        "orchestrator test",
		PolicyID:     "default",
		MaxTurns:     maxTurns,
		Budget:       decimal.NewFromFloat(budget),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func newOrchestrator(t *testing.T, reg *registry.Registry) (*Orchestrator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	journal := audit.NewWriter(&buf)
	return New(Config{}, reg, policy.NewEnforcer(nil), journal, nil, nil), &buf
}

func registerBuiltin(t *testing.T, reg *registry.Registry, id, kind string, fa *fakeAdapter) {
	t.Helper()
	if err := reg.Register(registry.Descriptor{
		AgentID:  id,
		Kind:     kind,
		Strategy: registry.StrategyBuiltin,
		Factory:  func() (adapter.Adapter, error) { return fa, nil },
	}); err != nil {
		t.Fatalf("unexpected error registering %s: %v", id, err)
	}
}

// TestRunConvergesOnExplicitCompletion exercises an explicit completion
// with turn and cost budget far from exhausted (max_turns=4, of which
// only 1 is used, against a 1.00 budget and a one-cent-per-turn fake
// adapter): convergence's own ShouldContinue already goes false on a
// bare explicit-completion signal, so checkConvergence stops the
// session here without needing the composite confidence score to cross
// ShouldAutoComplete's 0.8 gate.
func TestRunConvergesOnExplicitCompletion(t *testing.T) {
	reg := registry.New()
	registerBuiltin(t, reg, "claude", "claude", &fakeAdapter{id: "claude", outputs: []string{"task complete"}})
	registerBuiltin(t, reg, "codex", "codex", &fakeAdapter{id: "codex"})

	orc, _ := newOrchestrator(t, reg)
	sess := newTestSession(t, 4, 1.0)
	pol, err := policy.NewPolicy(policy.NewPolicyInput{ID: "default", PermissionMode: policy.ModeAuto})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := orc.Run(context.Background(), sess, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonExplicitCompletion {
		t.Fatalf("expected EXPLICIT_COMPLETION, got %s", reason)
	}
	if sess.Status() != turn.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", sess.Status())
	}
}

func TestRunStopsOnBudgetExhaustion(t *testing.T) {
	reg := registry.New()
	expensive := &fakeAdapter{id: "claude"}
	expensive.outputs = []string{"spending", "spending", "spending", "spending", "spending"}
	registerBuiltin(t, reg, "claude", "claude", expensive)
	registerBuiltin(t, reg, "codex", "codex", &fakeAdapter{id: "codex", outputs: []string{"spending", "spending", "spending", "spending", "spending"}})

	orc, _ := newOrchestrator(t, reg)
	sess := newTestSession(t, 20, 0.03) // small budget, each turn costs 0.01
	pol, _ := policy.NewPolicy(policy.NewPolicyInput{ID: "default", PermissionMode: policy.ModeAuto})

	reason, err := orc.Run(context.Background(), sess, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %s", reason)
	}
	if sess.Status() != turn.StatusCompleted {
		t.Fatalf("expected COMPLETED (auto-completed on exhaustion), got %s", sess.Status())
	}
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	reg := registry.New()
	flaky := &fakeAdapter{
		id:      "claude",
		errs:    []error{&errs.AdapterTransientError{AgentID: "claude", Cause: errors.New("timeout")}},
		outputs: []string{"", "task complete"},
	}
	registerBuiltin(t, reg, "claude", "claude", flaky)
	registerBuiltin(t, reg, "codex", "codex", &fakeAdapter{id: "codex"})

	orc, _ := newOrchestrator(t, reg)
	sess := newTestSession(t, 2, 5.0)
	pol, _ := policy.NewPolicy(policy.NewPolicyInput{ID: "default", PermissionMode: policy.ModeAuto})

	reason, err := orc.Run(context.Background(), sess, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonExplicitCompletion {
		t.Fatalf("expected EXPLICIT_COMPLETION after retry, got %s", reason)
	}
	if flaky.calls < 2 {
		t.Fatalf("expected at least 2 calls (1 failure + 1 retry), got %d", flaky.calls)
	}
}

func TestRunFailsSessionOnPermanentAdapterFailure(t *testing.T) {
	reg := registry.New()
	broken := &fakeAdapter{
		id: "claude",
		errs: []error{
			&errs.AdapterTransientError{AgentID: "claude", Cause: errors.New("down")},
			&errs.AdapterTransientError{AgentID: "claude", Cause: errors.New("down")},
			&errs.AdapterTransientError{AgentID: "claude", Cause: errors.New("down")},
		},
	}
	registerBuiltin(t, reg, "claude", "claude", broken)
	registerBuiltin(t, reg, "codex", "codex", &fakeAdapter{id: "codex"})

	orc, _ := newOrchestrator(t, reg)
	sess := newTestSession(t, 10, 5.0)
	pol, _ := policy.NewPolicy(policy.NewPolicyInput{ID: "default", PermissionMode: policy.ModeAuto})

	reason, err := orc.Run(context.Background(), sess, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonAdapterFailure {
		t.Fatalf("expected ADAPTER_FAILURE, got %s", reason)
	}
	if sess.Status() != turn.StatusFailed {
		t.Fatalf("expected FAILED, got %s", sess.Status())
	}
}

func TestRunFailsSessionOnPermanentPolicyDenialWithoutConsumingBudget(t *testing.T) {
	reg := registry.New()
	registerBuiltin(t, reg, "claude", "claude", &fakeAdapter{id: "claude"})
	registerBuiltin(t, reg, "codex", "codex", &fakeAdapter{id: "codex"})

	var buf bytes.Buffer
	journal := audit.NewWriter(&buf)
	orc := New(Config{}, reg, policy.NewEnforcer(policy.DenyAllApprovalChannel{}), journal, nil, nil)
	sess := newTestSession(t, 2, 5.0)
	pol, _ := policy.NewPolicy(policy.NewPolicyInput{ID: "default", PermissionMode: policy.ModePrompt})

	done := make(chan struct{})
	var reason TerminationReason
	go func() {
		reason, _ = orc.Run(context.Background(), sess, pol)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not terminate a fully-denied session")
	}

	if reason != ReasonPolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %s", reason)
	}
	if sess.Status() != turn.StatusFailed {
		t.Fatalf("expected FAILED, got %s", sess.Status())
	}
	if sess.TotalCost().Sign() != 0 {
		t.Fatalf("expected no cost consumed for a denied session, got %s", sess.TotalCost())
	}
}

// TestRunStaysActiveAcrossRepeatedPolicyBlocksThenFails pins down the
// post-validation BLOCK path: a single denial must not fail the session
// immediately (spec.md §7/§8 scenario 4, "the session remains ACTIVE
// and the loop proceeds to convergence evaluation"). Every turn here
// references a disallowed tool, so the policy blocks every single one;
// a rejected turn does not advance the turn count, so the same speaker
// is asked again, and the loop keeps going past the first block and
// only fails once consecutiveRejections exceeds the configured bound.
func TestRunStaysActiveAcrossRepeatedPolicyBlocksThenFails(t *testing.T) {
	reg := registry.New()
	alwaysBlocked := []string{
		"forbidden-tool output 1", "forbidden-tool output 2", "forbidden-tool output 3",
		"forbidden-tool output 4", "forbidden-tool output 5", "forbidden-tool output 6",
	}
	claude := &fakeAdapter{id: "claude", outputs: alwaysBlocked}
	codex := &fakeAdapter{id: "codex", outputs: alwaysBlocked}
	registerBuiltin(t, reg, "claude", "claude", claude)
	registerBuiltin(t, reg, "codex", "codex", codex)

	var buf bytes.Buffer
	journal := audit.NewWriter(&buf)
	orc := New(Config{MaxConsecutiveRejections: 2}, reg, policy.NewEnforcer(nil), journal, nil, nil)
	sess := newTestSession(t, 20, 5.0)
	pol, err := policy.NewPolicy(policy.NewPolicyInput{
		ID:              "default",
		PermissionMode:  policy.ModeAuto,
		DisallowedTools: []string{"forbidden-tool"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := orc.Run(context.Background(), sess, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonTurnRejected {
		t.Fatalf("expected TURN_REJECTED, got %s", reason)
	}
	if sess.Status() != turn.StatusFailed {
		t.Fatalf("expected FAILED, got %s", sess.Status())
	}
	// MaxConsecutiveRejections=2 means the loop must survive the first
	// two blocked turns before failing on the third, so at least three
	// adapter calls should have actually been made.
	if claude.calls+codex.calls < 3 {
		t.Fatalf("expected the loop to proceed past the first policy block, got %d total calls", claude.calls+codex.calls)
	}
	if sess.TotalCost().Sign() != 0 {
		t.Fatalf("expected no cost consumed, since a rejected turn is never appended, got %s", sess.TotalCost())
	}
}

func TestRunHonorsCancellationBeforeStart(t *testing.T) {
	reg := registry.New()
	registerBuiltin(t, reg, "claude", "claude", &fakeAdapter{id: "claude", outputs: []string{"a", "b"}})
	registerBuiltin(t, reg, "codex", "codex", &fakeAdapter{id: "codex", outputs: []string{"a", "b"}})

	orc, _ := newOrchestrator(t, reg)
	sess := newTestSession(t, 20, 1000.0)
	pol, _ := policy.NewPolicy(policy.NewPolicyInput{ID: "default", PermissionMode: policy.ModeAuto})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason, err := orc.Run(ctx, sess, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonCancelled {
		t.Fatalf("expected CANCELLED, got %s", reason)
	}
	if sess.Status() != turn.StatusTimeout {
		t.Fatalf("expected TIMEOUT status for a cancelled run, got %s", sess.Status())
	}
}
