package policy

import (
	"context"
	"strings"

	"github.com/coyaSONG/tab/turn"
)

// Reason codes returned alongside a BLOCK verdict. Neither gate returns
// REQUIRE_APPROVAL: ValidateTurnRequest resolves an approval wait
// itself and returns ALLOW or BLOCK. The orchestrator attaches these verbatim to the POLICY_VIOLATION
// audit record it writes (spec.md §4.6).
const (
	ReasonSessionNotActive   = "SESSION_NOT_ACTIVE"
	ReasonTurnLimitExceeded  = "TURN_LIMIT_EXCEEDED"
	ReasonBudgetExceeded     = "BUDGET_EXCEEDED"
	ReasonNotParticipant     = "NOT_PARTICIPANT"
	ReasonDisallowedTool     = "DISALLOWED_TOOL"
	ReasonNotAllowedTool     = "NOT_ALLOWED_TOOL"
	ReasonPermissionModeDeny = "PERMISSION_MODE_DENY"
	ReasonApprovalTimeout    = "APPROVAL_TIMEOUT"
	ReasonApprovalDenied     = "APPROVAL_DENIED"
	ReasonExecutionTime      = "EXECUTION_TIME_EXCEEDED"
	ReasonCostCeiling        = "COST_CEILING_EXCEEDED"
	ReasonFileAccessDenied   = "FILE_ACCESS_DENIED"
)

// Enforcer evaluates the two admission gates in spec.md §4.3 against a
// single Policy. It holds no session state of its own; every call is
// given the session and policy it must judge.
type Enforcer struct {
	approvals ApprovalChannel
}

// NewEnforcer constructs an Enforcer backed by the given approval
// channel. Pass AutoApprovalChannel{} when the deployment never uses
// PROMPT-mode policies or approval_required tool lists.
func NewEnforcer(approvals ApprovalChannel) *Enforcer {
	if approvals == nil {
		approvals = AutoApprovalChannel{}
	}
	return &Enforcer{approvals: approvals}
}

// ValidateTurnRequest is the pre-admission gate: it runs before an
// adapter is invoked and decides whether the planned turn may proceed
// at all (spec.md §4.3). toolsHint is the set of tools the caller
// expects the adapter to exercise, if known in advance; it may be
// empty when the adapter cannot declare tools ahead of the call.
func (e *Enforcer) ValidateTurnRequest(
	ctx context.Context,
	p *Policy,
	sess *turn.Session,
	fromAgent, toAgent string,
	toolsHint []string,
) (Verdict, string, error) {
	if sess.Status() != turn.StatusActive {
		return VerdictBlock, ReasonSessionNotActive, nil
	}
	if sess.CurrentTurn() >= sess.MaxTurns() {
		return VerdictBlock, ReasonTurnLimitExceeded, nil
	}
	if !sess.Budget().IsZero() && sess.TotalCost().GreaterThanOrEqual(sess.Budget()) {
		return VerdictBlock, ReasonBudgetExceeded, nil
	}
	if !sess.IsParticipant(fromAgent) {
		return VerdictBlock, ReasonNotParticipant, nil
	}

	needsApproval := p.PermissionMode == ModePrompt
	for _, t := range toolsHint {
		if _, blocked := p.DisallowedTools[t]; blocked {
			return VerdictBlock, ReasonDisallowedTool, nil
		}
		if len(p.AllowedTools) > 0 {
			if _, ok := p.AllowedTools[t]; !ok {
				return VerdictBlock, ReasonNotAllowedTool, nil
			}
		}
		if _, ok := p.ApprovalRequired[t]; ok {
			needsApproval = true
		}
	}

	if p.PermissionMode == ModeDeny && len(toolsHint) > 0 {
		return VerdictBlock, ReasonPermissionModeDeny, nil
	}

	if !needsApproval {
		return VerdictAllow, "", nil
	}

	approveCtx, cancel := context.WithTimeout(ctx, DefaultApprovalWait)
	defer cancel()

	ok, err := e.approvals.Approve(approveCtx, ApprovalRequest{
		SessionID: sess.ID(),
		PolicyID:  p.ID,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		ToolsHint: toolsHint,
		Reason:    "policy requires approval",
	})
	if err != nil {
		return VerdictBlock, ReasonApprovalTimeout, nil
	}
	if !ok {
		return VerdictBlock, ReasonApprovalDenied, nil
	}
	return VerdictAllow, "", nil
}

// ValidateTurnResult is the post-validation gate: it runs after an
// adapter has produced a turn and before that turn is appended to the
// session (spec.md §4.3). It rejects a turn whose content references a
// disallowed tool, whose attachments violate file access rules, whose
// execution exceeded the policy's time ceiling, or whose cost pushed
// the session further over budget than a single turn's own reported
// cost could ever account for.
func (e *Enforcer) ValidateTurnResult(p *Policy, sess *turn.Session, produced *turn.Message) (Verdict, string, error) {
	lowerContent := strings.ToLower(produced.Content)
	for t := range p.DisallowedTools {
		if strings.Contains(lowerContent, strings.ToLower(t)) {
			return VerdictBlock, ReasonDisallowedTool, nil
		}
	}

	if len(p.FileAccessRules) > 0 {
		for _, a := range produced.Attachments {
			if !fileAccessAllowed(p.FileAccessRules, a.Name) {
				return VerdictBlock, ReasonFileAccessDenied, nil
			}
		}
	}

	if p.ResourceLimits.MaxExecutionMS > 0 {
		if produced.Duration.Milliseconds() > p.ResourceLimits.MaxExecutionMS {
			return VerdictBlock, ReasonExecutionTime, nil
		}
	}

	newTotal := sess.TotalCost().Add(produced.Cost)
	if !sess.Budget().IsZero() {
		tolerance := sess.Budget().Add(produced.Cost)
		if newTotal.GreaterThan(tolerance) {
			return VerdictBlock, ReasonCostCeiling, nil
		}
	}

	return VerdictAllow, "", nil
}

// fileAccessAllowed applies the longest-matching-prefix rule: the
// most specific rule that matches name decides. No matching rule
// denies by default once any rules are configured.
func fileAccessAllowed(rules []PathRule, name string) bool {
	best := -1
	allow := false
	for _, r := range rules {
		if strings.HasPrefix(name, r.Prefix) && len(r.Prefix) > best {
			best = len(r.Prefix)
			allow = r.Allow
		}
	}
	return best >= 0 && allow
}
