package policy

import (
	"context"
	"time"
)

// ApprovalRequest describes a planned turn awaiting a human or external
// decision under PROMPT permission mode.
type ApprovalRequest struct {
	SessionID string
	PolicyID  string
	FromAgent string
	ToAgent   string
	ToolsHint []string
	Reason    string
}

// ApprovalChannel is the external collaborator that resolves
// REQUIRE_APPROVAL verdicts (spec.md §1, "approval channel"). It
// mirrors the request/response round trip of the teacher's
// agent/control.go handleControlRequest, generalized from "one control
// socket per CLI child" to "one pluggable channel per policy".
//
// Approve must be safe to call from multiple goroutines and must
// honor ctx: once ctx is done, it returns ctx.Err() rather than
// blocking further. Concrete backings (NATS request-reply, a terminal
// prompt, a web hook) live outside this package.
type ApprovalChannel interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// DefaultApprovalWait is the bounded wait applied to a REQUIRE_APPROVAL
// verdict when the caller does not impose its own deadline (spec.md
// §4.3). A timeout resolves to BLOCK, never to ALLOW.
const DefaultApprovalWait = 30 * time.Second

// AutoApprovalChannel always approves. It exists for AUTO-permission
// policies and tests that never exercise PROMPT mode, and for demo
// wiring where no external approver is configured.
type AutoApprovalChannel struct{}

// Approve implements ApprovalChannel by granting every request.
func (AutoApprovalChannel) Approve(ctx context.Context, _ ApprovalRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

// DenyAllApprovalChannel always refuses, without waiting. Useful for
// exercising the PROMPT-mode path that ends in a BLOCK with
// ReasonApprovalDenied in tests.
type DenyAllApprovalChannel struct{}

// Approve implements ApprovalChannel by refusing every request.
func (DenyAllApprovalChannel) Approve(ctx context.Context, _ ApprovalRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}
