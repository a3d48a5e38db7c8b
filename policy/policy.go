// Package policy implements the Policy Enforcer (spec.md C3): the
// data model for a named bundle of admission/resource/isolation rules,
// and the two admission gates (pre-turn, post-turn) that sit between
// the orchestrator and every side-effecting action.
//
// The admission-gate shape is grounded on the teacher's
// agent/hooks.go hookChain: first-Deny-wins, Allow short-circuits,
// Continue accumulates — generalized here from "evaluate one tool call
// against a chain of Go-function hooks" to "evaluate one turn request
// against a declarative Policy value".
package policy

import (
	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/turn"
)

// PermissionMode controls how a planned action is admitted.
type PermissionMode string

const (
	ModeAuto   PermissionMode = "AUTO"
	ModePrompt PermissionMode = "PROMPT"
	ModeDeny   PermissionMode = "DENY"
)

// Verdict is the outcome of a single admission decision.
type Verdict string

const (
	VerdictAllow            Verdict = "ALLOW"
	VerdictBlock            Verdict = "BLOCK"
	VerdictRequireApproval  Verdict = "REQUIRE_APPROVAL"
)

// ResourceLimits caps what a single turn may consume.
type ResourceLimits struct {
	MaxExecutionMS int64
	MaxCost        decimal.Decimal
	MaxMemoryMB    int64
}

// PathRule is one entry in an ordered allow/deny prefix-pattern list.
type PathRule struct {
	Prefix string
	Allow  bool
}

// SandboxConfig describes the isolation applied to an adapter's child
// process. Construction of the sandbox itself is an external
// collaborator (spec.md §1); this is only the declared shape the
// adapter must honor.
type SandboxConfig struct {
	DropCapabilities []string
	ReadOnlyPaths    []string
	MaxPIDs          int
	MaxFDs           int
}

// Policy is a named bundle of admission, resource, and isolation rules
// applied uniformly within a session (spec.md §3).
type Policy struct {
	ID                 string
	Name               string
	Description        string
	AllowedTools       map[string]struct{}
	DisallowedTools    map[string]struct{}
	PermissionMode     PermissionMode
	ResourceLimits     ResourceLimits
	FileAccessRules    []PathRule
	NetworkAccessRules []PathRule
	Sandbox            SandboxConfig
	ApprovalRequired   map[string]struct{}
}

// NewPolicyInput groups the fields needed to construct a Policy.
type NewPolicyInput struct {
	ID                 string
	Name               string
	Description        string
	AllowedTools       []string
	DisallowedTools    []string
	PermissionMode     PermissionMode
	ResourceLimits     ResourceLimits
	FileAccessRules    []PathRule
	NetworkAccessRules []PathRule
	Sandbox            SandboxConfig
	ApprovalRequired   []string
}

// policyError reports a malformed Policy definition.
type policyError struct {
	field  string
	reason string
}

func (e *policyError) Error() string { return "policy: " + e.field + ": " + e.reason }

// NewPolicy validates and constructs a Policy. allowed_tools and
// disallowed_tools must be disjoint (spec.md §3).
func NewPolicy(in NewPolicyInput) (*Policy, error) {
	if in.ID == "" {
		return nil, &policyError{field: "id", reason: "must not be empty"}
	}
	switch in.PermissionMode {
	case ModeAuto, ModePrompt, ModeDeny:
	default:
		return nil, &policyError{field: "permission_mode", reason: "unrecognized mode"}
	}

	allowed := toSet(in.AllowedTools)
	disallowed := toSet(in.DisallowedTools)
	for t := range allowed {
		if _, ok := disallowed[t]; ok {
			return nil, &policyError{field: "allowed_tools/disallowed_tools", reason: "must be disjoint: " + t}
		}
	}

	return &Policy{
		ID:                 in.ID,
		Name:               in.Name,
		Description:        in.Description,
		AllowedTools:       allowed,
		DisallowedTools:    disallowed,
		PermissionMode:     in.PermissionMode,
		ResourceLimits:     in.ResourceLimits,
		FileAccessRules:    append([]PathRule(nil), in.FileAccessRules...),
		NetworkAccessRules: append([]PathRule(nil), in.NetworkAccessRules...),
		Sandbox:            in.Sandbox,
		ApprovalRequired:   toSet(in.ApprovalRequired),
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

// Snapshot freezes the bits of a Policy a turn must carry alongside
// itself, by value, per spec.md §9 ("turns carry a policy-snapshot
// value, not a pointer to a mutable policy").
func (p *Policy) Snapshot() turn.PolicySnapshot {
	snap := turn.PolicySnapshot{
		PolicyID:       p.ID,
		PermissionMode: string(p.PermissionMode),
	}
	for t := range p.AllowedTools {
		snap.AllowedTools = append(snap.AllowedTools, t)
	}
	for t := range p.DisallowedTools {
		snap.DisallowedTools = append(snap.DisallowedTools, t)
	}
	return snap
}
