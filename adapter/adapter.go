// Package adapter defines the Agent Adapter Contract (spec.md C2): the
// single capability set every agent-CLI integration must implement,
// and the normalized event/outcome vocabulary the orchestrator
// consumes regardless of which transport produced it.
//
// Concrete transports live in sibling packages: claudecli implements
// LINE_JSON_STDOUT, codexcli implements ROLLOUT_JOURNAL. Both are
// grounded on the teacher's agent/process.go (subprocess lifecycle)
// and agent/parser.go (stream normalization), generalized from "one
// CLI's message shapes" to "any CLI behind this contract".
package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/turn"
)

// EventKind classifies a single normalized event emitted while an
// adapter call is in flight.
type EventKind string

const (
	EventSystemInit  EventKind = "SYSTEM_INIT"
	EventContent     EventKind = "CONTENT"
	EventResult      EventKind = "RESULT"
	EventError       EventKind = "ERROR"
)

// Event is one normalized unit of adapter output. Only EventResult and
// EventError are terminal; all others accumulate into the eventual
// result text.
type Event struct {
	Kind           EventKind
	AgentSessionID string // the child's own session identity, if announced
	ContentChunk   string
	Result         *Outcome
	Err            error
}

// Outcome is the normalized terminal result of a successful adapter
// call (spec.md §4.2: "a single result event carrying full text,
// cost, duration, session id ... plus a success flag and optional
// error").
type Outcome struct {
	Text           string
	Cost           decimal.Decimal
	CostIsEstimate bool // true when the transport could not derive cost from token counts
	Duration       time.Duration
	AgentSessionID string
	Success        bool
	ErrorMessage   string
}

// Limits bounds a single turn's adapter invocation. The orchestrator
// sets Deadline from the policy's resource_limits.max_execution_ms; a
// zero Deadline leaves each adapter's own default. Sessions carry no
// deadline of their own, so none enters this value.
type Limits struct {
	Deadline time.Duration
	MaxCost  decimal.Decimal
}

// SubmitRequest carries everything an adapter needs to produce one
// turn. Context is the pre-filtered recent-turns window from
// turn.Session.Recent, never the full history.
type SubmitRequest struct {
	Prompt    string
	Context   []turn.ChatTurn
	Limits    Limits
	WorkDir   string
	ResumeKey string // agent-reported session id to resume, when the transport supports it
}

// Adapter is the capability set every agent-CLI integration exposes
// (spec.md §4.2). Submit returns a channel of Events closed by the
// adapter once a terminal event has been sent or ctx is done.
//
// Adapters never write to the audit journal directly (spec.md §4.2);
// they return typed outcomes and let the orchestrator record them.
type Adapter interface {
	AgentID() string
	HealthCheck(ctx context.Context) error
	Submit(ctx context.Context, req SubmitRequest) (<-chan Event, error)
	Shutdown(ctx context.Context) error
}
