// Package turn implements the Turn Message & Session Model (spec.md
// C1): the typed records, their invariants, and the append-only
// session state machine every other component operates against.
//
// The shape follows agent/message.go from the teacher SDK — a typed
// message hierarchy distinguished by an unexported marker method — but
// generalizes it from "one CLI's output kinds" to "one session's
// immutable turn history shared by N agents".
package turn

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/errs"
)

// Role identifies who produced a turn's content.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// Attachment describes a file-like artifact carried alongside a turn's
// content (spec.md §3).
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Digest      string // optional
}

// PolicySnapshot freezes the allow/deny set in effect when a turn was
// produced. Turns carry this by value, never a pointer to a mutable
// policy, per spec.md §9 ("store relations by id").
type PolicySnapshot struct {
	PolicyID        string
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
}

// Message is a single immutable, appended record of one agent
// addressing another within a session.
type Message struct {
	ID          string
	SessionID   string
	FromAgent   string
	ToAgent     string
	Role        Role
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
	Cost        decimal.Decimal
	Duration    time.Duration
	Policy      PolicySnapshot
}

// NewMessageInput groups the caller-supplied fields for NewMessage; the
// identity and timestamp are assigned by the constructor so that two
// turns can never collide or appear out of order by construction.
type NewMessageInput struct {
	SessionID   string
	FromAgent   string
	ToAgent     string
	Role        Role
	Content     string
	Attachments []Attachment
	Cost        decimal.Decimal
	Duration    time.Duration
	Policy      PolicySnapshot
}

// NewMessage validates and constructs a turn. It does not append the
// turn to any session — Session.Append is the sole mutator of turn
// history (spec.md §4.1).
func NewMessage(in NewMessageInput) (*Message, error) {
	if in.SessionID == "" {
		return nil, &errs.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if in.FromAgent == "" || in.ToAgent == "" {
		return nil, &errs.ValidationError{Field: "from_agent/to_agent", Reason: "must not be empty"}
	}
	if in.FromAgent == in.ToAgent {
		return nil, &errs.ValidationError{Field: "to_agent", Reason: "must differ from from_agent"}
	}
	switch in.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, &errs.ValidationError{Field: "role", Reason: "unrecognized role"}
	}
	if in.Content == "" {
		return nil, &errs.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if in.Cost.IsNegative() {
		return nil, &errs.ValidationError{Field: "cost", Reason: "must not be negative"}
	}

	return &Message{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		FromAgent:   in.FromAgent,
		ToAgent:     in.ToAgent,
		Role:        in.Role,
		Content:     in.Content,
		Attachments: in.Attachments,
		Timestamp:   time.Now().UTC(),
		Cost:        in.Cost,
		Duration:    in.Duration,
		Policy:      in.Policy,
	}, nil
}
