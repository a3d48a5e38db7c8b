// Package natsapproval backs policy.ApprovalChannel with a NATS
// request-reply round trip, so a PROMPT-mode policy's approval wait
// can be resolved by an external approver process (a chat bot, a web
// console) rather than blocking in-process.
//
// Grounded on fyrsmithlabs-contextd's use of github.com/nats-io/nats.go
// for its out-of-process worker coordination, adapted here from
// fire-and-forget publish/subscribe to a synchronous request-reply
// exchange matching the teacher's agent/control.go
// handleControlRequest/sendControlResponse round trip, generalized
// from "one control socket per CLI child" to "one NATS subject per
// approval decision".
package natsapproval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/coyaSONG/tab/policy"
)

// Channel implements policy.ApprovalChannel over a NATS connection.
// Each Approve call publishes a request on subject and waits for a
// single reply carrying a decision.
type Channel struct {
	nc      *nats.Conn
	subject string
}

// New constructs a Channel. subject is the NATS subject the external
// approver subscribes to and replies on (request-reply semantics are
// native to NATS, so no separate reply subject needs naming here).
func New(nc *nats.Conn, subject string) *Channel {
	return &Channel{nc: nc, subject: subject}
}

// request is the wire shape of an approval ask.
type request struct {
	SessionID string   `json:"session_id"`
	PolicyID  string   `json:"policy_id"`
	FromAgent string   `json:"from_agent"`
	ToAgent   string   `json:"to_agent"`
	ToolsHint []string `json:"tools_hint"`
	Reason    string   `json:"reason"`
}

// response is the wire shape of an approval decision.
type response struct {
	Approved bool   `json:"approved"`
	Detail   string `json:"detail,omitempty"`
}

// Approve publishes the request and blocks for a reply until ctx is
// done. A ctx deadline (set by policy.Enforcer at DefaultApprovalWait)
// is what actually bounds the wait; NATS itself has no notion of the
// caller's deadline.
func (c *Channel) Approve(ctx context.Context, req policy.ApprovalRequest) (bool, error) {
	payload, err := json.Marshal(request{
		SessionID: req.SessionID,
		PolicyID:  req.PolicyID,
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		ToolsHint: req.ToolsHint,
		Reason:    req.Reason,
	})
	if err != nil {
		return false, fmt.Errorf("natsapproval: encoding request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject, payload)
	if err != nil {
		return false, err
	}

	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return false, fmt.Errorf("natsapproval: decoding response: %w", err)
	}
	return resp.Approved, nil
}
