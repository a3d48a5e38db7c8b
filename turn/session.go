package turn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/errs"
)

// Status is a session's lifecycle state. Transitions out of ACTIVE are
// monotonic and terminal (spec.md §3, §8).
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Session is a bounded, monotonic sequence of turns between a fixed
// participant set on a single topic under a single policy (spec.md §3).
// All mutation goes through Append and the status transition helpers;
// every other method is a read-only projection.
type Session struct {
	mu sync.RWMutex

	id           string
	participants []string
	topic        string
	status       Status
	maxTurns     int
	totalCost    decimal.Decimal
	budget       decimal.Decimal
	createdAt    time.Time
	updatedAt    time.Time
	policyID     string
	turnHistory  []*Message
	metadata     map[string]string
}

// NewSessionInput groups the fields required to start a session.
type NewSessionInput struct {
	Participants []string
	Topic        string
	PolicyID     string
	MaxTurns     int
	Budget       decimal.Decimal
	Metadata     map[string]string
}

// NewSession validates the invariants in spec.md §3 and constructs a
// fresh ACTIVE session. Sessions are created by the orchestrator alone;
// adapters never construct or mutate them directly.
func NewSession(in NewSessionInput) (*Session, error) {
	if len(in.Topic) < 1 || len(in.Topic) > 1000 {
		return nil, &errs.ValidationError{Field: "topic", Reason: "must be 1-1000 characters"}
	}
	if len(in.Participants) < 2 {
		return nil, &errs.ValidationError{Field: "participants", Reason: "must have at least 2 agents"}
	}
	seen := make(map[string]struct{}, len(in.Participants))
	for _, p := range in.Participants {
		if p == "" {
			return nil, &errs.ValidationError{Field: "participants", Reason: "agent id must not be empty"}
		}
		if _, ok := seen[p]; ok {
			return nil, &errs.ValidationError{Field: "participants", Reason: "agent ids must be unique"}
		}
		seen[p] = struct{}{}
	}
	if in.MaxTurns < 1 || in.MaxTurns > 20 {
		return nil, &errs.ValidationError{Field: "max_turns", Reason: "must be 1-20"}
	}
	if in.Budget.IsZero() || in.Budget.IsNegative() {
		return nil, &errs.ValidationError{Field: "budget", Reason: "must be positive"}
	}
	if in.PolicyID == "" {
		return nil, &errs.ValidationError{Field: "policy_id", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	metadata := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	participants := append([]string(nil), in.Participants...)

	return &Session{
		id:           uuid.NewString(),
		participants: participants,
		topic:        in.Topic,
		status:       StatusActive,
		maxTurns:     in.MaxTurns,
		totalCost:    decimal.Zero,
		budget:       in.Budget,
		createdAt:    now,
		updatedAt:    now,
		policyID:     in.PolicyID,
		metadata:     metadata,
	}, nil
}

// ID returns the session's opaque identity.
func (s *Session) ID() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.id }

// Participants returns a copy of the participant set.
func (s *Session) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.participants...)
}

// Topic returns the session's topic.
func (s *Session) Topic() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.topic }

// Status returns the current lifecycle status.
func (s *Session) Status() Status { s.mu.RLock(); defer s.mu.RUnlock(); return s.status }

// CurrentTurn returns the number of turns appended so far. It always
// equals len(turn_history) (spec.md §8 invariant).
func (s *Session) CurrentTurn() int { s.mu.RLock(); defer s.mu.RUnlock(); return len(s.turnHistory) }

// MaxTurns returns the configured turn cap.
func (s *Session) MaxTurns() int { s.mu.RLock(); defer s.mu.RUnlock(); return s.maxTurns }

// TotalCost returns the cumulative cost of all appended turns.
func (s *Session) TotalCost() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalCost
}

// Budget returns the session's cost ceiling.
func (s *Session) Budget() decimal.Decimal { s.mu.RLock(); defer s.mu.RUnlock(); return s.budget }

// PolicyID returns the bound policy's identity.
func (s *Session) PolicyID() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.policyID }

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time { s.mu.RLock(); defer s.mu.RUnlock(); return s.createdAt }

// UpdatedAt returns the timestamp of the last mutation.
func (s *Session) UpdatedAt() time.Time { s.mu.RLock(); defer s.mu.RUnlock(); return s.updatedAt }

// Metadata returns a copy of the session's metadata map.
func (s *Session) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// IsParticipant reports whether agentID belongs to the session.
func (s *Session) IsParticipant(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// Append is the sole mutator of turn history. It is forbidden on
// terminal sessions and enforces every per-turn invariant in spec.md
// §3/§8 before admitting the turn.
func (s *Session) Append(t *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.terminal() {
		return &errs.ValidationError{Field: "status", Reason: "cannot append to a terminal session"}
	}
	if t.SessionID != s.id {
		return &errs.ValidationError{Field: "session_id", Reason: "turn belongs to a different session"}
	}
	found := false
	for _, p := range s.participants {
		if p == t.FromAgent {
			found = true
			break
		}
	}
	if !found {
		return &errs.ValidationError{Field: "from_agent", Reason: "agent is not a session participant"}
	}
	if t.FromAgent == t.ToAgent {
		return &errs.ValidationError{Field: "to_agent", Reason: "must differ from from_agent"}
	}
	if n := len(s.turnHistory); n > 0 {
		last := s.turnHistory[n-1]
		if !t.Timestamp.After(last.Timestamp) {
			return &errs.ValidationError{Field: "timestamp", Reason: "turn_history must be strictly monotonic by timestamp"}
		}
	}

	s.turnHistory = append(s.turnHistory, t)
	s.totalCost = s.totalCost.Add(t.Cost)
	s.updatedAt = time.Now().UTC()
	return nil
}

// Complete transitions the session to a terminal status. It is the
// only way status leaves ACTIVE; the transition is one-way.
func (s *Session) Complete(status Status) error {
	if status == StatusActive {
		return &errs.ValidationError{Field: "status", Reason: "cannot transition to ACTIVE"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return &errs.ValidationError{Field: "status", Reason: "session already terminal"}
	}
	s.status = status
	s.updatedAt = time.Now().UTC()
	return nil
}

// ChatTurn is the normalized, UI-agnostic projection of a turn returned
// by Recent.
type ChatTurn struct {
	Role        Role
	Content     string
	FromAgent   string
	Timestamp   time.Time
	Attachments []Attachment
}

// Recent returns up to limit turns, newest-first, optionally filtered
// to a single agent. Never blocks, never suspends (spec.md §4.1).
func (s *Session) Recent(limit int, agentFilter string) []ChatTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChatTurn, 0, limit)
	for i := len(s.turnHistory) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.turnHistory[i]
		if agentFilter != "" && t.FromAgent != agentFilter {
			continue
		}
		out = append(out, ChatTurn{
			Role:        t.Role,
			Content:     t.Content,
			FromAgent:   t.FromAgent,
			Timestamp:   t.Timestamp,
			Attachments: t.Attachments,
		})
	}
	return out
}

// SummaryStats aggregates the turn history for reporting.
type SummaryStats struct {
	TotalTurns         int
	TotalCost          decimal.Decimal
	AvgContentLength   float64
	PerAgentTurnCounts map[string]int
	Duration           time.Duration
}

// SummaryStats computes aggregate statistics over the session so far.
func (s *Session) SummaryStats() SummaryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	var totalLen int
	for _, t := range s.turnHistory {
		counts[t.FromAgent]++
		totalLen += len(t.Content)
	}
	var avg float64
	if len(s.turnHistory) > 0 {
		avg = float64(totalLen) / float64(len(s.turnHistory))
	}
	dur := s.updatedAt.Sub(s.createdAt)

	return SummaryStats{
		TotalTurns:         len(s.turnHistory),
		TotalCost:          s.totalCost,
		AvgContentLength:   avg,
		PerAgentTurnCounts: counts,
		Duration:           dur,
	}
}

// Progress reports where a quantity stands relative to its ceiling.
type Progress struct {
	Current int
	Max     int
}

// BudgetProgress reports spend relative to budget, both as
// decimal.Decimal values.
type BudgetProgress struct {
	Used  decimal.Decimal
	Total decimal.Decimal
}

// StatusReportView is the status_report() projection from spec.md §4.1.
type StatusReportView struct {
	Status         Status
	TurnProgress   Progress
	BudgetProgress BudgetProgress
	Indicators     []string
	NextActions    []string
}

// StatusReport summarizes session health for display or API responses.
func (s *Session) StatusReport() StatusReportView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var indicators []string
	var next []string

	turnsUsedRatio := float64(len(s.turnHistory)) / float64(s.maxTurns)
	if turnsUsedRatio >= 0.8 {
		indicators = append(indicators, "approaching_turn_limit")
	}
	if !s.budget.IsZero() {
		spentRatio, _ := s.totalCost.Div(s.budget).Float64()
		if spentRatio >= 0.8 {
			indicators = append(indicators, "approaching_budget_limit")
		}
	}
	switch s.status {
	case StatusActive:
		next = append(next, "await_next_turn")
	case StatusCompleted:
		next = append(next, "review_summary")
	case StatusFailed:
		next = append(next, "inspect_audit_journal")
	case StatusTimeout:
		next = append(next, "consider_extending_budget_or_turns")
	}

	return StatusReportView{
		Status:         s.status,
		TurnProgress:   Progress{Current: len(s.turnHistory), Max: s.maxTurns},
		BudgetProgress: BudgetProgress{Used: s.totalCost, Total: s.budget},
		Indicators:     indicators,
		NextActions:    next,
	}
}

// TurnHistory returns a defensive copy of the full turn history, in
// append (oldest-first) order.
func (s *Session) TurnHistory() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, len(s.turnHistory))
	copy(out, s.turnHistory)
	return out
}
