// Package orchestrator implements the Conversation Orchestrator
// (spec.md C5): the per-session turn loop —
// INIT → (POLICY_PRE → ADAPTER_CALL → POLICY_POST → APPEND → CONVERGE)* → TERMINAL —
// speaker selection, retry/failover, circuit breaking, and
// cancellation.
//
// The loop structure is grounded on the teacher's agent.go Stream/Run
// select-loop (drain a channel of streamed events, fold them into a
// result, honor ctx), generalized from "one CLI, one conversation" to
// "N agents alternating turns under policy and convergence gates".
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/coyaSONG/tab/adapter"
	"github.com/coyaSONG/tab/audit"
	"github.com/coyaSONG/tab/convergence"
	"github.com/coyaSONG/tab/errs"
	"github.com/coyaSONG/tab/policy"
	"github.com/coyaSONG/tab/registry"
	"github.com/coyaSONG/tab/telemetry"
	"github.com/coyaSONG/tab/turn"
)

// TerminationReason distinguishes why a session reached a terminal
// status, beyond the bare Status value.
type TerminationReason string

const (
	ReasonConverged           TerminationReason = "CONVERGED"
	ReasonConvergedRepetition TerminationReason = "CONVERGED_REPETITION"
	ReasonExplicitCompletion  TerminationReason = "EXPLICIT_COMPLETION"
	ReasonBudgetExceeded      TerminationReason = "BUDGET_EXCEEDED"
	ReasonTurnLimitExceeded   TerminationReason = "TURN_LIMIT_EXCEEDED"
	ReasonAdapterFailure      TerminationReason = "ADAPTER_FAILURE"
	ReasonPolicyDenied        TerminationReason = "POLICY_DENIED"
	ReasonTurnRejected        TerminationReason = "TURN_REJECTED"
	ReasonDeadlineExceeded    TerminationReason = "DEADLINE_EXCEEDED"
	ReasonCancelled           TerminationReason = "CANCELLED"
)

// Config tunes the loop's retry/failover/convergence behavior. Zero
// values fall back to the defaults spec.md §4.5 and §5 name.
type Config struct {
	MaxRetries               int
	CircuitBreakerThreshold  int
	CircuitBreakerCooldown   time.Duration
	RecentTurnsLimit         int
	Convergence              convergence.Config
	AllowFailover            bool
	MaxConcurrentSessions    int64
	MaxConsecutiveRejections int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerCooldown <= 0 {
		c.CircuitBreakerCooldown = 30 * time.Second
	}
	if c.RecentTurnsLimit <= 0 {
		c.RecentTurnsLimit = 5
	}
	if c.Convergence.SimilarityThreshold == 0 {
		c.Convergence = convergence.DefaultConfig()
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 32
	}
	if c.MaxConsecutiveRejections <= 0 {
		c.MaxConsecutiveRejections = 3
	}
	return c
}

// Orchestrator drives sessions end to end. One Orchestrator is shared
// safely across concurrently running sessions (spec.md §5); the only
// shared mutable state is the registry (read-mostly), the journal
// writer (its own internal mutex), and the session-concurrency
// semaphore.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	enforcer *policy.Enforcer
	journal  *audit.Writer
	sink     telemetry.Sink
	breaker  *circuitBreaker
	sessions *semaphore.Weighted
	log      *zap.Logger
}

// New constructs an Orchestrator. sink may be nil (defaults to
// telemetry.NopSink{}); log may be nil (defaults to zap.NewNop()).
func New(cfg Config, reg *registry.Registry, enforcer *policy.Enforcer, journal *audit.Writer, sink telemetry.Sink, log *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		enforcer: enforcer,
		journal:  journal,
		sink:     sink,
		breaker:  newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown),
		sessions: semaphore.NewWeighted(cfg.MaxConcurrentSessions),
		log:      log,
	}
}

// Run drives sess to a terminal status, alternating turns among its
// participants under pol until convergence, resource exhaustion, or
// an unrecoverable adapter failure. It blocks until a concurrency slot
// is free; if ctx is done first, the session ends with status TIMEOUT
// and reason CANCELLED, as it does when ctx is done between turns.
func (o *Orchestrator) Run(ctx context.Context, sess *turn.Session, pol *policy.Policy) (TerminationReason, error) {
	if err := o.sessions.Acquire(ctx, 1); err != nil {
		_ = sess.Complete(turn.StatusTimeout)
		o.record(sess, audit.EventSessionTerminated, "", "context cancelled", audit.OutcomeBlocked, nil)
		return ReasonCancelled, nil
	}
	defer o.sessions.Release(1)

	conversationSpan := o.sink.StartSpan("conversation", map[string]string{"session_id": sess.ID()})
	defer o.sink.EndSpan(conversationSpan, telemetry.SpanOK)
	o.log.Info("orchestrator: session started", zap.String("session_id", sess.ID()), zap.Strings("participants", sess.Participants()))

	participants := sess.Participants()

	// consecutiveRejections tracks repeated turn rejections in a row
	// (spec.md §3's Orchestration State "consecutive_failure_count").
	// A PolicyDenied post-validation BLOCK keeps the session ACTIVE per
	// spec.md §7/§8 scenario 4, so without this bound a policy that
	// always rejects the same speaker's output would loop forever; the
	// bound is what actually ends that loop, not session termination on
	// the first denial.
	consecutiveRejections := 0

	for sess.Status() == turn.StatusActive {
		if err := ctx.Err(); err != nil {
			_ = sess.Complete(turn.StatusTimeout)
			o.record(sess, audit.EventSessionTerminated, "", "context cancelled", audit.OutcomeBlocked, nil)
			return ReasonCancelled, nil
		}

		from, to := nextSpeaker(participants, sess.CurrentTurn())

		turnSpan := o.sink.StartSpan("turn", map[string]string{"session_id": sess.ID(), "from_agent": from})

		if o.breaker.open(from) {
			o.log.Warn("orchestrator: circuit breaker open, failing session", zap.String("session_id", sess.ID()), zap.String("agent_id", from))
			o.record(sess, audit.EventAdapterFailure, from, "circuit breaker open", audit.OutcomeBlocked, nil)
			_ = sess.Complete(turn.StatusFailed)
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return ReasonAdapterFailure, nil
		}

		verdict, reasonCode, err := o.enforcer.ValidateTurnRequest(ctx, pol, sess, from, to, nil)
		if err != nil {
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return "", err
		}
		if verdict != policy.VerdictAllow {
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return o.terminateOnPreAdmissionBlock(sess, from, reasonCode), nil
		}
		o.record(sess, audit.EventTurnAdmitted, from, "pre-admission allowed", audit.OutcomeSuccess, nil)

		ad, err := o.registry.Get(ctx, from)
		if err != nil {
			o.record(sess, audit.EventAdapterFailure, from, "registry lookup failed", audit.OutcomeFailure, map[string]string{"error": err.Error()})
			_ = sess.Complete(turn.StatusFailed)
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return ReasonAdapterFailure, nil
		}

		outcome, termErr := o.invokeWithRetry(ctx, ad, buildRequest(sess, o.cfg.RecentTurnsLimit, from, to, pol), from, to)
		if termErr != nil {
			o.breaker.recordFailure(from)
			switch termErr.(type) {
			case *errs.CancelledError:
				_ = sess.Complete(turn.StatusTimeout)
				o.sink.EndSpan(turnSpan, telemetry.SpanError)
				return ReasonCancelled, nil
			default:
				o.record(sess, audit.EventAdapterFailure, from, "adapter failed", audit.OutcomeFailure, map[string]string{"error": termErr.Error()})
				_ = sess.Complete(turn.StatusFailed)
				o.sink.EndSpan(turnSpan, telemetry.SpanError)
				return ReasonAdapterFailure, nil
			}
		}
		o.breaker.recordSuccess(from)

		msg, err := turn.NewMessage(turn.NewMessageInput{
			SessionID: sess.ID(),
			FromAgent: from,
			ToAgent:   to,
			Role:      turn.RoleAssistant,
			Content:   outcome.Text,
			Cost:      outcome.Cost,
			Duration:  outcome.Duration,
			Policy:    pol.Snapshot(),
		})
		if err != nil {
			o.record(sess, audit.EventTurnRejected, from, "malformed turn", audit.OutcomeFailure, map[string]string{"error": err.Error()})
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return o.terminateOnTurnRejection(sess, "MALFORMED_TURN"), nil
		}

		postVerdict, postReason, err := o.enforcer.ValidateTurnResult(pol, sess, msg)
		if err != nil {
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return "", err
		}
		if postVerdict != policy.VerdictAllow {
			o.record(sess, audit.EventPolicyViolation, from, "post-validation denied", audit.OutcomeBlocked, map[string]string{"reason_code": postReason})
			o.record(sess, audit.EventTurnRejected, from, "turn rejected", audit.OutcomeBlocked, nil)
			o.sink.EndSpan(turnSpan, telemetry.SpanError)

			consecutiveRejections++
			if consecutiveRejections > o.cfg.MaxConsecutiveRejections {
				return o.terminateOnTurnRejection(sess, postReason), nil
			}
			// Session remains ACTIVE (spec.md §7: "PolicyDenied ...
			// the session remains ACTIVE and the loop proceeds to
			// convergence evaluation"); resource counters are
			// unchanged since the turn was never appended.
			if done, reason := o.checkConvergence(sess); done {
				return reason, nil
			}
			continue
		}
		consecutiveRejections = 0

		if err := sess.Append(msg); err != nil {
			o.sink.EndSpan(turnSpan, telemetry.SpanError)
			return "", err
		}
		o.record(sess, audit.EventTurnEmitted, from, "turn appended", audit.OutcomeSuccess, map[string]string{"cost": outcome.Cost.String()})
		o.sink.EndSpan(turnSpan, telemetry.SpanOK)

		if done, reason := o.checkConvergence(sess); done {
			return reason, nil
		}
	}

	return "", nil
}

// terminateOnPreAdmissionBlock ends the session after a pre-admission
// BLOCK. TURN_LIMIT_EXCEEDED and BUDGET_EXCEEDED are the enforcer's
// own defense-in-depth checks against limits the session already
// tracks, so they complete gracefully; every other reason is a genuine
// policy denial that leaves the conversation unable to proceed, so the
// session fails. Either way a pre-admission BLOCK never appends a
// turn, so looping back to the same speaker would only repeat the
// same verdict — the session must end here instead.
func (o *Orchestrator) terminateOnPreAdmissionBlock(sess *turn.Session, from, reasonCode string) TerminationReason {
	switch reasonCode {
	case policy.ReasonTurnLimitExceeded:
		o.record(sess, audit.EventSessionTerminated, from, string(ReasonTurnLimitExceeded), audit.OutcomeSuccess, nil)
		_ = sess.Complete(turn.StatusCompleted)
		return ReasonTurnLimitExceeded
	case policy.ReasonBudgetExceeded:
		o.record(sess, audit.EventBudgetExceeded, from, string(ReasonBudgetExceeded), audit.OutcomeSuccess, nil)
		_ = sess.Complete(turn.StatusCompleted)
		return ReasonBudgetExceeded
	default:
		o.record(sess, audit.EventPolicyViolation, from, "pre-admission denied", audit.OutcomeBlocked, map[string]string{"reason_code": reasonCode})
		o.record(sess, audit.EventSessionTerminated, from, "policy denied", audit.OutcomeBlocked, nil)
		_ = sess.Complete(turn.StatusFailed)
		return ReasonPolicyDenied
	}
}

// terminateOnTurnRejection ends the session either immediately, when a
// produced turn could not even be constructed into a valid Message
// (MALFORMED_TURN — a broken adapter response, not a policy decision,
// so there is nothing to gain by retrying), or after
// consecutiveRejections has exceeded cfg.MaxConsecutiveRejections post-
// validation BLOCKs in a row. A single post-validation BLOCK does not
// reach here: spec.md §7 keeps the session ACTIVE on PolicyDenied so
// the loop can proceed to convergence and then ask for the turn again.
// A rejected turn does not advance the turn count, so the same speaker
// is asked again; this is only the backstop for a policy that keeps
// rejecting that speaker's content run after run.
func (o *Orchestrator) terminateOnTurnRejection(sess *turn.Session, reasonCode string) TerminationReason {
	o.record(sess, audit.EventSessionTerminated, "", "turn rejected: "+reasonCode, audit.OutcomeBlocked, nil)
	_ = sess.Complete(turn.StatusFailed)
	return ReasonTurnRejected
}

// checkConvergence runs C4 over the session's current state and, if
// it signals a stop, completes the session and records a CONVERGED (or
// BUDGET_EXCEEDED) audit entry.
func (o *Orchestrator) checkConvergence(sess *turn.Session) (bool, TerminationReason) {
	result := convergence.Analyze(sess, o.cfg.Convergence)
	// C4's own should_continue is the primary signal the orchestrator
	// asks (spec.md §2: "updates C4 and asks whether to continue") — an
	// explicit completion alone already flips it false (it carries full
	// confidence as a deterministic phrase match, not the 0.5 weight
	// it contributes to the composite score). ShouldAutoComplete adds
	// C1's own resource-exhaustion/degradation shortcut (spec.md §4.1)
	// on top, so either one ending the session is sufficient.
	if result.ShouldContinue && !sess.ShouldAutoComplete(result) {
		return false, ""
	}

	reason := ReasonConverged
	kind := audit.EventConverged
	switch {
	case result.Signals.ExplicitCompletion:
		reason = ReasonExplicitCompletion
	case result.Signals.ResourceExhaustion:
		reason = ReasonBudgetExceeded
		kind = audit.EventBudgetExceeded
	case result.Signals.RepetitiveContent:
		reason = ReasonConvergedRepetition
	}

	o.record(sess, kind, "", string(reason), audit.OutcomeSuccess, map[string]string{"confidence": fmt.Sprintf("%.2f", result.Confidence)})
	_ = sess.Complete(turn.StatusCompleted)
	o.record(sess, audit.EventSessionTerminated, "", string(reason), audit.OutcomeSuccess, nil)
	return true, reason
}

// record writes an audit entry. A JournalWriteError is fatal to the
// session: it is logged through the sink and the session moves to
// FAILED here, rather than this helper aborting mid-record. Run's loop
// then stops at its next status check, and Append refuses any turn
// after that point.
func (o *Orchestrator) record(sess *turn.Session, kind audit.EventKind, agentID, action string, outcome audit.Outcome, resourceUsage map[string]string) {
	if o.journal == nil {
		return
	}
	_, err := o.journal.Append(audit.Record{
		EventKind:     kind,
		SessionID:     sess.ID(),
		AgentID:       agentID,
		Action:        action,
		Outcome:       outcome,
		ResourceUsage: resourceUsage,
	})
	if err != nil {
		o.sink.Log(telemetry.LevelError, "audit journal write failed", map[string]string{"session_id": sess.ID(), "error": err.Error()})
		_ = sess.Complete(turn.StatusFailed)
	}
}

// nextSpeaker implements strict alternation for two participants and
// round-robin for more (spec.md §4.5).
func nextSpeaker(participants []string, currentTurn int) (from, to string) {
	n := len(participants)
	from = participants[currentTurn%n]
	to = participants[(currentTurn+1)%n]
	return from, to
}

// buildRequest derives the adapter request for one turn: the prompt is
// the session topic on the first turn and a short continuation
// instruction afterward, since the actual substance lives in Context
// (spec.md §4.5: "derive the prompt context via C1.recent").
func buildRequest(sess *turn.Session, recentLimit int, from, to string, pol *policy.Policy) adapter.SubmitRequest {
	recent := sess.Recent(recentLimit, "")
	chronological := make([]turn.ChatTurn, len(recent))
	for i, t := range recent {
		chronological[len(recent)-1-i] = t
	}

	prompt := sess.Topic()
	if len(chronological) > 0 {
		prompt = "continue the conversation and address the other agent's last message."
	}

	return adapter.SubmitRequest{
		Prompt:  prompt,
		Context: chronological,
		Limits: adapter.Limits{
			Deadline: time.Duration(pol.ResourceLimits.MaxExecutionMS) * time.Millisecond,
			MaxCost:  pol.ResourceLimits.MaxCost,
		},
	}
}

// invokeWithRetry submits req to ad, retrying TRANSIENT outcomes up to
// cfg.MaxRetries times and failing over to a compatible alternate
// adapter once if configured (spec.md §4.5). It returns a terminal
// *errs.AdapterPermanentError or *errs.CancelledError on failure.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, ad adapter.Adapter, req adapter.SubmitRequest, from, to string) (*adapter.Outcome, error) {
	attempted := map[string]bool{}
	current := ad
	currentID := from
	failedOver := false

	for attempt := 0; ; attempt++ {
		attempted[currentID] = true

		outcome, err := submitOnce(ctx, current, req)
		if err == nil {
			return outcome, nil
		}

		switch e := err.(type) {
		case *errs.CancelledError:
			return nil, e
		case *errs.AdapterTransientError:
			if attempt < o.cfg.MaxRetries {
				continue
			}
			if o.cfg.AllowFailover && !failedOver {
				if altID, ok := o.alternateFor(currentID, attempted); ok {
					alt, getErr := o.registry.Get(ctx, altID)
					if getErr == nil {
						current = alt
						currentID = altID
						failedOver = true
						attempt = -1
						continue
					}
				}
			}
			return nil, &errs.AdapterPermanentError{AgentID: from, Cause: e}
		default:
			return nil, &errs.AdapterPermanentError{AgentID: from, Cause: err}
		}
	}
}

// alternateFor asks the registry for a same-kind descriptor not yet
// attempted this turn.
func (o *Orchestrator) alternateFor(agentID string, attempted map[string]bool) (string, bool) {
	d, ok := o.registry.Descriptor(agentID)
	if !ok {
		return "", false
	}
	alt, ok := o.registry.CompatibleAlternate(d.Kind, agentID)
	if !ok || attempted[alt] {
		return "", false
	}
	return alt, true
}

// submitOnce drains one adapter.Submit call to its terminal event.
func submitOnce(ctx context.Context, ad adapter.Adapter, req adapter.SubmitRequest) (*adapter.Outcome, error) {
	events, err := ad.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	for evt := range events {
		switch evt.Kind {
		case adapter.EventResult:
			if evt.Result.Success {
				return evt.Result, nil
			}
			return nil, &errs.AdapterPermanentError{AgentID: ad.AgentID(), Cause: fmt.Errorf("%s", evt.Result.ErrorMessage)}
		case adapter.EventError:
			return nil, evt.Err
		}
	}
	return nil, &errs.AdapterTransientError{AgentID: ad.AgentID(), Cause: fmt.Errorf("adapter closed its event stream without a terminal event")}
}
