package claudecli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coyaSONG/tab/adapter"
	"github.com/coyaSONG/tab/errs"
)

// Config describes one claudecli-backed agent descriptor's static
// configuration: spawn command, allow/deny tool lists, and the
// resume/session-continuity behavior spec.md §4.2 requires for this
// transport.
type Config struct {
	AgentID         string
	CLIPath         string // resolved via PATH if empty
	Model           string
	AllowedTools    []string
	DisallowedTools []string
	Env             map[string]string
	MaxLineBytes    int
	GracePeriod     time.Duration
}

// Adapter implements adapter.Adapter for the LINE_JSON_STDOUT
// transport. One Adapter instance is reused across turns; resume
// continuity is tracked internally between calls.
type Adapter struct {
	cfg       Config
	log       *zap.Logger
	lastAgent string // the most recently reported agent-side session id, for --resume
}

// New constructs a claudecli Adapter. log may be nil, in which case a
// no-op logger is used.
func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{cfg: cfg, log: log}
}

// AgentID returns the descriptor id this adapter was constructed for.
func (a *Adapter) AgentID() string { return a.cfg.AgentID }

// HealthCheck resolves the CLI path without spawning a full turn.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := findCLI(a.cfg.CLIPath)
	return err
}

// Submit spawns the CLI for one turn and streams normalized events
// until a result event or an error terminates the call.
func (a *Adapter) Submit(ctx context.Context, req adapter.SubmitRequest) (<-chan adapter.Event, error) {
	cliPath, err := findCLI(a.cfg.CLIPath)
	if err != nil {
		return nil, err
	}

	args := a.buildArgs(req)

	deadline := req.Limits.Deadline
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)

	proc, err := startProcess(callCtx, spawnInput{
		Path:    cliPath,
		Args:    args,
		WorkDir: req.WorkDir,
		Env:     a.cfg.Env,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan adapter.Event, 16)
	go a.pump(callCtx, cancel, proc, out)
	return out, nil
}

func (a *Adapter) pump(ctx context.Context, cancel context.CancelFunc, proc *process, out chan<- adapter.Event) {
	defer cancel()
	defer close(out)

	parser := newLineParser(proc.reader(), a.cfg.MaxLineBytes)
	var sawResult bool

	for {
		evt, err := parser.next()
		if err != nil {
			if err != io.EOF {
				a.log.Warn("claudecli: stream read error", zap.Error(err), zap.String("agent_id", a.cfg.AgentID))
			}
			break
		}
		if evt.Kind == adapter.EventSystemInit && evt.AgentSessionID != "" {
			a.lastAgent = evt.AgentSessionID
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			proc.terminate(a.cfg.GracePeriod)
			a.emitTerminal(out, &errs.CancelledError{Reason: "context cancelled"})
			return
		}
		if evt.Kind == adapter.EventResult {
			sawResult = true
			if evt.Result.AgentSessionID != "" {
				a.lastAgent = evt.Result.AgentSessionID
			}
			break
		}
	}

	waitErr := proc.wait(ctx, a.cfg.GracePeriod)
	if ctx.Err() != nil && !sawResult {
		a.emitTerminal(out, &errs.CancelledError{Reason: "deadline exceeded before a result event"})
		return
	}
	if !sawResult {
		if waitErr != nil {
			a.emitTerminal(out, &errs.AdapterTransientError{AgentID: a.cfg.AgentID, Cause: fmt.Errorf("%w: %s", waitErr, proc.stderrString())})
		} else {
			a.emitTerminal(out, &errs.AdapterTransientError{AgentID: a.cfg.AgentID, Cause: fmt.Errorf("process exited without a result event")})
		}
	}
}

func (a *Adapter) emitTerminal(out chan<- adapter.Event, err error) {
	select {
	case out <- adapter.Event{Kind: adapter.EventError, Err: err}:
	default:
	}
}

// buildArgs composes CLI flags the way the teacher's startProcess
// does, trimmed to what this transport's contract needs: streamed
// JSON output, tool allow/deny lists, model selection, and resume.
func (a *Adapter) buildArgs(req adapter.SubmitRequest) []string {
	args := []string{
		"--print", a.composePrompt(req),
		"--output-format", "stream-json",
	}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if len(a.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(a.cfg.AllowedTools, ","))
	}
	if len(a.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(a.cfg.DisallowedTools, ","))
	}
	resumeKey := req.ResumeKey
	if resumeKey == "" {
		resumeKey = a.lastAgent
	}
	if resumeKey != "" {
		args = append(args, "--resume", resumeKey)
	}
	return args
}

// composePrompt folds the pre-filtered recent-turns window into a
// single prompt, since this transport has no separate message-history
// channel: the caller already bounded Context via turn.Session.Recent.
func (a *Adapter) composePrompt(req adapter.SubmitRequest) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	for _, t := range req.Context {
		fmt.Fprintf(&b, "[%s/%s]: %s\n", t.FromAgent, t.Role, t.Content)
	}
	b.WriteString(req.Prompt)
	return b.String()
}

// Shutdown is a no-op: claudecli spawns one child per turn, so there
// is no persistent process to release.
func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

func msToDuration(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

func usdToDecimal(usd float64) decimal.Decimal { return decimal.NewFromFloat(usd) }
