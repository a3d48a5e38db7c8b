// Package codexcli implements the ROLLOUT_JOURNAL transport (spec.md
// §4.2): the child process writes its content to stdout/stderr
// opaquely while simultaneously appending a JSONL journal file under a
// well-known, date-partitioned directory. The adapter locates the
// newest journal file created after the invocation's wall-clock start,
// tails it to EOF, and treats the final assistant-authored record (or
// clean exit, whichever comes first) as the turn result.
//
// Process spawn/kill reuses the same process-group lifecycle idiom as
// adapter/claudecli, itself grounded on the teacher's
// agent/process.go; what differs here is entirely in how the result
// is discovered, since this transport carries no structured stdout
// contract at all.
package codexcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coyaSONG/tab/adapter"
	"github.com/coyaSONG/tab/errs"
)

// Config describes one codexcli-backed agent descriptor.
type Config struct {
	AgentID     string
	CLIPath     string
	JournalRoot string // root directory; files live under sessions/YYYY/MM/DD/rollout-<id>.jsonl
	Env         map[string]string
	GracePeriod time.Duration
	PollEvery   time.Duration // how often to re-stat the journal directory while waiting for the file to appear
}

// Adapter implements adapter.Adapter for the ROLLOUT_JOURNAL
// transport. Unlike claudecli, this transport never preserves
// conversation state in the child itself: the orchestrator re-injects
// condensed prior turns into the prompt on every call (spec.md §4.2).
type Adapter struct {
	cfg Config
	log *zap.Logger
}

// New constructs a codexcli Adapter.
func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 100 * time.Millisecond
	}
	return &Adapter{cfg: cfg, log: log}
}

// AgentID returns the descriptor id this adapter was constructed for.
func (a *Adapter) AgentID() string { return a.cfg.AgentID }

// HealthCheck verifies the CLI resolves and the journal root is
// reachable.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(a.cliPath()); err != nil {
		return &errs.AdapterPermanentError{AgentID: a.cfg.AgentID, Cause: err}
	}
	if _, err := os.Stat(a.cfg.JournalRoot); err != nil {
		return &errs.AdapterPermanentError{AgentID: a.cfg.AgentID, Cause: err}
	}
	return nil
}

func (a *Adapter) cliPath() string {
	if a.cfg.CLIPath != "" {
		return a.cfg.CLIPath
	}
	return "codex"
}

// Submit spawns the CLI, waits for a journal file to appear, and polls
// it. The returned channel carries one terminal event: a result built
// from the journal's assistant record, or an error. Journal records are
// not streamed one by one as content events.
func (a *Adapter) Submit(ctx context.Context, req adapter.SubmitRequest) (<-chan adapter.Event, error) {
	deadline := req.Limits.Deadline
	if deadline <= 0 {
		deadline = 180 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)

	startedAt := time.Now()
	cmd := exec.CommandContext(callCtx, a.cliPath(), "exec", a.composePrompt(req))
	cmd.Dir = req.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(a.cfg.Env) > 0 {
		env := make([]string, 0, len(a.cfg.Env))
		for k, v := range a.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &errs.AdapterTransientError{AgentID: a.cfg.AgentID, Cause: err}
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	out := make(chan adapter.Event, 16)
	go a.pump(callCtx, cancel, cmd, exited, startedAt, out)
	return out, nil
}

func (a *Adapter) pump(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, exited <-chan error, startedAt time.Time, out chan<- adapter.Event) {
	defer cancel()
	defer close(out)

	journalPath, err := a.awaitJournalFile(ctx, startedAt)
	if err != nil {
		a.killGroup(cmd)
		<-exited
		select {
		case out <- adapter.Event{Kind: adapter.EventError, Err: &errs.AdapterTransientError{AgentID: a.cfg.AgentID, Cause: err}}:
		default:
		}
		return
	}

	var outcome *adapter.Outcome
	var procErr error

pollLoop:
	for {
		select {
		case procErr = <-exited:
			outcome = a.tailFinal(journalPath)
			break pollLoop
		case <-ctx.Done():
			a.killGroup(cmd)
			<-exited
			select {
			case out <- adapter.Event{Kind: adapter.EventError, Err: &errs.CancelledError{Reason: "deadline exceeded"}}:
			default:
			}
			return
		case <-time.After(a.cfg.PollEvery):
			if o := a.tailFinal(journalPath); o != nil {
				outcome = o
				break pollLoop
			}
		}
	}

	if outcome == nil {
		a.log.Warn("codexcli: process exited with no assistant record in journal", zap.String("agent_id", a.cfg.AgentID), zap.Error(procErr))
		out <- adapter.Event{Kind: adapter.EventError, Err: &errs.AdapterTransientError{AgentID: a.cfg.AgentID, Cause: fmt.Errorf("no assistant record found in journal")}}
		return
	}
	outcome.Success = procErr == nil
	if procErr != nil {
		outcome.ErrorMessage = procErr.Error()
	}
	out <- adapter.Event{Kind: adapter.EventResult, Result: outcome}
}

func (a *Adapter) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	grace := a.cfg.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	time.Sleep(grace)
	_ = syscall.Kill(pgid, syscall.SIGKILL)
}

// awaitJournalFile polls the date-partitioned journal directory for a
// file whose mtime is at or after startedAt, returning once one
// appears or ctx is done. Ties are broken by lexicographically
// greatest filename (spec.md §9's explicit tie-break rule).
func (a *Adapter) awaitJournalFile(ctx context.Context, startedAt time.Time) (string, error) {
	dir := filepath.Join(a.cfg.JournalRoot, "sessions",
		fmt.Sprintf("%04d", startedAt.Year()),
		fmt.Sprintf("%02d", startedAt.Month()),
		fmt.Sprintf("%02d", startedAt.Day()),
	)
	for {
		if path, ok := newestSince(dir, startedAt); ok {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.cfg.PollEvery):
		}
	}
}

func newestSince(dir string, since time.Time) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	type candidate struct {
		name    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "rollout-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.After(candidates[j].modTime)
		}
		return candidates[i].name > candidates[j].name
	})
	return filepath.Join(dir, candidates[0].name), true
}

// rolloutRecord is one JSONL entry in a codex rollout journal.
type rolloutRecord struct {
	Role         string `json:"role"`
	Text         string `json:"text"`
	TokensIn     int    `json:"tokens_in,omitempty"`
	TokensOut    int    `json:"tokens_out,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// tailFinal reads the journal file to EOF and returns an Outcome built
// from the final non-empty assistant-authored record, or nil if none
// has appeared yet.
func (a *Adapter) tailFinal(path string) *adapter.Outcome {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var last *rolloutRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec rolloutRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Role == "assistant" && rec.Text != "" {
			r := rec
			last = &r
		}
	}
	if last == nil {
		return nil
	}

	outcome := &adapter.Outcome{
		Text:     last.Text,
		Duration: time.Duration(last.DurationMS) * time.Millisecond,
	}
	if last.TokensIn > 0 || last.TokensOut > 0 {
		outcome.Cost = tokensToCost(last.TokensIn, last.TokensOut)
	} else {
		outcome.Cost = decimal.Zero
		outcome.CostIsEstimate = true
	}
	return outcome
}

// tokensToCost applies a flat per-thousand-token rate. The rate table
// itself is a deployment concern (config), not a transport concern;
// this is a placeholder linear model until config wires real per-model
// rates.
func tokensToCost(tokensIn, tokensOut int) decimal.Decimal {
	const perThousand = 0.002
	total := tokensIn + tokensOut
	return decimal.NewFromFloat(perThousand).Mul(decimal.NewFromInt(int64(total))).Div(decimal.NewFromInt(1000))
}

// composePrompt re-injects condensed prior turns into the prompt,
// since this transport's child never preserves conversation state
// between invocations (spec.md §4.2).
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

// Shutdown is a no-op: codexcli spawns one child per turn.
func (a *Adapter) Shutdown(ctx context.Context) error { return nil }
