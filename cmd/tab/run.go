package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coyaSONG/tab/adapter"
	"github.com/coyaSONG/tab/adapter/claudecli"
	"github.com/coyaSONG/tab/adapter/codexcli"
	"github.com/coyaSONG/tab/approval/natsapproval"
	"github.com/coyaSONG/tab/audit"
	"github.com/coyaSONG/tab/config"
	"github.com/coyaSONG/tab/orchestrator"
	"github.com/coyaSONG/tab/policy"
	"github.com/coyaSONG/tab/registry"
	"github.com/coyaSONG/tab/telemetry"
	"github.com/coyaSONG/tab/turn"
)

// runOptions mirrors the conversation request shape in spec.md §6.
type runOptions struct {
	configPath  string
	topic       string
	participants []string
	policyID    string
	maxTurns    int
	budget      string
	workDir     string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "drive one conversation session between participant agents to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversation(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a YAML deployment config (policies, agent descriptors, tunables)")
	cmd.Flags().StringVar(&opts.topic, "topic", "", "conversation topic (1-1000 chars)")
	cmd.Flags().StringSliceVar(&opts.participants, "participant", nil, "participant agent_id, repeatable (>=2 required)")
	cmd.Flags().StringVar(&opts.policyID, "policy", "", "policy id bound to this session")
	cmd.Flags().IntVar(&opts.maxTurns, "max-turns", 10, "maximum number of turns (1-20)")
	cmd.Flags().StringVar(&opts.budget, "budget", "5.00", "cost budget, decimal string")
	cmd.Flags().StringVar(&opts.workDir, "workdir", ".", "working directory of the request; not passed to adapters, which run in this process's working directory")
	return cmd
}

// conversationResponse is the egress shape spec.md §6 names.
type conversationResponse struct {
	SessionID         string          `json:"session_id"`
	Status            turn.Status     `json:"status"`
	TurnCount         int             `json:"turn_count"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	Duration          string          `json:"duration"`
	TerminationReason string          `json:"termination_reason"`
	Summary           turn.SummaryStats `json:"summary"`
}

func runConversation(ctx context.Context, opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	defer log.Sync() //nolint:errcheck

	pol, err := cfg.ToPolicy(opts.policyID)
	if err != nil {
		return err
	}

	reg := registry.New()
	for agentID, ad := range cfg.Agents {
		if err := reg.Register(buildDescriptor(agentID, ad, pol)); err != nil {
			return fmt.Errorf("registering agent %q: %w", agentID, err)
		}
	}

	approvals, closeApprovals, err := buildApprovalChannel(cfg)
	if err != nil {
		return fmt.Errorf("building approval channel: %w", err)
	}
	if closeApprovals != nil {
		defer closeApprovals()
	}
	enforcer := policy.NewEnforcer(approvals)

	var journal *audit.Writer
	if cfg.JournalPath != "" {
		w, closeJournal, err := audit.OpenFileWriter(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer closeJournal() //nolint:errcheck
		journal = w
	}

	budget, err := decimal.NewFromString(opts.budget)
	if err != nil {
		return fmt.Errorf("parsing --budget: %w", err)
	}

	sess, err := turn.NewSession(turn.NewSessionInput{
		Participants: opts.participants,
		Topic:        opts.topic,
		PolicyID:     opts.policyID,
		MaxTurns:     opts.maxTurns,
		Budget:       budget,
	})
	if err != nil {
		return fmt.Errorf("constructing session: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxRetries:              cfg.MaxRetries,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  cfg.CircuitBreakerCooldown,
		RecentTurnsLimit:        cfg.RecentTurnsLimit,
		AllowFailover:           true,
	}, reg, enforcer, journal, telemetry.NopSink{}, log)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	started := time.Now()
	reason, err := orch.Run(runCtx, sess, pol)
	if err != nil {
		return fmt.Errorf("running session: %w", err)
	}

	resp := conversationResponse{
		SessionID:         sess.ID(),
		Status:            sess.Status(),
		TurnCount:         sess.CurrentTurn(),
		TotalCost:         sess.TotalCost(),
		Duration:          time.Since(started).String(),
		TerminationReason: string(reason),
		Summary:           sess.SummaryStats(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// buildDescriptor wires one config.AgentDescriptorConfig into a
// registry.Descriptor whose Factory constructs the transport-matching
// adapter (claudecli for LINE_JSON_STDOUT, codexcli for ROLLOUT_JOURNAL).
func buildDescriptor(agentID string, ad config.AgentDescriptorConfig, pol *policy.Policy) registry.Descriptor {
	var allowed, disallowed []string
	for t := range pol.AllowedTools {
		allowed = append(allowed, t)
	}
	for t := range pol.DisallowedTools {
		disallowed = append(disallowed, t)
	}

	var factory registry.Factory
	switch ad.Transport {
	case config.TransportRolloutJournal:
		factory = func() (adapter.Adapter, error) {
			return codexcli.New(codexcli.Config{
				AgentID:     agentID,
				CLIPath:     ad.CLIPath,
				JournalRoot: ad.JournalRoot,
				Env:         ad.Env,
			}, zap.NewNop()), nil
		}
	default: // config.TransportLineJSONStdout
		factory = func() (adapter.Adapter, error) {
			return claudecli.New(claudecli.Config{
				AgentID:         agentID,
				CLIPath:         ad.CLIPath,
				Model:           ad.Model,
				AllowedTools:    allowed,
				DisallowedTools: disallowed,
				Env:             ad.Env,
			}, zap.NewNop()), nil
		}
	}

	return registry.Descriptor{
		AgentID:        agentID,
		Kind:           ad.Kind,
		Strategy:       registry.StrategyBuiltin,
		Factory:        factory,
		PolicyID:       ad.PolicyID,
		SpawnRateLimit: rateLimit(ad.SpawnRatePerSec),
		SpawnBurst:     ad.SpawnBurst,
	}
}

// rateLimit converts a spawns-per-second float from config into a
// rate.Limit, treating <=0 as unlimited (registry.Descriptor's own
// convention).
func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

// buildApprovalChannel wires a policy.ApprovalChannel: NATS-backed when
// the config names a broker URL (spec.md's out-of-process PROMPT-mode
// approver), AutoApprovalChannel otherwise.
func buildApprovalChannel(cfg *config.Config) (policy.ApprovalChannel, func(), error) {
	if cfg.NATSURL == "" {
		return policy.AutoApprovalChannel{}, nil, nil
	}
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, nil, err
	}
	return natsapproval.New(nc, "tab.approvals"), nc.Close, nil
}
