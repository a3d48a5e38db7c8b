// Package config loads TAB's deployment configuration: policies,
// agent descriptors, and the tunables every core component leaves
// open (spec.md §9's Open Questions largely resolve to "configurable
// default, override here"). Configuration loading is named as an
// out-of-scope external collaborator in spec.md §1, so this package
// sits outside the core's import graph — orchestrator, policy, and
// convergence never import it, only cmd/tab does.
//
// Grounded on fyrsmithlabs-contextd's layered configuration (YAML file
// plus environment overrides via github.com/knadh/koanf/v2), adapted
// from contextd's ingestion/storage/embedding sections to TAB's
// policy/agent/session-tunable shape.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Transport names which adapter package a descriptor is wired to.
type Transport string

const (
	TransportLineJSONStdout Transport = "LINE_JSON_STDOUT"
	TransportRolloutJournal Transport = "ROLLOUT_JOURNAL"
)

// PolicyConfig is the on-disk shape of a policy.Policy.
type PolicyConfig struct {
	Name               string            `koanf:"name"`
	Description        string            `koanf:"description"`
	AllowedTools       []string          `koanf:"allowed_tools"`
	DisallowedTools    []string          `koanf:"disallowed_tools"`
	PermissionMode     string            `koanf:"permission_mode"`
	MaxExecutionMS     int64             `koanf:"max_execution_ms"`
	MaxCost            string            `koanf:"max_cost"`
	MaxMemoryMB        int64             `koanf:"max_memory_mb"`
	ApprovalRequired   []string          `koanf:"approval_required"`
	FileAccessAllow    []string          `koanf:"file_access_allow"`
	FileAccessDeny     []string          `koanf:"file_access_deny"`
	NetworkAccessAllow []string          `koanf:"network_access_allow"`
	Sandbox            SandboxConfig     `koanf:"sandbox"`
}

// SandboxConfig is the on-disk shape of a policy.SandboxConfig.
type SandboxConfig struct {
	DropCapabilities []string `koanf:"drop_capabilities"`
	ReadOnlyPaths    []string `koanf:"read_only_paths"`
	MaxPIDs          int      `koanf:"max_pids"`
	MaxFDs           int      `koanf:"max_fds"`
}

// AgentDescriptorConfig is the on-disk shape of a registry.Descriptor
// for a single CLI-backed agent.
type AgentDescriptorConfig struct {
	Kind            string            `koanf:"kind"`
	Transport       Transport         `koanf:"transport"`
	PolicyID        string            `koanf:"policy_id"`
	CLIPath         string            `koanf:"cli_path"`
	Model           string            `koanf:"model"`
	JournalRoot     string            `koanf:"journal_root"`
	Env             map[string]string `koanf:"env"`
	SpawnRatePerSec float64           `koanf:"spawn_rate_per_sec"`
	SpawnBurst      int               `koanf:"spawn_burst"`
}

// Config is the fully parsed deployment configuration.
type Config struct {
	Policies map[string]PolicyConfig          `koanf:"policies"`
	Agents   map[string]AgentDescriptorConfig `koanf:"agents"`

	JournalPath             string        `koanf:"journal_path"`
	DefaultMaxTurns         int           `koanf:"default_max_turns"`
	DefaultBudget           string        `koanf:"default_budget"`
	RecentTurnsLimit        int           `koanf:"recent_turns_limit"`
	MaxRetries              int           `koanf:"max_retries"`
	CircuitBreakerThreshold int           `koanf:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `koanf:"circuit_breaker_cooldown"`
	PreAdmissionTimeout     time.Duration `koanf:"pre_admission_timeout"`
	ApprovalWait            time.Duration `koanf:"approval_wait"`
	NATSURL                 string        `koanf:"nats_url"`
}

// defaults mirrors every default spec.md §4-§5 names explicitly, so a
// deployment with an empty file still gets spec-compliant behavior.
func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]any{
		"default_max_turns":         10,
		"default_budget":            "5.00",
		"recent_turns_limit":        5,
		"max_retries":               2,
		"circuit_breaker_threshold": 5,
		"circuit_breaker_cooldown":  "30s",
		"pre_admission_timeout":     "100ms",
		"approval_wait":             "30s",
	}, "."), nil)
	return k
}

// Load reads defaults, then path (if non-empty), then TAB_-prefixed
// environment variables, in ascending priority.
func Load(path string) (*Config, error) {
	k := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("TAB_", ".", envKeyMap), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyMap turns TAB_JOURNAL_PATH into journal_path, matching the
// koanf tags above.
func envKeyMap(s string) string {
	out := make([]byte, 0, len(s))
	trimmed := s[len("TAB_"):]
	for _, r := range trimmed {
		if r >= 'A' && r <= 'Z' {
			out = append(out, byte(r-'A'+'a'))
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}
