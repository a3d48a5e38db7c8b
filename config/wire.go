package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coyaSONG/tab/policy"
)

// ToPolicy converts the on-disk PolicyConfig for id into a
// constructed policy.Policy.
func (c *Config) ToPolicy(id string) (*policy.Policy, error) {
	pc, ok := c.Policies[id]
	if !ok {
		return nil, fmt.Errorf("config: no policy named %q", id)
	}

	maxCost := decimal.Zero
	if pc.MaxCost != "" {
		var err error
		maxCost, err = decimal.NewFromString(pc.MaxCost)
		if err != nil {
			return nil, fmt.Errorf("config: policy %q: invalid max_cost %q: %w", id, pc.MaxCost, err)
		}
	}

	var fileRules []policy.PathRule
	for _, p := range pc.FileAccessAllow {
		fileRules = append(fileRules, policy.PathRule{Prefix: p, Allow: true})
	}
	for _, p := range pc.FileAccessDeny {
		fileRules = append(fileRules, policy.PathRule{Prefix: p, Allow: false})
	}
	var netRules []policy.PathRule
	for _, p := range pc.NetworkAccessAllow {
		netRules = append(netRules, policy.PathRule{Prefix: p, Allow: true})
	}

	return policy.NewPolicy(policy.NewPolicyInput{
		ID:              id,
		Name:            pc.Name,
		Description:     pc.Description,
		AllowedTools:    pc.AllowedTools,
		DisallowedTools: pc.DisallowedTools,
		PermissionMode:  policy.PermissionMode(pc.PermissionMode),
		ResourceLimits: policy.ResourceLimits{
			MaxExecutionMS: pc.MaxExecutionMS,
			MaxCost:        maxCost,
			MaxMemoryMB:    pc.MaxMemoryMB,
		},
		FileAccessRules:    fileRules,
		NetworkAccessRules: netRules,
		Sandbox: policy.SandboxConfig{
			DropCapabilities: pc.Sandbox.DropCapabilities,
			ReadOnlyPaths:    pc.Sandbox.ReadOnlyPaths,
			MaxPIDs:          pc.Sandbox.MaxPIDs,
			MaxFDs:           pc.Sandbox.MaxFDs,
		},
		ApprovalRequired: pc.ApprovalRequired,
	})
}
