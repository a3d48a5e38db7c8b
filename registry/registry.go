// Package registry implements the Agent Registry (spec.md C8): the
// set of currently loadable adapter descriptors, their lifecycle, and
// lookup by agent_id. Nothing here assumes a fixed vocabulary of agent
// kinds — spec.md §4.8 is explicit that "kind" is a free-form string
// the orchestrator must never reject a turn over.
//
// There is no teacher file to ground this on directly (the SDK
// manages exactly one CLI, never a registry of several); the
// shared/exclusive locking is a sync.RWMutex, and per-descriptor spawn
// throttling is built from golang.org/x/time/rate, the same
// rate-limiting idiom fyrsmithlabs-contextd applies to its ingestion
// workers.
package registry

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coyaSONG/tab/adapter"
)

// LoadingStrategy names how a descriptor's implementation is resolved
// (spec.md §4.8).
type LoadingStrategy string

const (
	StrategyBuiltin          LoadingStrategy = "BUILTIN"
	StrategyPluginEntryPoint LoadingStrategy = "PLUGIN_ENTRY_POINT"
	StrategyModuleClass      LoadingStrategy = "MODULE_CLASS"
)

// Factory builds a fresh Adapter instance for a descriptor.
type Factory func() (adapter.Adapter, error)

// Resolver resolves a PLUGIN_ENTRY_POINT or MODULE_CLASS symbol to a
// Factory. Concrete resolvers (plugin.Open+Lookup, a reflection-based
// module-class loader) are deployment concerns registered via
// WithResolver; this package ships none, since both loading paths are
// inherently host-specific.
type Resolver func(symbol string) (Factory, error)

// Descriptor is one loadable agent integration (spec.md §3, "Agent
// Adapter Descriptor").
type Descriptor struct {
	AgentID        string
	Kind           string
	Strategy       LoadingStrategy
	Symbol         string // plugin entry point or module-class qualified name; unused for BUILTIN
	Factory        Factory // required for BUILTIN
	PolicyID       string
	SpawnRateLimit rate.Limit // spawns/sec; 0 means unlimited
	SpawnBurst     int
}

// Registry maintains descriptors and their instantiated adapters.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	instances   map[string]adapter.Adapter
	limiters    map[string]*rate.Limiter
	resolvers   map[LoadingStrategy]Resolver
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		instances:   make(map[string]adapter.Adapter),
		limiters:    make(map[string]*rate.Limiter),
		resolvers:   make(map[LoadingStrategy]Resolver),
	}
}

// WithResolver installs a Resolver for a non-BUILTIN loading strategy.
func (r *Registry) WithResolver(strategy LoadingStrategy, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[strategy] = resolver
}

// Register validates and admits a descriptor. For BUILTIN strategies
// it resolves the implementation immediately to verify it satisfies
// the adapter.Adapter capability set (spec.md §4.8); for the other
// strategies resolution is deferred to Get, since the resolver may not
// yet be installed at registration time.
func (r *Registry) Register(d Descriptor) error {
	if d.AgentID == "" {
		return fmt.Errorf("registry: agent_id must not be empty")
	}
	switch d.Strategy {
	case StrategyBuiltin:
		if d.Factory == nil {
			return fmt.Errorf("registry: %s: BUILTIN descriptor requires a Factory", d.AgentID)
		}
		inst, err := d.Factory()
		if err != nil {
			return fmt.Errorf("registry: %s: resolving BUILTIN factory: %w", d.AgentID, err)
		}
		if inst == nil {
			return fmt.Errorf("registry: %s: BUILTIN factory returned no adapter", d.AgentID)
		}
	case StrategyPluginEntryPoint, StrategyModuleClass:
		if d.Symbol == "" {
			return fmt.Errorf("registry: %s: %s descriptor requires a Symbol", d.AgentID, d.Strategy)
		}
	default:
		return fmt.Errorf("registry: %s: unrecognized loading strategy %q", d.AgentID, d.Strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.AgentID] = d
	if d.SpawnRateLimit > 0 {
		burst := d.SpawnBurst
		if burst < 1 {
			burst = 1
		}
		r.limiters[d.AgentID] = rate.NewLimiter(d.SpawnRateLimit, burst)
	}
	return nil
}

// Unregister removes a descriptor and drops its cached instance. It
// does not call Shutdown on the instance; callers that need a clean
// teardown should do so before unregistering.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descriptors, agentID)
	delete(r.instances, agentID)
	delete(r.limiters, agentID)
}

// Descriptor returns a copy of the registered descriptor for agentID.
func (r *Registry) Descriptor(agentID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[agentID]
	return d, ok
}

// Get resolves (lazily instantiating and caching on first use) and
// returns the Adapter for agentID, after waiting on that descriptor's
// spawn-rate limiter if one is configured. Most calls take the fast
// shared-read path; only the first call per agentID pays the
// exclusive-lock instantiation cost.
func (r *Registry) Get(ctx context.Context, agentID string) (adapter.Adapter, error) {
	r.mu.RLock()
	if inst, ok := r.instances[agentID]; ok {
		limiter := r.limiters[agentID]
		r.mu.RUnlock()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return inst, nil
	}
	d, ok := r.descriptors[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no descriptor registered for agent_id %q", agentID)
	}

	inst, err := r.instantiate(d)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.instances[agentID] = inst
	limiter := r.limiters[agentID]
	r.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func (r *Registry) instantiate(d Descriptor) (adapter.Adapter, error) {
	switch d.Strategy {
	case StrategyBuiltin:
		return d.Factory()
	default:
		r.mu.RLock()
		resolver, ok := r.resolvers[d.Strategy]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("registry: %s: no resolver installed for strategy %s", d.AgentID, d.Strategy)
		}
		factory, err := resolver(d.Symbol)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: resolving %s: %w", d.AgentID, d.Symbol, err)
		}
		return factory()
	}
}

// CompatibleAlternate returns the agent_id of another registered
// descriptor sharing kind, excluding exclude, for the failover
// semantics in spec.md §4.5 ("the alternate must be declared
// compatible for the speaker role"). Compatibility here is modeled as
// same kind; returns ok=false if none exists.
func (r *Registry) CompatibleAlternate(kind, exclude string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, d := range r.descriptors {
		if id != exclude && d.Kind == kind {
			return id, true
		}
	}
	return "", false
}
