package orchestrator

import (
	"sync"
	"time"
)

// circuitBreaker tracks consecutive adapter failures per agent_id and
// trips a cool-down window after a configurable threshold (spec.md
// §4.5: "consecutive adapter failures across turns trip a circuit
// breaker... that short-circuits further submissions to that adapter
// for a cool-down window"). It resets on any successful turn.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  map[string]int
	openUntil map[string]time.Time
	clock     func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		failures:  make(map[string]int),
		openUntil: make(map[string]time.Time),
		clock:     time.Now,
	}
}

// open reports whether agentID is currently inside its cool-down
// window.
func (c *circuitBreaker) open(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.openUntil[agentID]
	if !ok {
		return false
	}
	if c.clock().After(until) {
		delete(c.openUntil, agentID)
		c.failures[agentID] = 0
		return false
	}
	return true
}

// recordFailure increments the consecutive-failure count for agentID
// and trips the breaker once threshold is reached.
func (c *circuitBreaker) recordFailure(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[agentID]++
	if c.failures[agentID] >= c.threshold {
		c.openUntil[agentID] = c.clock().Add(c.cooldown)
	}
}

// recordSuccess resets agentID's failure count and closes the
// breaker.
func (c *circuitBreaker) recordSuccess(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[agentID] = 0
	delete(c.openUntil, agentID)
}
