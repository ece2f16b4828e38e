package config

import (
	"sync"
	"time"
)

// Policy is the full set of gate timing knobs, snapshotted per
// landing request.
type Policy struct {
	SettleDelay        time.Duration
	SettleRecheckDelay time.Duration
	RecoveryAttempts   int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	EstablishTimeout   time.Duration
	RedirectDelay      time.Duration
}

// Policy returns the config's current timing knobs.
func (c *Config) Policy() Policy {
	return Policy{
		SettleDelay:        c.SettleDelay,
		SettleRecheckDelay: c.SettleRecheckDelay,
		RecoveryAttempts:   c.RecoveryAttempts,
		BackoffBase:        c.BackoffBase,
		BackoffCap:         c.BackoffCap,
		EstablishTimeout:   c.EstablishTimeout,
		RedirectDelay:      c.RedirectDelay,
	}
}

// PolicyStore hands the current timing knobs to per-request gates and
// accepts runtime updates from the descriptor watcher.
type PolicyStore struct {
	mu     sync.RWMutex
	policy Policy
}

// NewPolicyStore creates a store with the given initial policy.
func NewPolicyStore(initial Policy) *PolicyStore {
	return &PolicyStore{policy: initial}
}

// Get returns the current policy.
func (s *PolicyStore) Get() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.policy
}

// Set replaces the current policy.
func (s *PolicyStore) Set(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}
