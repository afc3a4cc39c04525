// internal/ratelimit/limits.go
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config holds token bucket parameters for one integration.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// IntegrationLimiter manages per-integration submission limits with a
// shared default and optional per-integration overrides.
type IntegrationLimiter struct {
	mu        sync.Mutex
	def       Config
	overrides map[string]Config
	limiters  map[string]*rate.Limiter
}

// NewIntegrationLimiter creates a limiter with the given default config.
// A zero default disables limiting for integrations without overrides.
func NewIntegrationLimiter(def Config) *IntegrationLimiter {
	return &IntegrationLimiter{
		def:       def,
		overrides: make(map[string]Config),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetLimit sets a custom limit for one integration, replacing any
// existing bucket so the new limit applies immediately.
func (il *IntegrationLimiter) SetLimit(integrationID string, cfg Config) {
	il.mu.Lock()
	defer il.mu.Unlock()

	il.overrides[integrationID] = cfg
	delete(il.limiters, integrationID)
}

// ClearLimit removes an integration override, reverting to the default.
func (il *IntegrationLimiter) ClearLimit(integrationID string) {
	il.mu.Lock()
	defer il.mu.Unlock()

	delete(il.overrides, integrationID)
	delete(il.limiters, integrationID)
}

// Allow reports whether the integration may submit another analysis.
func (il *IntegrationLimiter) Allow(integrationID string) bool {
	il.mu.Lock()
	defer il.mu.Unlock()

	cfg, ok := il.overrides[integrationID]
	if !ok {
		cfg = il.def
	}
	if cfg.RatePerSecond <= 0 {
		return true
	}

	limiter, ok := il.limiters[integrationID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
		il.limiters[integrationID] = limiter
	}
	return limiter.Allow()
}

// Forget drops all state for an integration. Used when one is deleted.
func (il *IntegrationLimiter) Forget(integrationID string) {
	il.mu.Lock()
	defer il.mu.Unlock()

	delete(il.overrides, integrationID)
	delete(il.limiters, integrationID)
}
