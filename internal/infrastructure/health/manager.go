// Package health aggregates component health checks.
package health

import (
	"context"
	"sync"
	"time"

	"stock_trader/internal/core"
)

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error

	// last observed health per component, for transition detection
	lastHealthy map[string]bool
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		checks:      make(map[string]func() error),
		lastHealthy: make(map[string]bool),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
	hm.lastHealthy[component] = true
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all critical components are healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Watch polls the checks on the interval and calls onUnhealthy once per
// healthy-to-unhealthy transition. Blocks until the context is cancelled.
func (hm *HealthManager) Watch(ctx context.Context, interval time.Duration, onUnhealthy func(component string, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.poll(onUnhealthy)
		}
	}
}

func (hm *HealthManager) poll(onUnhealthy func(component string, err error)) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for component, check := range hm.checks {
		err := check()
		wasHealthy := hm.lastHealthy[component]
		hm.lastHealthy[component] = err == nil

		if err != nil && wasHealthy {
			if hm.logger != nil {
				hm.logger.Warn("Component became unhealthy", "check", component, "error", err)
			}
			if onUnhealthy != nil {
				onUnhealthy(component, err)
			}
		}
		if err == nil && !wasHealthy && hm.logger != nil {
			hm.logger.Info("Component recovered", "check", component)
		}
	}
}
