// Package health tracks MCP liveness: heartbeat intake and the background
// sweeper that ages entries into suspect/dead.
package health

import (
	"context"
	"log"
	"time"

	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/registry"
)

// Defaults for heartbeat aging.
const (
	DefaultSoftTTL     = 30 * time.Second
	DefaultHardTTL     = 90 * time.Second
	DefaultSweepPeriod = 5 * time.Second

	// Self-reported load above this marks the MCP degraded.
	degradedLoadThreshold = 0.9
	// EWMA smoothing for the reported load.
	loadAlpha = 0.3
)

// Metrics is the self-reported metric block carried on a heartbeat.
type Metrics struct {
	Load     float64 `json:"load"`
	Inflight int     `json:"inflight"`
	Degraded bool    `json:"degraded,omitempty"`
}

// Monitor ages registry entries by heartbeat recency. Heartbeat intake is
// the highest-rate write in the system: it takes exactly one per-entry
// lock via the registry and nothing else.
type Monitor struct {
	registry *registry.Store
	clock    clock.Clock
	logger   *log.Logger

	SoftTTL     time.Duration
	HardTTL     time.Duration
	SweepPeriod time.Duration
}

// NewMonitor creates a health monitor over the registry.
func NewMonitor(reg *registry.Store, clk clock.Clock) *Monitor {
	return &Monitor{
		registry:    reg,
		clock:       clk,
		logger:      log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
		SoftTTL:     DefaultSoftTTL,
		HardTTL:     DefaultHardTTL,
		SweepPeriod: DefaultSweepPeriod,
	}
}

// Heartbeat records a liveness signal and folds the self-reported metrics
// into the perf window. A heartbeat on a dead entry revives it: status
// returns to active and the breaker moves to half_open so the next
// dispatch probes it.
func (m *Monitor) Heartbeat(mcpID string, metrics Metrics) error {
	now := m.clock.Now()
	ok := m.registry.Mutate(mcpID, func(d *registry.Descriptor) {
		wasDead := d.Status == registry.StatusDead
		d.LastHeartbeat = now

		if metrics.Load > 0 || d.Perf.LoadEWMA > 0 {
			d.Perf.LoadEWMA = (1-loadAlpha)*d.Perf.LoadEWMA + loadAlpha*metrics.Load
		}

		switch {
		case wasDead:
			d.Status = registry.StatusActive
			d.Breaker.Revive(now)
			m.logger.Printf("MCP %s revived by heartbeat, breaker half_open", mcpID)
		case metrics.Degraded || d.Perf.LoadEWMA >= degradedLoadThreshold:
			d.Status = registry.StatusDegraded
		default:
			d.Status = registry.StatusActive
		}
	})
	if !ok {
		return registry.ErrNotFound
	}
	return nil
}

// Sweep runs one aging pass over a registry snapshot. It is exported so
// tests can drive it directly with a fake clock.
func (m *Monitor) Sweep() {
	now := m.clock.Now()
	for _, d := range m.registry.List(registry.Filter{}) {
		age := now.Sub(d.LastHeartbeat)
		switch {
		case age >= m.HardTTL:
			if d.Status != registry.StatusDead {
				m.logger.Printf("MCP %s heartbeat %s old, marking dead", d.ID, age.Round(time.Second))
				m.registry.Mutate(d.ID, func(d *registry.Descriptor) {
					d.Status = registry.StatusDead
					d.Breaker.ForceOpen(now)
				})
			}
		case age >= m.SoftTTL:
			if d.Status == registry.StatusActive || d.Status == registry.StatusDegraded {
				m.logger.Printf("MCP %s heartbeat %s old, marking suspect", d.ID, age.Round(time.Second))
				m.registry.Mutate(d.ID, func(d *registry.Descriptor) {
					d.Status = registry.StatusSuspect
				})
			}
		}
	}
}

// Run drives the sweeper until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
