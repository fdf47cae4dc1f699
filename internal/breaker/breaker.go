// Package breaker implements the per-MCP circuit breaker that guards the
// routing engine against repeatedly dispatching to a failing provider.
package breaker

import (
	"time"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"    // Normal operation, MCP is selectable
	StateOpen     State = "open"      // Failure threshold exceeded, MCP refused
	StateHalfOpen State = "half_open" // Cool-down elapsed, next dispatch is a probe
)

// Defaults for the breaker policy.
const (
	DefaultThreshold   = 5
	DefaultWindow      = 60 * time.Second
	DefaultCoolDown    = 30 * time.Second
	DefaultMaxCoolDown = 5 * time.Minute
)

// Breaker is the serialized breaker state carried on a registry entry.
// It holds plain data so it snapshots as JSON; callers serialize access
// through the registry's per-entry lock.
type Breaker struct {
	State          State         `json:"state"`
	Consecutive    int           `json:"consecutive_failures"`
	WindowStart    time.Time     `json:"window_start,omitempty"`
	OpenUntil      time.Time     `json:"open_until,omitempty"`
	CoolDown       time.Duration `json:"cool_down_ns,omitempty"`
	LastTransition time.Time     `json:"last_transition,omitempty"`
}

// New returns a closed breaker with the default cool-down.
func New() Breaker {
	return Breaker{State: StateClosed, CoolDown: DefaultCoolDown}
}

// Allow reports whether a dispatch may be attempted now. An open breaker
// whose cool-down has elapsed transitions to half_open and allows a single
// probe.
func (b *Breaker) Allow(now time.Time) bool {
	switch b.State {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !now.Before(b.OpenUntil) {
			b.State = StateHalfOpen
			b.LastTransition = now
			return true
		}
		return false
	}
	return false
}

// RecordSuccess folds a successful dispatch outcome into the breaker.
// A successful half-open probe closes the breaker and resets the cool-down
// to its base value.
func (b *Breaker) RecordSuccess(now time.Time) {
	switch b.State {
	case StateHalfOpen:
		b.reset(now)
	case StateClosed:
		b.Consecutive = 0
		b.WindowStart = time.Time{}
	}
}

// RecordFailure folds a failed dispatch outcome into the breaker. In the
// closed state, the threshold counts consecutive failures within the
// rolling window; reaching it opens the breaker. A failing half-open probe
// reopens and doubles the cool-down, capped at DefaultMaxCoolDown.
func (b *Breaker) RecordFailure(now time.Time) {
	switch b.State {
	case StateClosed:
		if b.WindowStart.IsZero() || now.Sub(b.WindowStart) > DefaultWindow {
			b.WindowStart = now
			b.Consecutive = 0
		}
		b.Consecutive++
		if b.Consecutive >= DefaultThreshold {
			b.open(now, false)
		}
	case StateHalfOpen:
		b.open(now, true)
	}
}

// ForceOpen opens the breaker unconditionally. The health monitor uses this
// when an MCP is declared dead.
func (b *Breaker) ForceOpen(now time.Time) {
	if b.State != StateOpen {
		b.open(now, false)
	}
}

// Revive moves a forced-open breaker to half_open, used when a dead MCP
// starts heartbeating again.
func (b *Breaker) Revive(now time.Time) {
	b.State = StateHalfOpen
	b.Consecutive = 0
	b.LastTransition = now
}

func (b *Breaker) open(now time.Time, double bool) {
	if b.CoolDown == 0 {
		b.CoolDown = DefaultCoolDown
	}
	if double {
		b.CoolDown *= 2
		if b.CoolDown > DefaultMaxCoolDown {
			b.CoolDown = DefaultMaxCoolDown
		}
	}
	b.State = StateOpen
	b.OpenUntil = now.Add(b.CoolDown)
	b.Consecutive = 0
	b.WindowStart = time.Time{}
	b.LastTransition = now
}

func (b *Breaker) reset(now time.Time) {
	b.State = StateClosed
	b.Consecutive = 0
	b.WindowStart = time.Time{}
	b.OpenUntil = time.Time{}
	b.CoolDown = DefaultCoolDown
	b.LastTransition = now
}
