package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/coordinator/internal/breaker"
	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/registry"
)

func setup(t *testing.T) (*Monitor, *registry.Store, *clock.Fake, string) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := registry.NewStore(clk)
	id, err := reg.Register(&registry.RegistrationRequest{
		Kind:         "workflow_primary",
		Endpoint:     "http://a",
		Capabilities: []string{"document_ocr"},
		Workflows:    []string{"ocr"},
	})
	require.NoError(t, err)
	return NewMonitor(reg, clk), reg, clk, id
}

func TestHeartbeat_KeepsActiveWithinSoftTTL(t *testing.T) {
	m, reg, clk, id := setup(t)

	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second) // under the 30s soft TTL
		require.NoError(t, m.Heartbeat(id, Metrics{Load: 0.2}))
		m.Sweep()
		d, _ := reg.Get(id)
		assert.Equal(t, registry.StatusActive, d.Status)
	}
}

func TestSweep_SoftTTLMarksSuspect(t *testing.T) {
	m, reg, clk, id := setup(t)

	clk.Advance(DefaultSoftTTL + time.Second)
	m.Sweep()
	d, _ := reg.Get(id)
	assert.Equal(t, registry.StatusSuspect, d.Status)
	assert.Equal(t, breaker.StateClosed, d.Breaker.State, "suspect does not touch the breaker")
}

func TestSweep_HardTTLMarksDeadAndOpensBreaker(t *testing.T) {
	m, reg, clk, id := setup(t)

	clk.Advance(DefaultHardTTL)
	m.Sweep()
	d, _ := reg.Get(id)
	assert.Equal(t, registry.StatusDead, d.Status)
	assert.Equal(t, breaker.StateOpen, d.Breaker.State)
}

func TestHeartbeat_RevivesDeadToHalfOpen(t *testing.T) {
	m, reg, clk, id := setup(t)

	clk.Advance(DefaultHardTTL)
	m.Sweep()

	require.NoError(t, m.Heartbeat(id, Metrics{Load: 0.1}))
	d, _ := reg.Get(id)
	assert.Equal(t, registry.StatusActive, d.Status)
	assert.Equal(t, breaker.StateHalfOpen, d.Breaker.State)
}

func TestHeartbeat_SelfDeclaredDegraded(t *testing.T) {
	m, reg, _, id := setup(t)

	require.NoError(t, m.Heartbeat(id, Metrics{Load: 0.3, Degraded: true}))
	d, _ := reg.Get(id)
	assert.Equal(t, registry.StatusDegraded, d.Status)

	// Healthy heartbeat returns it to active.
	require.NoError(t, m.Heartbeat(id, Metrics{Load: 0.1}))
	d, _ = reg.Get(id)
	assert.Equal(t, registry.StatusActive, d.Status)
}

func TestHeartbeat_HighLoadEWMADegrades(t *testing.T) {
	m, reg, _, id := setup(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Heartbeat(id, Metrics{Load: 1.0}))
	}
	d, _ := reg.Get(id)
	assert.Equal(t, registry.StatusDegraded, d.Status)
	assert.Greater(t, d.Perf.LoadEWMA, 0.9)
}

func TestHeartbeat_UnknownMCP(t *testing.T) {
	m, _, _, _ := setup(t)
	assert.ErrorIs(t, m.Heartbeat("mcp-unknown", Metrics{}), registry.ErrNotFound)
}
