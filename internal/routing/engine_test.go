package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/coordinator/internal/breaker"
	"github.com/coordcore/coordinator/internal/registry"
)

var t0 = time.Unix(1_700_000_000, 0)

func desc(id string, tier registry.Tier, workflows, caps []string) registry.Descriptor {
	return registry.Descriptor{
		ID:           id,
		Kind:         registry.KindWorkflowPrimary,
		Endpoint:     "http://" + id,
		Capabilities: caps,
		Workflows:    workflows,
		Tier:         tier,
		RegisteredAt: t0,
		Status:       registry.StatusActive,
		Breaker:      breaker.New(),
	}
}

func ocrRequest() *Request {
	return &Request{Workflow: "ocr", Capabilities: []string{"document_ocr"}}
}

func TestSelect_FiltersWorkflowAndCapabilities(t *testing.T) {
	snap := []registry.Descriptor{
		desc("mcp-a", registry.TierHigh, []string{"ocr"}, []string{"document_ocr"}),
		desc("mcp-b", registry.TierHigh, []string{"code_gen"}, []string{"document_ocr"}),
		desc("mcp-c", registry.TierHigh, []string{"ocr"}, []string{"table_extraction"}),
	}
	cands, excluded := Select(snap, ocrRequest(), t0)
	require.Len(t, cands, 1)
	assert.Equal(t, "mcp-a", cands[0].ID)

	reasons := map[string]string{}
	for _, e := range excluded {
		reasons[e.ID] = e.Reason
	}
	assert.Equal(t, ReasonNoWorkflow, reasons["mcp-b"])
	assert.Equal(t, ReasonNoCapability, reasons["mcp-c"])
}

func TestSelect_FallbackOnlyWhenPrimaryTierEmpty(t *testing.T) {
	a := desc("mcp-a", registry.TierHigh, []string{"ocr"}, []string{"document_ocr"})
	f := desc("mcp-f", registry.TierFallback, []string{"*"}, []string{"document_ocr"})

	cands, _ := Select([]registry.Descriptor{a, f}, ocrRequest(), t0)
	require.Len(t, cands, 1, "no fallback may appear while a non-fallback is selectable")
	assert.Equal(t, "mcp-a", cands[0].ID)

	a.Status = registry.StatusDead
	cands, _ = Select([]registry.Descriptor{a, f}, ocrRequest(), t0)
	require.Len(t, cands, 1)
	assert.Equal(t, "mcp-f", cands[0].ID)
	assert.Greater(t, cands[0].Score, 0.0, "fallback is scored normally once the primary tier is empty")
}

func TestSelect_ScoringOrder(t *testing.T) {
	exact := desc("mcp-exact", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	wild := desc("mcp-wild", registry.TierMedium, []string{"*"}, []string{"document_ocr"})
	cands, _ := Select([]registry.Descriptor{wild, exact}, ocrRequest(), t0)
	require.Len(t, cands, 2)
	assert.Equal(t, "mcp-exact", cands[0].ID, "exact workflow match beats wildcard")
	assert.Equal(t, 40.0, cands[0].Score-cands[1].Score)
}

func TestSelect_SpecialistPreferredOverGeneralist(t *testing.T) {
	specialist := desc("mcp-niche", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	generalist := desc("mcp-gen", registry.TierMedium, []string{"ocr"},
		[]string{"document_ocr", "handwriting", "table_extraction"})
	cands, _ := Select([]registry.Descriptor{generalist, specialist}, ocrRequest(), t0)
	assert.Equal(t, "mcp-niche", cands[0].ID)
}

func TestSelect_TierAndDegradedWeights(t *testing.T) {
	high := desc("mcp-high", registry.TierHigh, []string{"ocr"}, []string{"document_ocr"})
	med := desc("mcp-med", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	degraded := desc("mcp-deg", registry.TierHigh, []string{"ocr"}, []string{"document_ocr"})
	degraded.Status = registry.StatusDegraded

	cands, _ := Select([]registry.Descriptor{med, degraded, high}, ocrRequest(), t0)
	require.Len(t, cands, 3)
	assert.Equal(t, "mcp-high", cands[0].ID)
	assert.Equal(t, "mcp-deg", cands[1].ID, "degraded costs 5, still above medium tier")
	assert.Equal(t, "mcp-med", cands[2].ID)
}

func TestSelect_SuccessRateAndLoad(t *testing.T) {
	good := desc("mcp-good", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	good.Perf = registry.PerfWindow{Success: 9, Failure: 1, LoadEWMA: 0.1}
	bad := desc("mcp-bad", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	bad.Perf = registry.PerfWindow{Success: 1, Failure: 9, LoadEWMA: 0.9}

	cands, _ := Select([]registry.Descriptor{bad, good}, ocrRequest(), t0)
	assert.Equal(t, "mcp-good", cands[0].ID)
}

func TestSelect_TieBreakLatencyThenAgeThenID(t *testing.T) {
	slow := desc("mcp-a-slow", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	slow.Perf.AvgLatencyMs = 500
	slow.Perf.Success = 1
	fast := desc("mcp-z-fast", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	fast.Perf.AvgLatencyMs = 100
	fast.Perf.Success = 1

	cands, _ := Select([]registry.Descriptor{slow, fast}, ocrRequest(), t0)
	assert.Equal(t, "mcp-z-fast", cands[0].ID, "lower latency wins ties")

	older := desc("mcp-b", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	older.RegisteredAt = t0.Add(-time.Hour)
	newer := desc("mcp-a", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	cands, _ = Select([]registry.Descriptor{newer, older}, ocrRequest(), t0)
	assert.Equal(t, "mcp-b", cands[0].ID, "earlier registration wins ties")

	twinA := desc("mcp-a", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	twinB := desc("mcp-b", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	cands, _ = Select([]registry.Descriptor{twinB, twinA}, ocrRequest(), t0)
	assert.Equal(t, "mcp-a", cands[0].ID, "lexicographic id is the final tie-break")
}

func TestSelect_BreakerOpenExcluded(t *testing.T) {
	a := desc("mcp-a", registry.TierHigh, []string{"ocr"}, []string{"document_ocr"})
	a.Breaker.ForceOpen(t0)

	cands, excluded := Select([]registry.Descriptor{a}, ocrRequest(), t0)
	assert.Empty(t, cands)
	require.Len(t, excluded, 1)
	assert.Equal(t, ReasonBreakerOpen, excluded[0].Reason)

	// After the cool-down the same snapshot yields a probe candidate.
	cands, _ = Select([]registry.Descriptor{a}, ocrRequest(), t0.Add(breaker.DefaultCoolDown))
	assert.Len(t, cands, 1)
}

func TestSelect_AttemptedExcluded(t *testing.T) {
	a := desc("mcp-a", registry.TierHigh, []string{"ocr"}, []string{"document_ocr"})
	b := desc("mcp-b", registry.TierMedium, []string{"ocr"}, []string{"document_ocr"})
	req := ocrRequest()
	req.Attempted = []string{"mcp-a"}

	cands, excluded := Select([]registry.Descriptor{a, b}, req, t0)
	require.Len(t, cands, 1)
	assert.Equal(t, "mcp-b", cands[0].ID)
	assert.Equal(t, ReasonAttempted, excluded[0].Reason)
}

func TestSelect_EmptySnapshot(t *testing.T) {
	cands, excluded := Select(nil, ocrRequest(), t0)
	assert.Empty(t, cands)
	assert.Empty(t, excluded)
}
