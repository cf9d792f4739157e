package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleDetector(t *testing.T) {
	cd := NewCycleDetector()

	assert.False(t, cd.WouldCycle("corr-1", "Ping", "h1"), "first occurrence is not a cycle")
	cd.Record("corr-1", "Ping", "h1")
	assert.True(t, cd.WouldCycle("corr-1", "Ping", "h1"))

	assert.False(t, cd.WouldCycle("corr-2", "Ping", "h1"), "other correlation")
	assert.False(t, cd.WouldCycle("corr-1", "Ping", "h2"), "other payload")
	assert.False(t, cd.WouldCycle("corr-1", "Pong", "h1"), "other command")

	cd.Record("corr-1", "Pong", "h1")
	assert.Equal(t, 2, cd.CorrelationHistorySize("corr-1"))
	assert.Equal(t, 1, cd.HistorySize())

	cd.Clear("corr-1")
	assert.False(t, cd.WouldCycle("corr-1", "Ping", "h1"))
	assert.Zero(t, cd.HistorySize())
}

func TestQuotaEnforcer(t *testing.T) {
	q := NewQuotaEnforcer(2)
	require.NoError(t, q.Check("corr-1", "A"))
	require.NoError(t, q.Check("corr-1", "B"))

	err := q.Check("corr-1", "C")
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
	assert.False(t, IsCycleError(err))
	assert.Contains(t, err.Error(), "correlation=corr-1, command=C")
	assert.Equal(t, 3, q.Current())

	q.Reset()
	assert.Zero(t, q.Current())
	assert.Equal(t, 2, q.MaxSteps())
}

func TestQuotaEnforcer_Unlimited(t *testing.T) {
	q := NewQuotaEnforcer(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Check("corr-1", "A"))
	}
}

func TestCascadeGuard(t *testing.T) {
	g := newCascadeGuard(3)

	require.NoError(t, g.admit("corr-1", "Ping", map[string]any{"n": int64(1)}))
	err := g.admit("corr-1", "Ping", map[string]any{"n": int64(1)})
	assert.True(t, IsCycleError(err), "got %v", err)

	require.NoError(t, g.admit("corr-1", "Ping", map[string]any{"n": int64(2)}))
	require.NoError(t, g.admit("corr-1", "Ping", map[string]any{"n": int64(3)}))
	err = g.admit("corr-1", "Ping", map[string]any{"n": int64(4)})
	assert.True(t, IsQuotaError(err), "got %v", err)

	require.NoError(t, g.admit("", "Ping", map[string]any{"n": int64(1)}), "no correlation, no guard")
	require.NoError(t, g.admit("", "Ping", map[string]any{"n": int64(1)}))

	g.forget("corr-1")
	assert.Zero(t, g.steps("corr-1"))
	assert.NoError(t, g.admit("corr-1", "Ping", map[string]any{"n": int64(1)}))
}

func TestCascadeGuard_Evicts(t *testing.T) {
	g := newCascadeGuard(1)
	for i := 0; i <= maxTrackedCorrelations; i++ {
		require.NoError(t, g.admit(fmt.Sprintf("corr-%d", i), "A", nil))
	}
	assert.Zero(t, g.steps("corr-0"), "oldest correlation evicted")
	assert.Equal(t, 1, g.steps(fmt.Sprintf("corr-%d", maxTrackedCorrelations)))
	assert.Len(t, g.quotas, maxTrackedCorrelations)
	assert.Equal(t, maxTrackedCorrelations, g.cycles.HistorySize())
}
