package budget

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/models"
)

func newTestTracker() *Tracker {
	return NewTracker(models.Budget{
		MaxSteps:     3,
		MaxToolCalls: 2,
		MaxCodeRuns:  1,
		MaxCostUSD:   0.5,
	})
}

func TestTrackerSnapshot(t *testing.T) {
	t.Run("fresh tracker is not exhausted", func(t *testing.T) {
		s := newTestTracker().Snapshot()
		assert.Empty(t, s.FirstExhausted())
		assert.Zero(t, s.StepsTaken)
	})

	t.Run("steps cap", func(t *testing.T) {
		tr := newTestTracker()
		for i := 0; i < 3; i++ {
			tr.RecordStep()
		}
		s := tr.Snapshot()
		assert.True(t, s.Exhausted[RuleMaxSteps])
		assert.Equal(t, RuleMaxSteps, s.FirstExhausted())
	})

	t.Run("tool call cap", func(t *testing.T) {
		tr := newTestTracker()
		tr.RecordToolCall()
		tr.RecordToolCall()
		assert.True(t, tr.Snapshot().Exhausted[RuleMaxToolCalls])
	})

	t.Run("code run cap", func(t *testing.T) {
		tr := newTestTracker()
		tr.RecordCodeRun()
		assert.True(t, tr.Snapshot().Exhausted[RuleMaxCodeRuns])
	})

	t.Run("cost cap", func(t *testing.T) {
		tr := newTestTracker()
		tr.AddCost(0.6)
		s := tr.Snapshot()
		assert.True(t, s.Exhausted[RuleMaxCostUSD])
		assert.Equal(t, RuleMaxCostUSD, s.FirstExhausted())
	})

	t.Run("zero max steps exhausts immediately", func(t *testing.T) {
		tr := NewTracker(models.Budget{MaxSteps: 0, MaxToolCalls: 5, MaxCodeRuns: 5, MaxCostUSD: 1})
		assert.Equal(t, RuleMaxSteps, tr.Snapshot().FirstExhausted())
	})
}

func TestTrackerRemainingSteps(t *testing.T) {
	tr := newTestTracker()
	assert.Equal(t, 3, tr.RemainingSteps())
	tr.RecordStep()
	tr.RecordStep()
	assert.Equal(t, 1, tr.RemainingSteps())
	tr.RecordStep()
	tr.RecordStep() // over-count must not go negative
	assert.Zero(t, tr.RemainingSteps())
}

func TestCostTracker(t *testing.T) {
	rates := config.ModelRates{
		InputPerToken:  0.000001,
		CachedPerToken: 0.0000001,
		OutputPerToken: 0.000002,
	}

	t.Run("records usage and cost per run", func(t *testing.T) {
		ct := NewCostTracker()
		cost := ct.Record("run-1", "model-a", TokenUsage{CachedTokens: 1000, NewInputTokens: 2000, OutputTokens: 500}, rates)
		assert.InDelta(t, 0.0001+0.002+0.001, cost, 1e-9)

		usage, total := ct.RunTotals("run-1")
		assert.Equal(t, 3500, usage.Total())
		assert.InDelta(t, cost, total, 1e-9)

		// Other runs are unaffected.
		_, other := ct.RunTotals("run-2")
		assert.Zero(t, other)
	})

	t.Run("appends the JSONL ledger when registered", func(t *testing.T) {
		dir := t.TempDir()
		ct := NewCostTracker()
		ct.RegisterRun("run-1", dir)
		ct.Record("run-1", "model-a", TokenUsage{NewInputTokens: 10}, rates)
		ct.Record("run-1", "model-a", TokenUsage{OutputTokens: 5}, rates)

		raw, err := readFile(filepath.Join(dir, "costs.jsonl"))
		require.NoError(t, err)
		assert.Equal(t, 2, countLines(raw))
	})

	t.Run("release drops run state", func(t *testing.T) {
		ct := NewCostTracker()
		ct.Record("run-1", "m", TokenUsage{OutputTokens: 1}, rates)
		ct.ReleaseRun("run-1")
		usage, total := ct.RunTotals("run-1")
		assert.Zero(t, usage.Total())
		assert.Zero(t, total)
	})
}
