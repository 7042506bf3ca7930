package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tandem-run/tandem/pkg/config"
)

// TokenUsage is the per-call token breakdown reported by an LLM provider.
type TokenUsage struct {
	CachedTokens   int `json:"cached_tokens"`
	NewInputTokens int `json:"new_input_tokens"`
	OutputTokens   int `json:"output_tokens"`
}

// Total returns the total token count of the call.
func (u TokenUsage) Total() int {
	return u.CachedTokens + u.NewInputTokens + u.OutputTokens
}

// costRecord is one JSONL line in a run's cost ledger.
type costRecord struct {
	Timestamp string  `json:"timestamp"`
	RunID     string  `json:"run_id"`
	Model     string  `json:"model"`
	Cached    int     `json:"cached_tokens"`
	NewInput  int     `json:"new_input_tokens"`
	Output    int     `json:"output_tokens"`
	CostUSD   float64 `json:"cost_usd"`
}

// CostTracker accumulates token usage and USD cost per run, and appends a
// JSONL ledger line per call. Process-wide: one instance is shared across
// all concurrent runs, protected by a single mutex.
type CostTracker struct {
	mu sync.Mutex

	// run_id → accumulated totals
	runUsage map[string]TokenUsage
	runCost  map[string]float64

	// run_id → ledger file path (set by RegisterRun)
	ledgers map[string]string
}

// NewCostTracker creates an empty cost tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		runUsage: make(map[string]TokenUsage),
		runCost:  make(map[string]float64),
		ledgers:  make(map[string]string),
	}
}

// RegisterRun binds a run to its ledger file under the run's log directory.
func (c *CostTracker) RegisterRun(runID, runDir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledgers[runID] = filepath.Join(runDir, "costs.jsonl")
}

// ReleaseRun drops the in-memory state for a finished run.
func (c *CostTracker) ReleaseRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runUsage, runID)
	delete(c.runCost, runID)
	delete(c.ledgers, runID)
}

// Record accumulates one call's usage, computes its USD cost from the
// model rates, appends the ledger line, and returns the call cost.
func (c *CostTracker) Record(runID, model string, usage TokenUsage, rates config.ModelRates) float64 {
	cost := float64(usage.CachedTokens)*rates.CachedPerToken +
		float64(usage.NewInputTokens)*rates.InputPerToken +
		float64(usage.OutputTokens)*rates.OutputPerToken

	c.mu.Lock()
	agg := c.runUsage[runID]
	agg.CachedTokens += usage.CachedTokens
	agg.NewInputTokens += usage.NewInputTokens
	agg.OutputTokens += usage.OutputTokens
	c.runUsage[runID] = agg
	c.runCost[runID] += cost
	ledger := c.ledgers[runID]
	c.mu.Unlock()

	if ledger != "" {
		c.appendLedger(ledger, costRecord{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RunID:     runID,
			Model:     model,
			Cached:    usage.CachedTokens,
			NewInput:  usage.NewInputTokens,
			Output:    usage.OutputTokens,
			CostUSD:   cost,
		})
	}

	return cost
}

// RunTotals returns the accumulated usage and cost for a run.
func (c *CostTracker) RunTotals(runID string) (TokenUsage, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runUsage[runID], c.runCost[runID]
}

// appendLedger writes one JSONL line. Ledger failures are logged, never
// propagated — cost accounting must not fail a run.
func (c *CostTracker) appendLedger(path string, rec costRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("Failed to marshal cost record", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("Failed to open cost ledger", "path", path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		slog.Warn("Failed to append cost ledger line", "path", path, "error", err)
	}
}
