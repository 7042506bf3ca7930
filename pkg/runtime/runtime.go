// Package runtime is the entrypoint that owns run identity, per-run
// context wiring (logger, emitter, budget), the concurrency limiter,
// and terminal serialization.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/orchestrator"
	"github.com/tandem-run/tandem/pkg/runlog"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// Sentinel errors for request validation.
var (
	ErrEmptyTask       = errors.New("task must not be empty")
	ErrUnknownProvider = errors.New("unknown provider in tool constraints")
)

// Runtime owns the process-wide singletons and accepts runs.
type Runtime struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	index   *toolindex.Index
	signals *signals.Bus
	costs   *budget.CostTracker
	stream  *events.StreamBus

	sem *semaphore.Weighted

	mu       sync.Mutex
	trackers map[string]*budget.Tracker // runID → tracker
	states   map[string]*models.RunState
}

// New wires a runtime. The orchestrator is constructed by the caller
// (cmd wiring or tests) so bridges can be substituted.
func New(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	index *toolindex.Index,
	sigBus *signals.Bus,
	costs *budget.CostTracker,
	stream *events.StreamBus,
) *Runtime {
	concurrency := cfg.Runtime.MaxConcurrentRuns
	if concurrency <= 0 {
		concurrency = config.DefaultMaxConcurrentRuns
	}
	return &Runtime{
		cfg:      cfg,
		orch:     orch,
		index:    index,
		signals:  sigBus,
		costs:    costs,
		stream:   stream,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		trackers: make(map[string]*budget.Tracker),
		states:   make(map[string]*models.RunState),
	}
}

// TrackerFor resolves the budget tracker of an active run. Used by the
// LLM facade for cost updates; nil for unknown runs.
func (r *Runtime) TrackerFor(runID string) *budget.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackers[runID]
}

// StateFor returns the current state of an active or finished run.
func (r *Runtime) StateFor(runID string) (*models.RunState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[runID]
	return state, ok
}

// Run executes one request to its terminal state.
func (r *Runtime) Run(ctx context.Context, req *models.OrchestratorRequest) (*models.RunState, error) {
	if err := r.validate(ctx, req); err != nil {
		return nil, err
	}
	return r.run(ctx, uuid.NewString(), req)
}

// Start validates and launches a run asynchronously, returning its ID
// immediately. The run outlives the caller's request context.
func (r *Runtime) Start(ctx context.Context, req *models.OrchestratorRequest) (string, error) {
	if err := r.validate(ctx, req); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	go func() {
		if _, err := r.run(context.WithoutCancel(ctx), runID, req); err != nil {
			slog.Error("Async run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// run drives one identified run to its terminal state.
func (r *Runtime) run(ctx context.Context, runID string, req *models.OrchestratorRequest) (*models.RunState, error) {
	r.signals.Clear(runID)

	runDir, err := runlog.NewRunDir(r.cfg.Runtime.LogsDir, req.Task)
	if err != nil {
		return nil, err
	}
	logger := runlog.New(runDir)

	tracker := budget.NewTracker(r.applyBudgetDefaults(req.Budget))
	runState := &models.RunState{
		RunID:        runID,
		Task:         req.Task,
		Intermediate: map[string]any{},
	}
	_, runState.CostBaseline = r.costs.RunTotals(runID)

	r.mu.Lock()
	r.trackers[runID] = tracker
	r.states[runID] = runState
	r.mu.Unlock()
	r.costs.RegisterRun(runID, runDir)

	defer func() {
		r.mu.Lock()
		delete(r.trackers, runID)
		r.mu.Unlock()
		r.costs.ReleaseRun(runID)
		r.stream.CloseRun(runID)
	}()

	emitter := events.NewEmitter(r.stream, runID, runlog.TaskHash(req.Task), req.Tenant.UserID)
	runCtx := events.WithEmitter(runlog.WithLogger(ctx, logger), emitter)

	info := orchestrator.RunInfo{
		RunID:     runID,
		UserID:    req.Tenant.UserID,
		RequestID: req.Tenant.RequestID,
	}

	runErr := r.orch.Run(runCtx, info, req, tracker, runState)
	if runErr != nil && !errors.Is(runErr, signals.ErrRunCancelled) &&
		!errors.Is(runErr, llm.ErrRequestCancelled) && !errors.Is(runErr, context.Canceled) {
		slog.Error("Run failed with infrastructure error", "run_id", runID, "error", runErr)
		runState.Completion = models.CompletionTaskImpossible
		runState.Success = false
		runState.ErrorCode = "runtime_error"
		runState.FinalSummary = runErr.Error()
	}

	runState.Intermediate["completion_status"] = string(runState.Completion)
	snapshot := tracker.Snapshot()
	runState.Intermediate["budget"] = map[string]any{
		"steps_taken": snapshot.StepsTaken,
		"tool_calls":  snapshot.ToolCalls,
		"code_runs":   snapshot.CodeRuns,
		"cost_usd":    snapshot.EstimatedCostUSD,
	}

	r.serializeTerminal(runDir, runState)
	logger.Event("run.terminal", map[string]any{
		"completion": string(runState.Completion),
		"success":    runState.Success,
	})

	return runState, nil
}

// RunMany executes requests concurrently, bounded by the configured
// semaphore. Results are returned in input order; a failed validation
// yields a nil entry and the first error is returned.
func (r *Runtime) RunMany(ctx context.Context, reqs []*models.OrchestratorRequest) ([]*models.RunState, error) {
	results := make([]*models.RunState, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			break
		}
		wg.Add(1)
		go func(i int, req *models.OrchestratorRequest) {
			defer wg.Done()
			defer r.sem.Release(1)
			results[i], errs[i] = r.Run(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// validate rejects bad input at the boundary, before a run exists.
func (r *Runtime) validate(ctx context.Context, req *models.OrchestratorRequest) error {
	if req == nil || len(req.Task) == 0 {
		return ErrEmptyTask
	}
	if !req.ToolConstraints.Mode.IsValid() {
		return fmt.Errorf("invalid tool constraint mode %q", req.ToolConstraints.Mode)
	}
	if req.ToolConstraints.Mode == models.ConstraintModeCustom {
		tree, err := r.index.GetInventory(ctx, req.Tenant.UserID, models.ToolConstraints{})
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(tree))
		for _, node := range tree {
			known[node.Provider] = true
		}
		for _, provider := range req.ToolConstraints.Providers {
			if !known[provider] {
				return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
			}
		}
	}
	return nil
}

// applyBudgetDefaults fills each zero MaxToolCalls, MaxCodeRuns and
// MaxCostUSD cap from config, independently of the others. MaxSteps is
// never filled here: a zero MaxSteps stays zero and ends the run before
// the first decision.
func (r *Runtime) applyBudgetDefaults(b models.Budget) models.Budget {
	if b.MaxToolCalls == 0 {
		b.MaxToolCalls = r.cfg.Budget.MaxToolCalls
	}
	if b.MaxCodeRuns == 0 {
		b.MaxCodeRuns = r.cfg.Budget.MaxCodeRuns
	}
	if b.MaxCostUSD == 0 {
		b.MaxCostUSD = r.cfg.Budget.MaxCostUSD
	}
	return b
}

// Cancel requests cancellation of a run at its next suspension point.
func (r *Runtime) Cancel(runID string) {
	r.signals.Cancel(runID)
}

// Events subscribes to a run's event stream.
func (r *Runtime) Events(runID string) (<-chan events.Event, func()) {
	return r.stream.Subscribe(runID)
}

// serializeTerminal writes the final run state next to the run's logs.
func (r *Runtime) serializeTerminal(runDir string, state *models.RunState) {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		slog.Warn("Failed to marshal terminal run state", "run_id", state.RunID, "error", err)
		return
	}
	path := filepath.Join(runDir, "state.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Warn("Failed to write terminal run state", "path", path, "error", err)
	}
}
