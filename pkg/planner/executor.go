package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/sandbox"
	"github.com/tandem-run/tandem/pkg/summarizer"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// ActionExecutor routes validated planner commands to their handlers and
// normalizes outcomes into agent steps.
type ActionExecutor struct {
	index      *toolindex.Index
	dispatcher mcp.Dispatcher
	runner     *sandbox.Runner
	bridge     *sandbox.Bridge
	summarizer *summarizer.Summarizer

	// Orchestrator task threaded into summarization prompts.
	orchestratorTask string
}

// NewActionExecutor wires an executor for one planner run. bridge may be
// nil when code execution is disabled.
func NewActionExecutor(
	index *toolindex.Index,
	dispatcher mcp.Dispatcher,
	runner *sandbox.Runner,
	bridge *sandbox.Bridge,
	sum *summarizer.Summarizer,
	orchestratorTask string,
) *ActionExecutor {
	return &ActionExecutor{
		index:            index,
		dispatcher:       dispatcher,
		runner:           runner,
		bridge:           bridge,
		summarizer:       sum,
		orchestratorTask: orchestratorTask,
	}
}

// Execute runs one validated command against the state and returns the
// resulting (unindexed) step.
func (e *ActionExecutor) Execute(ctx context.Context, state *State, cmd *Command) models.AgentStep {
	switch {
	case cmd.Search != nil:
		return e.execSearch(ctx, state, cmd)
	case cmd.Tool != nil:
		return e.execTool(ctx, state, cmd)
	case cmd.Sandbox != nil:
		return e.execSandbox(ctx, state, cmd)
	case cmd.Inspect != nil:
		return e.execInspect(state, cmd)
	case cmd.Finish != nil:
		state.Finished = true
		state.FinalSummary = cmd.Finish.Summary
		return models.AgentStep{
			Kind: models.StepKindFinish, Reasoning: cmd.Reasoning,
			Command: cmd.Raw(), Success: true,
			Preview: models.MakePreview(cmd.Finish.Summary),
		}
	default:
		state.Failed = true
		state.FinalSummary = cmd.Fail.Reason
		state.FailCode = CodeFailAction
		return models.AgentStep{
			Kind: models.StepKindFail, Reasoning: cmd.Reasoning,
			Command: cmd.Raw(), Success: false,
			Error: cmd.Fail.Reason, ErrorCode: CodeFailAction,
			Preview: models.MakePreview(cmd.Fail.Reason),
		}
	}
}

// execSearch queries the index and merges hits into the cache.
func (e *ActionExecutor) execSearch(ctx context.Context, state *State, cmd *Command) models.AgentStep {
	entries, err := e.index.Search(ctx, cmd.Search.Query, toolindex.SearchOptions{
		ProviderFilter: cmd.Search.Provider,
		Limit:          cmd.Search.Limit,
		UserID:         state.UserID,
	})
	state.SearchCount++

	step := models.AgentStep{
		Kind:      models.StepKindSearch,
		Reasoning: cmd.Reasoning,
		Command:   cmd.Raw(),
	}
	if err != nil {
		step.Error = err.Error()
		step.ErrorCode = CodeToolExecutionFailed
		return step
	}

	state.MergeSearchResults(entries)

	found := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		found = append(found, map[string]any{
			"tool_id":   entry.Descriptor.ToolID,
			"signature": entry.Descriptor.Signature,
			"score":     entry.Score,
		})
	}
	step.Success = true
	step.Observation = map[string]any{"found_tools": found, "count": len(entries)}
	step.Preview = models.MakePreview(fmt.Sprintf("search %q found %d tools", cmd.Search.Query, len(entries)))

	events.EmitterFrom(ctx).Emit(events.EventSearchCompleted, map[string]any{
		"query": cmd.Search.Query,
		"count": len(entries),
	})
	return step
}

// execTool dispatches a tool call, stores the raw envelope, and runs the
// observation through the summarizer.
func (e *ActionExecutor) execTool(ctx context.Context, state *State, cmd *Command) models.AgentStep {
	provider, tool, _ := models.SplitToolID(cmd.Tool.ToolID)
	step := models.AgentStep{
		Kind:      models.StepKindTool,
		Reasoning: cmd.Reasoning,
		Command:   cmd.Raw(),
		ToolID:    cmd.Tool.ToolID,
		Provider:  provider,
		ToolName:  tool,
		Args:      cmd.Tool.Args,
	}
	payload := cleanPayload(cmd.Tool.Args)
	if desc, ok := e.index.GetTool(cmd.Tool.ToolID); ok {
		step.Server = desc.Server
		if err := toolindex.ValidateArgs(desc, payload); err != nil {
			step.Error = err.Error()
			step.ErrorCode = CodeToolExecutionFailed
			return step
		}
	}

	env, err := e.dispatcher.DispatchTool(ctx, provider, tool, payload)
	if err != nil {
		step.Error = err.Error()
		step.ErrorCode = CodeToolExecutionFailed
		events.EmitterFrom(ctx).Emit(events.EventActionException, map[string]any{
			"tool_id": cmd.Tool.ToolID, "error": err.Error(),
		})
		return step
	}

	step.RawOutputKey = state.RawOutputs.Append(models.ToolKey(provider, tool), env)

	outcome, sumErr := e.summarizer.Process(ctx, &summarizer.Input{
		RunID:            state.RunID,
		Task:             state.Task,
		OrchestratorTask: e.orchestratorTask,
		ActionIdentity:   cmd.Tool.ToolID,
		ActionInput:      payload,
		Reasoning:        cmd.Reasoning,
		Raw:              env,
		Source:           summarizer.SourceTool,
	})
	if sumErr != nil {
		step.Error = sumErr.Error()
		step.ErrorCode = CodeToolExecutionFailed
		return step
	}

	step.Success = env.Successful
	step.Observation = outcome.Payload
	step.IsSmartSummary = outcome.Summarized
	step.OriginalTokens = outcome.OriginalTokens
	step.CompressedTokens = outcome.CompressedTokens
	step.Preview = previewOf(outcome.Payload)
	if !env.Successful {
		step.Error = env.Error
	}
	return step
}

// execSandbox statically checks the code against the discovery cache,
// runs it, and normalizes the result.
func (e *ActionExecutor) execSandbox(ctx context.Context, state *State, cmd *Command) models.AgentStep {
	label := cmd.Sandbox.Label
	if label == "" {
		label = fmt.Sprintf("run_%d", len(state.Steps))
	}
	step := models.AgentStep{
		Kind:      models.StepKindSandbox,
		Reasoning: cmd.Reasoning,
		Command:   cmd.Raw(),
		ToolName:  label,
	}

	analysis, err := sandbox.Analyze(cmd.Sandbox.Code)
	if err != nil {
		step.Error = err.Error()
		step.ErrorCode = CodeSandboxInvalidBody
		return step
	}

	// Every referenced server and function must have been discovered.
	discovered := state.DiscoveredFunctions()
	for provider, fns := range analysis.ProvidersUsed {
		known, ok := discovered[provider]
		if !ok {
			step.Error = fmt.Sprintf("sandbox code uses unknown server %q — search for its tools first", provider)
			step.ErrorCode = CodeUnknownServer
			return step
		}
		for _, fn := range fns {
			if !known[fn] {
				step.Error = fmt.Sprintf("sandbox code calls undiscovered tool %s.%s", provider, fn)
				step.ErrorCode = CodeUndiscoveredTool
				return step
			}
		}
	}

	events.EmitterFrom(ctx).Emit(events.EventSandboxRun, map[string]any{"label": label})

	result, err := e.runner.Run(ctx, sandbox.RunParams{
		Code:        cmd.Sandbox.Code,
		Label:       label,
		Descriptors: state.DiscoveredDescriptors(),
		Bridge:      e.bridge,
		UserID:      state.UserID,
		RequestID:   state.RequestID,
	})
	if err != nil {
		step.Error = err.Error()
		step.ErrorCode = CodeSandboxRuntimeError
		return step
	}

	value := normalizeSandboxValue(result.Value)
	raw := map[string]any{"result": value, "logs": result.Logs, "stderr": result.Stderr}
	step.RawOutputKey = state.RawOutputs.Append(models.SandboxKey(label), raw)

	switch {
	case result.TimedOut:
		step.Error = result.Error
		step.ErrorCode = CodeSandboxTimeout
		step.Observation = map[string]any{"successful": false, "error": result.Error, "logs": result.Logs}
		return step
	case !result.Success:
		step.Error = result.Error
		if sandbox.LooksLikeSyntaxError(result.Stderr, result.Error) {
			step.ErrorCode = CodeSandboxSyntaxError
			events.EmitterFrom(ctx).Emit(events.EventSandboxSyntaxError, map[string]any{
				"label": label, "error": result.Error,
			})
		} else {
			step.ErrorCode = CodeSandboxRuntimeError
		}
		step.Observation = map[string]any{"successful": false, "error": result.Error, "logs": result.Logs}
		return step
	}

	observation := buildSandboxObservation(value, analysis)

	outcome, sumErr := e.summarizer.Process(ctx, &summarizer.Input{
		RunID:            state.RunID,
		Task:             state.Task,
		OrchestratorTask: e.orchestratorTask,
		ActionIdentity:   models.SandboxKey(label),
		ActionInput:      cmd.Sandbox.Code,
		Reasoning:        cmd.Reasoning,
		Raw:              observation,
		Source:           summarizer.SourceSandbox,
	})
	if sumErr != nil {
		step.Error = sumErr.Error()
		step.ErrorCode = CodeSandboxRuntimeError
		return step
	}

	step.Success = true
	step.Observation = outcome.Payload
	step.IsSmartSummary = outcome.Summarized
	step.OriginalTokens = outcome.OriginalTokens
	step.CompressedTokens = outcome.CompressedTokens
	step.Preview = previewOf(outcome.Payload)

	// Empty result despite tool calls in the code: flag it so the LLM
	// doesn't mistake silence for success.
	if emptySandboxResult(value) && len(analysis.ProvidersUsed) > 0 {
		step.ErrorCode = CodeSandboxEmptyResult
	}
	return step
}

// execInspect expands one folded output subtree.
func (e *ActionExecutor) execInspect(state *State, cmd *Command) models.AgentStep {
	step := models.AgentStep{
		Kind:      models.StepKindInspect,
		Reasoning: cmd.Reasoning,
		Command:   cmd.Raw(),
		ToolID:    cmd.Inspect.ToolID,
	}
	fields, err := e.index.InspectOutput(cmd.Inspect.ToolID, cmd.Inspect.FieldPath)
	if err != nil {
		step.Error = err.Error()
		step.ErrorCode = CodeParseError
		return step
	}
	// Newly surfaced fold markers become inspectable too.
	for _, line := range fields {
		if path, ok := toolindex.IsFoldMarker(line); ok {
			state.FoldMarkers[foldKey(cmd.Inspect.ToolID, path)] = true
		}
	}
	step.Success = true
	step.Observation = map[string]any{"field_path": cmd.Inspect.FieldPath, "fields": fields}
	step.Preview = models.MakePreview(fmt.Sprintf("inspected %s %s (%d fields)",
		cmd.Inspect.ToolID, cmd.Inspect.FieldPath, len(fields)))
	return step
}

// cleanPayload drops nil optionals the way the sandbox stubs do.
func cleanPayload(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// normalizeSandboxValue unwraps the wrapper envelope's data field and,
// when the user body itself returned a nested {data: ...} envelope,
// unwraps that too.
func normalizeSandboxValue(value any) any {
	env, ok := value.(map[string]any)
	if !ok {
		return value
	}
	data, ok := env["data"]
	if !ok {
		return value
	}
	if nested, ok := data.(map[string]any); ok {
		if _, hasSucc := nested["successful"]; hasSucc {
			if inner, hasData := nested["data"]; hasData {
				return inner
			}
		}
	}
	return data
}

// buildSandboxObservation augments the result with the recursive
// all-tools-succeeded check.
func buildSandboxObservation(value any, analysis *sandbox.Analysis) map[string]any {
	allOK, count := models.AllEmbeddedSuccessful(value)
	obs := map[string]any{
		"successful":           true,
		"result":               value,
		"_all_tools_succeeded": allOK,
	}
	if emptySandboxResult(value) && len(analysis.ProvidersUsed) > 0 && count == 0 {
		obs["_all_tools_succeeded"] = false
		obs["warning"] = "sandbox executed tool calls but returned an empty result"
	}
	return obs
}

// emptySandboxResult reports whether the user body returned nothing
// useful: nil, empty map, empty list, or empty string.
func emptySandboxResult(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	case string:
		return v == ""
	default:
		return false
	}
}

// previewOf renders a bounded preview of an observation.
func previewOf(observation any) string {
	raw, err := json.Marshal(observation)
	if err != nil {
		return ""
	}
	return models.MakePreview(string(raw))
}
