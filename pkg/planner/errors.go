// Package planner implements the inner MCP loop: a state machine that
// loads the tool inventory, asks the LLM for one command per iteration,
// validates it, executes it, and records the step until a terminal
// command or budget exhaustion.
package planner

// Error codes carried on failed steps and terminal failures.
const (
	CodeBudgetExceeded = "budget_exceeded"

	CodeParseError       = "planner_parse_error"
	CodeUnknownTool      = "planner_used_unknown_tool"
	CodeUnknownServer    = "planner_used_unknown_server"
	CodeUndiscoveredTool = "planner_used_undiscovered_tool"
	CodeFailAction       = "planner_fail_action"

	CodeToolExecutionFailed = "tool_execution_failed"

	CodeSandboxInvalidBody  = "sandbox_invalid_body"
	CodeSandboxMissingCode  = "sandbox_missing_code"
	CodeSandboxSyntaxError  = "sandbox_syntax_error"
	CodeSandboxRuntimeError = "sandbox_runtime_error"
	CodeSandboxTimeout      = "sandbox_timeout"
	CodeSandboxEmptyResult  = "sandbox_empty_result"

	CodeCancelled = "cancelled"
)

// maxSandboxSyntaxRetries is the number of recoverable sandbox syntax
// errors allowed per label before the planner escalates to terminal
// failure.
const maxSandboxSyntaxRetries = 2
