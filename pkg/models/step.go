package models

// StepKind is the action kind of one inner planner step.
type StepKind string

const (
	StepKindSearch  StepKind = "search"
	StepKindTool    StepKind = "tool"
	StepKindInspect StepKind = "inspect_tool_output"
	StepKindSandbox StepKind = "sandbox"
	StepKindFinish  StepKind = "finish"
	StepKindFail    StepKind = "fail"
)

// IsTerminal reports whether the kind ends the planner loop.
func (k StepKind) IsTerminal() bool {
	return k == StepKindFinish || k == StepKindFail
}

// AgentStep records one action taken inside the planner loop.
// Observation holds the post-summarization payload; the uncompressed payload
// lives in the raw output store under RawOutputKey.
type AgentStep struct {
	Index            int            `json:"index"`
	Kind             StepKind       `json:"kind"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Command          map[string]any `json:"command,omitempty"`
	Success          bool           `json:"success"`
	Observation      any            `json:"observation,omitempty"`
	Preview          string         `json:"preview,omitempty"`
	RawOutputKey     string         `json:"raw_output_key,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	IsSmartSummary   bool           `json:"is_smart_summary,omitempty"`
	OriginalTokens   int            `json:"original_tokens,omitempty"`
	CompressedTokens int            `json:"compressed_tokens,omitempty"`

	// Tool identity, set on tool steps.
	ToolID   string `json:"tool_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Server   string `json:"server,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Args     any    `json:"args,omitempty"`
}

// PreviewLimit is the maximum length of a step preview.
const PreviewLimit = 200

// MakePreview truncates text to the preview limit on a rune boundary.
func MakePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewLimit {
		return text
	}
	return string(runes[:PreviewLimit])
}
