package models

// ConstraintMode selects how the tool surface for a run is determined.
type ConstraintMode string

const (
	// ConstraintModeAuto exposes every tool the user is authorized for.
	ConstraintModeAuto ConstraintMode = "auto"
	// ConstraintModeCustom restricts the surface to explicit allow-lists.
	ConstraintModeCustom ConstraintMode = "custom"
)

// IsValid checks the constraint mode (empty means auto).
func (m ConstraintMode) IsValid() bool {
	return m == "" || m == ConstraintModeAuto || m == ConstraintModeCustom
}

// TenantInfo identifies who a run belongs to.
type TenantInfo struct {
	TenantID  string            `json:"tenant_id"`
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Budget holds the per-run caps. Zero MaxToolCalls, MaxCodeRuns and
// MaxCostUSD fall back to configured defaults at run start; a zero
// MaxSteps stays zero (see DefaultMaxSteps for the wire default).
type Budget struct {
	MaxSteps    int     `json:"max_steps,omitempty"`
	MaxToolCalls int    `json:"max_tool_calls,omitempty"`
	MaxCodeRuns int     `json:"max_code_runs,omitempty"`
	MaxCostUSD  float64 `json:"max_cost_usd,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// RunMetadata carries environment hints for the run.
type RunMetadata struct {
	Platform           string `json:"platform,omitempty"`
	Controller         string `json:"controller,omitempty"`
	Worker             string `json:"worker,omitempty"`
	Grounding          string `json:"grounding,omitempty"`
	AllowCodeExecution bool   `json:"allow_code_execution"`
}

// ToolConstraints narrows the tool surface for a run.
// Mode auto means all authorized providers; custom uses the allow-lists.
type ToolConstraints struct {
	Mode      ConstraintMode `json:"mode,omitempty"`
	Providers []string       `json:"providers,omitempty"`
	Tools     []string       `json:"tools,omitempty"`
}

// DefaultMaxSteps is the wire-format default for budget.max_steps.
// Decode requests over DefaultedRequest() so an absent field gets the
// default while an explicit zero stays zero (and exhausts immediately).
const DefaultMaxSteps = 15

// DefaultedRequest returns a request pre-filled with wire defaults,
// meant as the decode target for incoming JSON.
func DefaultedRequest() OrchestratorRequest {
	return OrchestratorRequest{
		Budget: Budget{MaxSteps: DefaultMaxSteps},
	}
}

// OrchestratorRequest is the input for one run.
type OrchestratorRequest struct {
	Task            string           `json:"task"`
	Tenant          TenantInfo       `json:"tenant"`
	Budget          Budget           `json:"budget"`
	Metadata        RunMetadata      `json:"metadata"`
	ToolConstraints ToolConstraints  `json:"tool_constraints"`
	PreferredAgents []TargetType     `json:"preferred_agents,omitempty"`
	ComposedPlan    []map[string]any `json:"composed_plan,omitempty"`
}
