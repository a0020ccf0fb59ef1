// Package research holds the domain types shared by the agent loop, tool
// execution, evidence, and citation layers.
package research

import "time"

// Depth guides how much evidence a sub-question needs.
type Depth string

const (
	DepthShallow Depth = "shallow"
	DepthMedium  Depth = "medium"
	DepthDeep    Depth = "deep"
)

// Sensitivity describes how time-critical a question is.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Mode selects the research profile; deep mode tolerates more no-gain steps.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
)

// PlanStep is one sub-question of a research plan.
type PlanStep struct {
	Step                int         `json:"step"`
	SubQuestion         string      `json:"sub_question"`
	InitialQueries      []string    `json:"initial_queries"`
	DepthRequired       Depth       `json:"depth_required"`
	TemporalSensitivity Sensitivity `json:"temporal_sensitivity"`
}

// TemporalAwareness is plan-level time context.
type TemporalAwareness struct {
	OverallSensitivity Sensitivity `json:"overall_sensitivity"`
	CurrentDate        string      `json:"current_date"`
}

// Plan is the ordered research procedure. It is created once per session and
// immutable afterwards, except for fields defaulted when the model omits them.
type Plan struct {
	Steps               []PlanStep        `json:"steps"`
	EstimatedIterations int               `json:"estimated_iterations"`
	RiskAssessment      string            `json:"risk_assessment"`
	Temporal            TemporalAwareness `json:"temporal_awareness"`
	Fallback            bool              `json:"fallback,omitempty"`
}

// SourceRef is one reference produced by a tool call.
type SourceRef struct {
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	Description   string    `json:"description,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
	UsedInReport  bool      `json:"used_in_report"`
	EnhancedIndex int       `json:"enhanced_index,omitempty"`
}

// ActionKind discriminates what the model decided to do on a step.
type ActionKind string

const (
	ActionToolCall           ActionKind = "tool_call"
	ActionFinalAnswer        ActionKind = "final_answer"
	ActionError              ActionKind = "error"
	ActionKnowledgeRetrieval ActionKind = "knowledge_retrieval"
	ActionOutlineRequest     ActionKind = "outline_request"
)

// Action records the decision behind a step.
type Action struct {
	Kind       ActionKind             `json:"kind"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Thought    string                 `json:"thought,omitempty"`
}

// Step is one entry of the append-only session transcript. Steps are never
// mutated after append; later stages only read them.
type Step struct {
	Index       int         `json:"index"`
	Action      Action      `json:"action"`
	Observation string      `json:"observation"`
	KeyFinding  string      `json:"key_finding,omitempty"`
	Sources     []SourceRef `json:"sources,omitempty"`
	Success     bool        `json:"success"`
}

// Status is the terminal state of a research session.
type Status string

const (
	StatusAnswered      Status = "answered"
	StatusMaxIterations Status = "max_iterations"
	StatusNoGain        Status = "no_gain_exhausted"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// Result is the wholesale-serializable outcome returned to the caller.
type Result struct {
	RunID      string      `json:"run_id"`
	Query      string      `json:"query"`
	Mode       Mode        `json:"mode"`
	Status     Status      `json:"status"`
	Success    bool        `json:"success"`
	Report     string      `json:"report,omitempty"`
	Citations  string      `json:"citations,omitempty"`
	Degraded   bool        `json:"degraded,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Plan       *Plan       `json:"plan,omitempty"`
	Steps      []Step      `json:"steps,omitempty"`
	Sources    []SourceRef `json:"sources,omitempty"`
	Iterations int         `json:"iterations"`
	TokensUsed int         `json:"tokens_used"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}
