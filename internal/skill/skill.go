package skill

import "context"

// Info contains descriptive metadata for a skill or hub implementation.
type Info struct {
	// Name is the dispatch target, e.g. "skill.filesystem" or "hub.delivery".
	Name        string
	Description string
	Version     string
	// Methods lists the operations the implementation accepts.
	Methods []string
}

// Invocation carries one step's worth of execution input to a skill or hub.
type Invocation struct {
	PlanID string
	StepID string
	Origin string
	Method string
	Params map[string]any
	// DryRun asks the implementation to describe its effect without
	// producing real side effects.
	DryRun bool
}

// Result is the structured outcome of a skill invocation.
type Result struct {
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
}

// WorkflowStepResult records the outcome of one step inside a hub workflow.
type WorkflowStepResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkflowMetrics aggregates step counts and timing for one workflow run.
type WorkflowMetrics struct {
	StepsTotal     int   `json:"steps_total"`
	StepsCompleted int   `json:"steps_completed"`
	DurationMS     int64 `json:"duration_ms"`
}

// WorkflowResult is the structured outcome of one hub workflow run.
type WorkflowResult struct {
	ExecutionID string               `json:"execution_id"`
	Status      string               `json:"status"`
	Output      string               `json:"output"`
	Data        map[string]any       `json:"data,omitempty"`
	StepResults []WorkflowStepResult `json:"step_results,omitempty"`
	Error       string               `json:"error,omitempty"`
	Metrics     WorkflowMetrics      `json:"metrics"`
}

// AsResult flattens the workflow outcome into the generic invocation
// result used by step dispatch, preserving the workflow-specific fields
// in the data map.
func (w *WorkflowResult) AsResult() *Result {
	data := make(map[string]any, len(w.Data)+3)
	for k, v := range w.Data {
		data[k] = v
	}
	data["execution_id"] = w.ExecutionID
	data["step_results"] = w.StepResults
	data["metrics"] = w.Metrics
	return &Result{Output: w.Output, Data: data}
}

// Skill is a single capability addressable by a dispatch target name.
type Skill interface {
	// Info returns the static metadata for the skill.
	Info() Info
	// ValidateParams checks an invocation's parameters before execution.
	ValidateParams(method string, params map[string]any) error
	// Execute performs the invocation. Implementations must honour
	// cancellation through the context.
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// WorkflowInfo describes one named workflow exposed by a hub.
type WorkflowInfo struct {
	Name        string
	Description string
	// Steps is the expected step count of the workflow, zero when dynamic.
	Steps int
}

// Hub groups related multi-step workflows behind a single dispatch target.
type Hub interface {
	// Info returns the static metadata for the hub.
	Info() Info
	// ListWorkflows enumerates the workflows the hub can run.
	ListWorkflows() []WorkflowInfo
	// GetWorkflow returns metadata for one workflow, or a
	// WORKFLOW_NOT_FOUND error when the name is unknown.
	GetWorkflow(name string) (*WorkflowInfo, error)
	// ValidateParams checks workflow parameters before execution.
	ValidateParams(workflow string, params map[string]any) error
	// ExecuteWorkflow runs the named workflow to completion. The
	// returned result carries the hub-issued execution id, per-step
	// outcomes and aggregate metrics.
	ExecuteWorkflow(ctx context.Context, workflow string, inv Invocation) (*WorkflowResult, error)
}
