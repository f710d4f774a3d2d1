package v1

import "time"

// StepSpec is one step template inside a workflow definition.
type StepSpec struct {
	ID             string                 `json:"id" yaml:"id"`
	Name           string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Agent          string                 `json:"agent" yaml:"agent"`
	Action         string                 `json:"action" yaml:"action"`
	Params         map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryOnFailure bool                   `json:"retry_on_failure,omitempty" yaml:"retry_on_failure,omitempty"`
	MaxRetries     int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// WorkflowSpec is an immutable workflow template: a DAG of steps.
type WorkflowSpec struct {
	ID    string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string     `json:"name" yaml:"name"`
	Steps []StepSpec `json:"steps" yaml:"steps"`
}

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionReady     ExecutionStatus = "READY"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the execution can never change state again.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepState tracks one step instance within an execution.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
)

// Terminal reports whether the step instance is finished.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepInstance is the per-run state of one step.
type StepInstance struct {
	Spec        StepSpec    `json:"spec"`
	State       StepState   `json:"state"`
	TaskID      string      `json:"task_id,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Execution is the per-run state of a workflow.
type Execution struct {
	ID          string                   `json:"id"`
	WorkflowID  string                   `json:"workflow_id"`
	Status      ExecutionStatus          `json:"status"`
	Steps       map[string]*StepInstance `json:"steps"`
	Context     map[string]interface{}   `json:"context,omitempty"`
	Error       string                   `json:"error,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// DefineWorkflowResponse is returned when a workflow definition is accepted.
type DefineWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// ExecuteWorkflowRequest starts a workflow run.
type ExecuteWorkflowRequest struct {
	Params map[string]interface{} `json:"params,omitempty"`
}

// ExecuteWorkflowResponse is returned when a run is started.
type ExecuteWorkflowResponse struct {
	ExecutionID string `json:"execution_id"`
}

// ExecutionStatusResponse reports a workflow run.
type ExecutionStatusResponse struct {
	Execution *Execution `json:"execution"`
}
