package events

import "time"

// Type 标识一类生命周期事件。
type Type string

const (
	TypeIntentReceived         Type = "INTENT_RECEIVED"
	TypePlanCreated            Type = "PLAN_CREATED"
	TypeAuthorizationRequested Type = "AUTHORIZATION_REQUESTED"
	TypeAuthorizationGranted   Type = "AUTHORIZATION_GRANTED"
	TypeAuthorizationDenied    Type = "AUTHORIZATION_DENIED"
	TypeExecutionStarted       Type = "EXECUTION_STARTED"
	TypeStepStarted            Type = "STEP_STARTED"
	TypeStepCompleted          Type = "STEP_COMPLETED"
	TypeStepFailed             Type = "STEP_FAILED"
	TypeExecutionCompleted     Type = "EXECUTION_COMPLETED"
	TypeExecutionCancelled     Type = "EXECUTION_CANCELLED"
	TypeRollbackStarted        Type = "ROLLBACK_STARTED"
	TypeRollbackCompleted      Type = "ROLLBACK_COMPLETED"
)

// Event 是一条生命周期事件。Payload 只承载展示性信息，
// 订阅方不应依赖其中的字段做控制流。
type Event struct {
	Type       Type           `json:"type"`
	PlanID     string         `json:"plan_id,omitempty"`
	IntentID   string         `json:"intent_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Origin     string         `json:"origin,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
