package run

import (
	stdErrors "errors"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/plan"
)

// Status 表示一次运行在生命周期中的状态。
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusRunning              Status = "running"
	StatusSucceeded            Status = "succeeded"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// Run 描述一条从意图到执行结果的完整记录。
type Run struct {
	ID            string                       `json:"id"`
	Origin        string                       `json:"origin"`
	RawInput      string                       `json:"raw_input"`
	Mode          plan.Mode                    `json:"mode"`
	Metadata      map[string]any               `json:"metadata,omitempty"`
	Plan          *plan.ExecutionPlan          `json:"plan,omitempty"`
	Authorization *authz.AuthorizationResponse `json:"authorization,omitempty"`
	Prompt        string                       `json:"confirmation_prompt,omitempty"`
	Status        Status                       `json:"status"`
	Attempts      int                          `json:"attempts"`
	MaxRetries    int                          `json:"max_retries"`
	LastError     string                       `json:"last_error,omitempty"`
	ErrorCode     string                       `json:"error_code,omitempty"`
	Result        *engine.ExecutionResult      `json:"result,omitempty"`
	CreatedAt     int64                        `json:"created_at"`
	UpdatedAt     int64                        `json:"updated_at"`
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行已经结束。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
	CodeRunCompensate xerrors.Code = "RUN_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:   "run already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunCompensate, xerrors.Attributes{
		Message:   "run compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsRunError 判断错误是否为统一运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrRunNotFound) {
		return target == CodeRunNotFound
	}
	if stdErrors.Is(err, ErrRunConflict) {
		return target == CodeRunConflict
	}
	if stdErrors.Is(err, ErrRunCompleted) {
		return target == CodeRunCompleted
	}
	if stdErrors.Is(err, ErrRunExhausted) {
		return target == CodeRunExhausted
	}
	return false
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAwaitingConfirmation, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneRun(r *Run) *Run {
	clone := *r
	clone.Metadata = cloneMetadata(r.Metadata)
	if r.Plan != nil {
		planCopy := *r.Plan
		clone.Plan = &planCopy
	}
	if r.Authorization != nil {
		authCopy := *r.Authorization
		clone.Authorization = &authCopy
	}
	if r.Result != nil {
		resultCopy := *r.Result
		resultCopy.Steps = append([]engine.StepResult(nil), r.Result.Steps...)
		clone.Result = &resultCopy
	}
	return &clone
}
