package authz

import (
	"time"

	"github.com/google/uuid"

	"Aurora-Operator/internal/plan"
)

// Decision 是授权门给出的终局裁决。
type Decision string

const (
	DecisionAllowed              Decision = "allowed"
	DecisionLimited              Decision = "limited"
	DecisionRequiresConfirmation Decision = "requires_confirmation"
	DecisionBlocked              Decision = "blocked"
)

// Level 是风险分数映射出的颜色等级。
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelRed    Level = "red"
)

// AuthorizationRequest 镜像一份执行计划提交授权。
// 同一个计划重复授权会产生新的请求对象，风险分数每次重新计算。
type AuthorizationRequest struct {
	ID          string              `json:"request_id"`
	Origin      string              `json:"origin"`
	Plan        *plan.ExecutionPlan `json:"plan"`
	RequestedAt int64               `json:"requested_at"`
}

// NewRequest 基于计划构建授权请求。
func NewRequest(p *plan.ExecutionPlan, origin string) AuthorizationRequest {
	return AuthorizationRequest{
		ID:          uuid.NewString(),
		Origin:      origin,
		Plan:        p,
		RequestedAt: time.Now().Unix(),
	}
}

// RiskFactor 描述一条影响风险分数的因素。
type RiskFactor struct {
	Factor    string `json:"factor"`
	Impact    int    `json:"impact"`
	Mitigable bool   `json:"mitigable"`
}

// AuthorizationResponse 是一次授权的完整结果。响应是值对象，
// 有效期之外不再持久保存。
type AuthorizationResponse struct {
	RequestID          string       `json:"request_id"`
	PlanID             string       `json:"plan_id"`
	Decision           Decision     `json:"decision"`
	RiskScore          int          `json:"risk_score"`
	Level              Level        `json:"level"`
	Reason             string       `json:"reason"`
	RiskFactors        []RiskFactor `json:"risk_factors,omitempty"`
	ImposedLimits      *plan.Limits `json:"imposed_limits,omitempty"`
	ConfirmationPrompt string       `json:"confirmation_prompt,omitempty"`
	ValidForMS         int64        `json:"valid_for_ms"`
	IssuedAt           int64        `json:"issued_at"`
}

// ExpiredAt 判断响应在给定时刻是否已过有效期。
func (r *AuthorizationResponse) ExpiredAt(now time.Time) bool {
	if r == nil {
		return true
	}
	deadline := time.Unix(r.IssuedAt, 0).Add(time.Duration(r.ValidForMS) * time.Millisecond)
	return now.After(deadline)
}
