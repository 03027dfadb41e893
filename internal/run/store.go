package run

import (
	"context"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 把 pending 或 awaiting_confirmation 状态的运行置为
	// running 并累加尝试次数，终态与并发领取返回对应错误。
	Claim(ctx context.Context, id string) (*Run, error)
	// SetAuthorization 回写授权结果；待确认的响应同时把运行
	// 置为 awaiting_confirmation。
	SetAuthorization(ctx context.Context, id string, auth *authz.AuthorizationResponse) error
	MarkSucceeded(ctx context.Context, id string, result engine.ExecutionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	MarkCancelled(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Close() error
}
