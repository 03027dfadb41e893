package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/observability/alerting"
	"Aurora-Operator/internal/observability/metrics"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/pkg/logger"
)

// Authorizer 定义处理器所需的授权门能力。
type Authorizer interface {
	Authorize(ctx context.Context, req authz.AuthorizationRequest) (*authz.AuthorizationResponse, error)
}

// Executor 定义处理器所需的执行引擎能力。
type Executor interface {
	ExecutePlan(ctx context.Context, p *plan.ExecutionPlan, auth *authz.AuthorizationResponse) (*engine.ExecutionResult, error)
}

// Processor 负责从队列消费运行：先过授权门，再交给执行引擎。
type Processor struct {
	authorizer  Authorizer
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(authorizer Authorizer, executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		authorizer:  authorizer,
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条运行。导出以便直接驱动（测试与内存部署）。
func (p *Processor) Handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil || p.authorizer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	r, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrRunConflict) {
			p.logDebug("运行已被其他处理器领取", slog.String("run_id", runID))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}
	if r.Plan == nil {
		if storeErr := p.store.MarkFailed(ctx, r.ID, CodeRunValidation, "运行缺少执行计划", true); storeErr != nil {
			return storeErr
		}
		return nil
	}

	auth, proceed, err := p.ensureAuthorized(ctx, r)
	if err != nil {
		return p.handleExecutionFailure(ctx, r, err)
	}
	if !proceed {
		return nil
	}

	result, execErr := p.executor.ExecutePlan(ctx, r.Plan, auth)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, r, execErr)
	}

	switch result.Status {
	case engine.StatusCompleted:
		if err := p.store.MarkSucceeded(ctx, r.ID, *result); err != nil {
			return p.retryAfterStoreFailure(ctx, r, err)
		}
		logger.Audit().Info("运行执行成功",
			slog.String("run_id", r.ID),
			slog.String("plan_id", r.Plan.ID),
			slog.Int("steps", len(result.Steps)),
		)
		return nil
	case engine.StatusCancelled:
		if err := p.store.MarkCancelled(ctx, r.ID); err != nil && !stdErrors.Is(err, ErrRunCompleted) {
			return err
		}
		logger.Audit().Info("运行已按请求取消", slog.String("run_id", r.ID))
		return nil
	default:
		return p.handleExecutionFailure(ctx, r,
			xerrors.New(CodeRunProcessing, result.Error, xerrors.WithMetadata("plan_id", r.Plan.ID)))
	}
}

// ensureAuthorized 确保运行持有可执行的授权结果。
// 返回 false 表示本次消费到此为止（等待确认或已终态）。
func (p *Processor) ensureAuthorized(ctx context.Context, r *Run) (*authz.AuthorizationResponse, bool, error) {
	auth := r.Authorization
	if auth == nil || auth.ExpiredAt(time.Now()) {
		fresh, err := p.authorizer.Authorize(ctx, authz.NewRequest(r.Plan, r.Origin))
		if err != nil {
			return nil, false, err
		}
		auth = fresh
		if err := p.store.SetAuthorization(ctx, r.ID, auth); err != nil {
			return nil, false, err
		}
	}
	metrics.ObserveAuthorizationDecision(string(auth.Decision), string(auth.Level))

	switch auth.Decision {
	case authz.DecisionAllowed, authz.DecisionLimited:
		return auth, true, nil
	case authz.DecisionRequiresConfirmation:
		// SetAuthorization 已把运行置为等待确认，确认后重新入队。
		logger.Audit().Info("运行等待人工确认",
			slog.String("run_id", r.ID),
			slog.String("request_id", auth.RequestID),
			slog.Int("risk_score", auth.RiskScore),
		)
		return nil, false, nil
	default:
		if err := p.store.MarkFailed(ctx, r.ID, xerrors.CodeAuthorizationDenied, auth.Reason, true); err != nil {
			return nil, false, err
		}
		logger.Audit().Warn("运行被授权门阻断",
			slog.String("run_id", r.ID),
			slog.String("reason", auth.Reason),
			slog.Int("risk_score", auth.RiskScore),
		)
		p.emitAlert(ctx, r, xerrors.CodeAuthorizationDenied,
			xerrors.New(xerrors.CodeAuthorizationDenied, auth.Reason), "blocked")
		return nil, false, nil
	}
}

func (p *Processor) retryAfterStoreFailure(ctx context.Context, r *Run, cause error) error {
	logger.L().Error("标记运行成功状态失败", slog.Any("error", cause), slog.String("run_id", r.ID))
	if storeErr := p.store.MarkFailed(ctx, r.ID, CodeRunProcessing, cause.Error(), false); storeErr != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", r.ID))
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, r.ID); pubErr != nil {
		return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 在标记成功失败后重投失败", r.ID))
	}
	logger.Audit().Warn("运行标记成功失败后重试",
		slog.String("run_id", r.ID),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, r *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := r.Attempts >= r.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, r, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeRunCompensate, recErr, "运行补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("run_id", r.ID))
			p.emitAlert(ctx, r, CodeRunCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Error == "" {
				fallback.Error = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, r.ID, *fallback); err != nil {
				return p.retryAfterStoreFailure(ctx, r, err)
			}
			logger.Audit().Warn("运行降级完成",
				slog.String("run_id", r.ID),
				slog.String("observations", fallback.Error),
			)
			p.emitAlert(ctx, r, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, r.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", r.ID))
		return storeErr
	}
	logger.Audit().Warn("运行执行失败",
		slog.String("run_id", r.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", r.Attempts),
		slog.Int("max_retries", r.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, r, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, r.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", r.ID))
		}
		p.logDebug("运行已重新排队", slog.String("run_id", r.ID), slog.Int("attempts", r.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, r *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || r == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	planID := ""
	if r.Plan != nil {
		planID = r.Plan.ID
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		PlanID:     planID,
		Origin:     r.Origin,
		Attempts:   r.Attempts,
		MaxRetries: r.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", r.ID),
			slog.String("stage", stage),
		)
	}
}
