package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"Aurora-Operator/internal/authz"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/events"
	"Aurora-Operator/internal/observability/alerting"
	"Aurora-Operator/internal/observability/metrics"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/protection"
	"Aurora-Operator/internal/skill"
	"Aurora-Operator/pkg/logger"
)

// Status 表示一次执行的生命周期状态。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAuthorized Status = "authorized"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StepStatus 表示单个步骤的结果状态。
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult 记录一个步骤的执行结果。失败步骤默认视为可恢复，
// 由调用方决定是否重新编译计划。
type StepResult struct {
	StepID      string        `json:"step_id"`
	Target      string        `json:"target"`
	Method      string        `json:"method"`
	Status      StepStatus    `json:"status"`
	Output      *skill.Result `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Recoverable bool          `json:"recoverable"`
	Attempts    int           `json:"attempts"`
	StartedAt   int64         `json:"started_at"`
	DurationMS  int64         `json:"duration_ms"`
}

// ExecutionMetrics 聚合一次计划执行的步骤统计。
// 未派发的步骤计入 skipped。
type ExecutionMetrics struct {
	StepsTotal     int   `json:"steps_total"`
	StepsCompleted int   `json:"steps_completed"`
	StepsFailed    int   `json:"steps_failed"`
	StepsSkipped   int   `json:"steps_skipped"`
	DurationMS     int64 `json:"duration_ms"`
}

// ExecutionResult 汇总一次计划执行的最终结果。
type ExecutionResult struct {
	PlanID       string           `json:"plan_id"`
	IntentID     string           `json:"intent_id"`
	Status       Status           `json:"status"`
	Steps        []StepResult     `json:"steps,omitempty"`
	Metrics      ExecutionMetrics `json:"metrics"`
	Error        string           `json:"error,omitempty"`
	CheckpointID string           `json:"checkpoint_id,omitempty"`
	StartedAt    int64            `json:"started_at"`
	CompletedAt  int64            `json:"completed_at"`
}

// Engine 按授权结果串行执行计划步骤，是系统的执行核心。
// 步骤严格按顺序单线程执行，首个失败的步骤终止整个计划。
type Engine struct {
	skills      *skill.Registry
	gate        *authz.Gate
	breakers    *protection.BreakerRegistry
	checkpoints CheckpointStore
	bus         events.Publisher
	alerts      alerting.Dispatcher

	mu     sync.Mutex
	active map[string]context.CancelFunc

	logger *slog.Logger
	now    func() time.Time
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithEventPublisher 配置生命周期事件的发布目标。
func WithEventPublisher(bus events.Publisher) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithAlertDispatcher 配置步骤失败时的告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = d
	}
}

// WithCheckpointStore 配置检查点存储。
func WithCheckpointStore(store CheckpointStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.checkpoints = store
		}
	}
}

// WithBreakerRegistry 配置执行结果回写的熔断器注册表。
func WithBreakerRegistry(breakers *protection.BreakerRegistry) Option {
	return func(e *Engine) {
		e.breakers = breakers
	}
}

// New 创建执行引擎。
func New(skills *skill.Registry, gate *authz.Gate, opts ...Option) *Engine {
	e := &Engine{
		skills:      skills,
		gate:        gate,
		checkpoints: NewMemoryCheckpointStore(),
		active:      make(map[string]context.CancelFunc),
		logger:      logger.Named("engine"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExecutePlan 执行一份已授权的计划。拒绝与待确认的授权结果不会
// 产生 error，而是映射为 failed 状态的执行结果。同一计划不允许
// 并发执行。
func (e *Engine) ExecutePlan(ctx context.Context, p *plan.ExecutionPlan, auth *authz.AuthorizationResponse) (*ExecutionResult, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行计划不能为空")
	}
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少授权结果")
	}

	// 授权响应过期后在执行前重新评估一次。
	if auth.ExpiredAt(e.now()) {
		if e.gate == nil {
			return e.deniedResult(ctx, p, "authorization expired and no gate is configured"), nil
		}
		refreshed, err := e.gate.Authorize(ctx, authz.NewRequest(p, ""))
		if err != nil {
			return nil, err
		}
		auth = refreshed
	}
	if auth.Decision != authz.DecisionAllowed && auth.Decision != authz.DecisionLimited {
		return e.deniedResult(ctx, p, auth.Reason), nil
	}

	runCtx, cancel, err := e.register(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer e.unregister(p.ID, cancel)

	limits := effectiveLimits(p, auth)
	if limits != nil && limits.MaxDurationMS > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, time.Duration(limits.MaxDurationMS)*time.Millisecond)
		defer timeoutCancel()
	}
	var pacer *protection.TokenBucket
	if limits != nil && limits.MaxActionsPerSecond > 0 {
		pacer = protection.NewTokenBucket(limits.MaxActionsPerSecond, limits.MaxActionsPerSecond)
	}

	startedAt := e.now()
	result := &ExecutionResult{
		PlanID:    p.ID,
		IntentID:  p.IntentID,
		Status:    StatusRunning,
		StartedAt: startedAt.Unix(),
	}
	e.publish(runCtx, events.Event{
		Type:     events.TypeExecutionStarted,
		PlanID:   p.ID,
		IntentID: p.IntentID,
	})

	steps := append([]plan.ExecutionStep(nil), p.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for _, step := range steps {
		// 每个步骤派发前检查取消信号，步骤内部不会被打断。
		if runCtx.Err() != nil {
			result.Status = StatusCancelled
			result.Error = runCtx.Err().Error()
			e.publish(ctx, events.Event{
				Type:     events.TypeExecutionCancelled,
				PlanID:   p.ID,
				IntentID: p.IntentID,
				StepID:   step.ID,
			})
			break
		}
		if pacer != nil {
			e.pace(runCtx, pacer)
		}

		e.publish(runCtx, events.Event{
			Type:     events.TypeStepStarted,
			PlanID:   p.ID,
			IntentID: p.IntentID,
			StepID:   step.ID,
			Payload:  map[string]any{"target": step.Target, "method": step.Method},
		})

		stepResult := e.runStep(runCtx, p, step)
		result.Steps = append(result.Steps, stepResult)
		metrics.ObserveStep(step.Target, string(stepResult.Status), time.Duration(stepResult.DurationMS)*time.Millisecond)

		if stepResult.Status != StepCompleted {
			result.Status = StatusFailed
			result.Error = stepResult.Error
			e.publish(ctx, events.Event{
				Type:     events.TypeStepFailed,
				PlanID:   p.ID,
				IntentID: p.IntentID,
				StepID:   step.ID,
				Payload:  map[string]any{"error": stepResult.Error, "recoverable": stepResult.Recoverable},
			})
			break
		}

		e.publish(runCtx, events.Event{
			Type:     events.TypeStepCompleted,
			PlanID:   p.ID,
			IntentID: p.IntentID,
			StepID:   step.ID,
		})
		if cp := e.checkpointAfter(runCtx, p.ID, result.Steps); cp != "" {
			result.CheckpointID = cp
		}
	}

	if result.Status == StatusRunning {
		result.Status = StatusCompleted
	}
	completedAt := e.now()
	result.CompletedAt = completedAt.Unix()
	result.Metrics = aggregateMetrics(len(steps), result.Steps, completedAt.Sub(startedAt))
	metrics.ObserveRun(string(result.Status))

	e.publish(ctx, events.Event{
		Type:     events.TypeExecutionCompleted,
		PlanID:   p.ID,
		IntentID: p.IntentID,
		Payload: map[string]any{
			"status":          string(result.Status),
			"steps_total":     result.Metrics.StepsTotal,
			"steps_completed": result.Metrics.StepsCompleted,
			"steps_failed":    result.Metrics.StepsFailed,
			"steps_skipped":   result.Metrics.StepsSkipped,
			"duration_ms":     result.Metrics.DurationMS,
		},
	})
	e.logger.Info("计划执行结束",
		slog.String("plan_id", p.ID),
		slog.String("status", string(result.Status)),
		slog.Int("steps", len(result.Steps)),
	)
	return result, nil
}

// Cancel 请求取消正在执行的计划。取消是协作式的：
// 当前步骤执行完毕后才会生效。
func (e *Engine) Cancel(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.active[planID]
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns 返回正在执行的计划 ID。
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Checkpoints 返回引擎使用的检查点存储。
func (e *Engine) Checkpoints() CheckpointStore {
	return e.checkpoints
}

// ResumeFromCheckpoint 预留的断点恢复入口。检查点本身可读，
// 但恢复执行尚未实现。
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*ExecutionResult, error) {
	if _, err := e.checkpoints.Get(ctx, checkpointID); err != nil {
		return nil, err
	}
	return nil, xerrors.New(xerrors.CodeNotImplemented, "暂不支持从检查点恢复执行",
		xerrors.WithMetadata("checkpoint_id", checkpointID))
}

// RollbackExecution 预留的回滚入口。检查点数据与回滚事件类型
// 已经就位,但逆向执行尚未实现。
func (e *Engine) RollbackExecution(ctx context.Context, checkpointID string) (*ExecutionResult, error) {
	if _, err := e.checkpoints.Get(ctx, checkpointID); err != nil {
		return nil, err
	}
	return nil, xerrors.New(xerrors.CodeNotImplemented, "暂不支持回滚执行",
		xerrors.WithMetadata("checkpoint_id", checkpointID))
}

func (e *Engine) register(ctx context.Context, planID string) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[planID]; exists {
		return nil, nil, xerrors.New(xerrors.CodeConflict, "计划已在执行中",
			xerrors.WithMetadata("plan_id", planID))
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[planID] = cancel
	return runCtx, cancel, nil
}

func (e *Engine) unregister(planID string, cancel context.CancelFunc) {
	e.mu.Lock()
	delete(e.active, planID)
	e.mu.Unlock()
	cancel()
}

func (e *Engine) runStep(ctx context.Context, p *plan.ExecutionPlan, step plan.ExecutionStep) StepResult {
	started := e.now()
	result := StepResult{
		StepID:    step.ID,
		Target:    step.Target,
		Method:    step.Method,
		Attempts:  1,
		StartedAt: started.Unix(),
	}

	breaker := e.breakerFor(step.Target)
	if breaker != nil && !breaker.Allow() {
		result.Status = StepFailed
		result.Error = fmt.Sprintf("[%s] circuit breaker for %q rejected the call", xerrors.CodeCircuitOpen, step.Target)
		result.Recoverable = true
		result.DurationMS = e.now().Sub(started).Milliseconds()
		return result
	}

	inv := skill.Invocation{
		PlanID: p.ID,
		StepID: step.ID,
		Method: step.Method,
		Params: step.Params,
		DryRun: p.Mode == plan.ModeDryRun,
	}

	// 步骤在引擎层只派发一次。失败重试由运行处理器在计划粒度上
	// 按 MaxRetries 上限重新入队,技能内部的重试是技能自己的事。
	output, err := e.dispatch(ctx, step, inv)
	result.DurationMS = e.now().Sub(started).Milliseconds()

	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		result.Status = StepFailed
		result.Error = err.Error()
		result.Recoverable = true
		e.alertStepFailure(ctx, p, step, result, err)
		return result
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}
	result.Status = StepCompleted
	result.Output = output
	return result
}

func (e *Engine) dispatch(ctx context.Context, step plan.ExecutionStep, inv skill.Invocation) (*skill.Result, error) {
	switch step.ActionType {
	case plan.ActionHub:
		hub, err := e.skills.Hub(step.Target)
		if err != nil {
			return nil, err
		}
		if err := hub.ValidateParams(step.Method, inv.Params); err != nil {
			return nil, err
		}
		wf, err := hub.ExecuteWorkflow(ctx, step.Method, inv)
		if err != nil {
			return nil, err
		}
		return wf.AsResult(), nil
	case plan.ActionSkill, plan.ActionPersona:
		s, err := e.skills.Skill(step.Target)
		if err != nil {
			return nil, err
		}
		if err := s.ValidateParams(step.Method, inv.Params); err != nil {
			return nil, err
		}
		return s.Execute(ctx, inv)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的步骤类型",
			xerrors.WithMetadata("action_type", string(step.ActionType)))
	}
}

func (e *Engine) breakerFor(target string) *protection.CircuitBreaker {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.GetOrCreate(target)
}

// pace 按限速等待下一个令牌，等待期间响应取消信号。
func (e *Engine) pace(ctx context.Context, bucket *protection.TokenBucket) {
	for !bucket.Acquire(1) {
		wait := bucket.WaitTime(1)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) checkpointAfter(ctx context.Context, planID string, results []StepResult) string {
	if e.checkpoints == nil {
		return ""
	}
	cp := NewCheckpoint(planID, results, nil, e.now())
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		e.logger.Warn("写入检查点失败", slog.String("plan_id", planID), slog.Any("error", err))
		return ""
	}
	return cp.ID
}

func (e *Engine) alertStepFailure(ctx context.Context, p *plan.ExecutionPlan, step plan.ExecutionStep, result StepResult, err error) {
	if e.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	notifyErr := e.alerts.Notify(ctx, alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		PlanID:     p.ID,
		StepID:     step.ID,
		Attempts:   result.Attempts,
		OccurredAt: e.now(),
	})
	if notifyErr != nil {
		e.logger.Warn("步骤失败告警发送失败", slog.String("plan_id", p.ID), slog.Any("error", notifyErr))
	}
}

func (e *Engine) deniedResult(ctx context.Context, p *plan.ExecutionPlan, reason string) *ExecutionResult {
	now := e.now().Unix()
	result := &ExecutionResult{
		PlanID:      p.ID,
		IntentID:    p.IntentID,
		Status:      StatusFailed,
		Metrics:     ExecutionMetrics{StepsTotal: len(p.Steps), StepsSkipped: len(p.Steps)},
		Error:       fmt.Sprintf("[%s] %s", xerrors.CodeAuthorizationDenied, reason),
		StartedAt:   now,
		CompletedAt: now,
	}
	metrics.ObserveRun(string(StatusFailed))
	e.publish(ctx, events.Event{
		Type:     events.TypeExecutionCompleted,
		PlanID:   p.ID,
		IntentID: p.IntentID,
		Payload:  map[string]any{"status": string(StatusFailed), "error": result.Error},
	})
	return result
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, event)
}

func effectiveLimits(p *plan.ExecutionPlan, auth *authz.AuthorizationResponse) *plan.Limits {
	if auth != nil && auth.ImposedLimits != nil {
		return auth.ImposedLimits
	}
	return p.SuggestedLimits
}

func aggregateMetrics(total int, results []StepResult, elapsed time.Duration) ExecutionMetrics {
	m := ExecutionMetrics{
		StepsTotal: total,
		DurationMS: elapsed.Milliseconds(),
	}
	for _, r := range results {
		switch r.Status {
		case StepCompleted:
			m.StepsCompleted++
		case StepFailed:
			m.StepsFailed++
		}
	}
	if skipped := total - len(results); skipped > 0 {
		m.StepsSkipped = skipped
	}
	return m
}
