package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Aurora-Operator/internal/authz"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/events"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/pkg/logger"
)

// SubmitRequest 描述一次意图提交。
type SubmitRequest struct {
	ID       string            `json:"id,omitempty"`
	Origin   string            `json:"origin"`
	RawInput string            `json:"raw_input"`
	Mode     plan.Mode         `json:"mode,omitempty"`
	Entities map[string]string `json:"entities,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Confirmer 抽象授权确认能力。
type Confirmer interface {
	ConfirmAuthorization(ctx context.Context, requestID string, approved bool) (*authz.AuthorizationResponse, error)
}

// Canceller 抽象正在执行的计划的取消能力。
type Canceller interface {
	Cancel(planID string) bool
}

// Service 负责运行的创建、查询、确认与取消。
type Service struct {
	store      Store
	producer   Producer
	compiler   *plan.Compiler
	confirmer  Confirmer
	canceller  Canceller
	bus        events.Publisher
	maxRetries int
}

// ServiceOption 定义可选的 Service 配置。
type ServiceOption func(*Service)

// WithConfirmer 配置授权确认入口。
func WithConfirmer(c Confirmer) ServiceOption {
	return func(s *Service) {
		s.confirmer = c
	}
}

// WithCanceller 配置执行取消入口。
func WithCanceller(c Canceller) ServiceOption {
	return func(s *Service) {
		s.canceller = c
	}
}

// WithEventPublisher 配置意图与计划生命周期事件的发布目标。
func WithEventPublisher(bus events.Publisher) ServiceOption {
	return func(s *Service) {
		s.bus = bus
	}
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, compiler *plan.Compiler, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{
		store:      store,
		producer:   producer,
		compiler:   compiler,
		maxRetries: maxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 编译意图、创建运行记录并推送到队列。
// 重复提交同一 ID 返回已存在的运行。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if strings.TrimSpace(req.RawInput) == "" {
		return nil, xerrors.New(CodeRunValidation, "意图内容不能为空")
	}
	if s.store == nil || s.producer == nil || s.compiler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		existing, err := s.store.Get(ctx, runID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	intent := plan.UserIntent{
		ID:        runID,
		Origin:    req.Origin,
		RawInput:  req.RawInput,
		Entities:  req.Entities,
		Timestamp: time.Now().Unix(),
	}
	s.publish(ctx, events.Event{
		Type:     events.TypeIntentReceived,
		IntentID: intent.ID,
		Origin:   req.Origin,
	})
	compiled := s.compiler.Compile(intent)
	if req.Mode == plan.ModeDryRun {
		compiled.Mode = plan.ModeDryRun
	}
	s.publish(ctx, events.Event{
		Type:     events.TypePlanCreated,
		PlanID:   compiled.ID,
		IntentID: intent.ID,
		Origin:   req.Origin,
		Payload: map[string]any{
			"risk_level": string(compiled.RiskLevel),
			"steps":      len(compiled.Steps),
		},
	})

	r := &Run{
		ID:         runID,
		Origin:     req.Origin,
		RawInput:   req.RawInput,
		Mode:       compiled.Mode,
		Metadata:   cloneMetadata(req.Metadata),
		Plan:       compiled,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, r); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRunNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("origin", r.Origin),
		slog.String("plan_id", compiled.ID),
		slog.String("risk_level", string(compiled.RiskLevel)),
		slog.Int("max_retries", r.MaxRetries),
	)
	return r, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Confirm 解决一次等待确认的运行。批准后重新入队执行，
// 驳回直接进入终态。
func (s *Service) Confirm(ctx context.Context, id string, approved bool) (*Run, error) {
	if s.store == nil || s.confirmer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "确认入口未初始化")
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAwaitingConfirmation {
		return nil, xerrors.New(CodeRunConflict, "运行不在等待确认状态",
			xerrors.WithMetadata("run_id", id),
			xerrors.WithMetadata("status", string(r.Status)))
	}
	if r.Authorization == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "运行缺少授权上下文")
	}

	resolved, err := s.confirmer.ConfirmAuthorization(ctx, r.Authorization.RequestID, approved)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAuthorization(ctx, id, resolved); err != nil {
		return nil, err
	}

	if resolved.Decision == authz.DecisionAllowed || resolved.Decision == authz.DecisionLimited {
		if err := s.producer.Publish(ctx, id); err != nil {
			wrapped := xerrors.Wrap(CodeRunPublish, err, "确认后重新入队失败")
			_ = s.store.MarkFailed(ctx, id, CodeRunPublish, wrapped.Error(), true)
			return nil, wrapped
		}
		logger.Audit().Info("运行确认通过",
			slog.String("run_id", id),
			slog.String("request_id", resolved.RequestID),
		)
	} else {
		if err := s.store.MarkFailed(ctx, id, xerrors.CodeAuthorizationDenied, resolved.Reason, true); err != nil {
			return nil, err
		}
		logger.Audit().Warn("运行确认被驳回",
			slog.String("run_id", id),
			slog.String("request_id", resolved.RequestID),
		)
	}
	return s.store.Get(ctx, id)
}

// Cancel 请求取消一次运行。排队中的运行直接取消，
// 正在执行的运行走协作式取消。
func (s *Service) Cancel(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(r.Status) {
		return nil, ErrRunCompleted
	}

	if r.Status == StatusRunning && s.canceller != nil && r.Plan != nil {
		if s.canceller.Cancel(r.Plan.ID) {
			// 引擎会在步骤边界落地取消状态，这里不抢先改写。
			logger.Audit().Info("运行取消信号已下发", slog.String("run_id", id))
			return r, nil
		}
	}
	if err := s.store.MarkCancelled(ctx, id); err != nil {
		return nil, err
	}
	logger.Audit().Info("运行已取消", slog.String("run_id", id))
	return s.store.Get(ctx, id)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询运行状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(r.Status) {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
