package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/events"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/protection"
	"Aurora-Operator/pkg/logger"
)

// responseValidityMS 是每个授权响应的固定有效期。
// 超过有效期后调用方必须重新授权。
const responseValidityMS = 60_000

// 风险评分参数。基础分来自计划的静态风险等级，
// 其余为可叠加的资源画像加分，最终分数截断在 [0,100]。
const (
	scoreRiskLow      = 10
	scoreRiskMedium   = 40
	scoreRiskHigh     = 70
	scoreRiskCritical = 90

	scoreFileDeletion    = 20
	scoreManyFileWrites  = 15
	scoreDatabaseAccess  = 10
	scoreManyExternalAPI = 10
	scoreDangerousPerm   = 20

	manyFileWritesThreshold  = 50
	manyExternalAPIThreshold = 5
)

// 分数到决策的映射阈值。映射是单调的：
// <40 绿色放行，<70 黄色限制执行，>=70 红色要求人工确认。
const (
	levelYellowFloor = 40
	levelRedFloor    = 70
)

// confirmApprovedScore 是人工批准后采用的固定中等风险分数。
const confirmApprovedScore = 50

// limited 决策下发的收紧上限。实际限值取计划建议值与
// 这些固定上限中的较小者。
const (
	limitedMaxDurationMS    = 120_000
	limitedMaxRetries       = 1
	limitedMaxActionsPerSec = 2.0
)

// dangerousPermissions 是固定的高危权限集合，任意命中加分。
var dangerousPermissions = map[string]struct{}{
	"database:admin":    {},
	"system:admin":      {},
	"git:force":         {},
	"credentials:write": {},
}

type pendingConfirmation struct {
	request   AuthorizationRequest
	response  *AuthorizationResponse
	expiresAt time.Time
}

// Gate 是授权门：把限流、熔断与风险评分组合成对一份计划的
// 放行/限制/确认/阻断裁决。所有依赖显式注入。
type Gate struct {
	limiters *protection.LimiterRegistry
	breakers *protection.BreakerRegistry
	policy   *Policy
	bus      events.Publisher

	mu      sync.Mutex
	pending map[string]pendingConfirmation

	logger *slog.Logger
	audit  *slog.Logger
	now    func() time.Time
}

// GateOption 定义可选配置。
type GateOption func(*Gate)

// WithEventPublisher 配置生命周期事件的发布目标。
func WithEventPublisher(bus events.Publisher) GateOption {
	return func(g *Gate) {
		g.bus = bus
	}
}

// NewGate 构造授权门。
func NewGate(limiters *protection.LimiterRegistry, breakers *protection.BreakerRegistry, policy *Policy, opts ...GateOption) *Gate {
	if policy == nil {
		policy = NewPolicy(DefaultThresholds())
	}
	g := &Gate{
		limiters: limiters,
		breakers: breakers,
		policy:   policy,
		pending:  make(map[string]pendingConfirmation),
		logger:   logger.Named("authz"),
		audit:    logger.Audit(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Policy 返回授权门当前使用的策略句柄。
func (g *Gate) Policy() *Policy {
	return g.policy
}

// UpdateThresholds 在运行时更新安全策略。
func (g *Gate) UpdateThresholds(update ThresholdsUpdate) {
	g.policy.Update(update)
	g.audit.Info("安全策略已更新")
}

// OpenCircuit 供操作员触发目标的紧急开路。授权门不提供
// 关闭入口：关闭必须经过 half-open 状态下的真实成功。
func (g *Gate) OpenCircuit(target string) {
	if g.breakers == nil || strings.TrimSpace(target) == "" {
		return
	}
	g.breakers.GetOrCreate(target).ForceOpen()
	g.audit.Warn("熔断器被强制打开", slog.String("target", target))
}

// Authorize 评估一份授权请求。裁决以结构化响应返回，
// 只有请求本身非法时才返回 error。风险分数每次调用都重新计算，
// 不做任何跨调用缓存。
func (g *Gate) Authorize(ctx context.Context, req AuthorizationRequest) (*AuthorizationResponse, error) {
	if req.Plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权请求缺少执行计划")
	}
	if len(req.Plan.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行计划不能为空")
	}
	if req.ID == "" {
		req.ID = NewRequest(req.Plan, req.Origin).ID
	}

	g.publish(ctx, events.Event{
		Type:     events.TypeAuthorizationRequested,
		PlanID:   req.Plan.ID,
		IntentID: req.Plan.IntentID,
		Origin:   req.Origin,
	})

	thresholds := g.policy.Current()

	// 第一道：来源限流。超限立即阻断；限流器自身异常按放行处理，
	// 可用性优先，绝不因为限流器故障误拒。
	if !g.acquireFailOpen(req.Origin) {
		resp := g.blockedResponse(req, 100, string(xerrors.CodeRateLimitExceeded),
			fmt.Sprintf("origin %q exceeded its request rate limit", req.Origin),
			RiskFactor{Factor: "rate_limit_exceeded", Impact: 100, Mitigable: true})
		g.finish(ctx, req, resp)
		return resp, nil
	}

	// 第二道：熔断检查。计划引用的任何外部 API 处于 open 状态
	// 即阻断，并点名目标。
	for _, target := range req.Plan.ExternalAPIs() {
		if g.breakers != nil && g.breakers.StateOf(target) == protection.StateOpen {
			resp := g.blockedResponse(req, 90, string(xerrors.CodeCircuitOpen),
				fmt.Sprintf("circuit breaker for %q is open", target),
				RiskFactor{Factor: "circuit_open:" + target, Impact: 90, Mitigable: true})
			g.finish(ctx, req, resp)
			return resp, nil
		}
	}

	// 第三道：破坏性内容扫描。命中即阻断，风险因素不可缓解。
	if hit, ok := scanDestructive(req.Plan, thresholds); ok {
		resp := g.blockedResponse(req, 95, string(xerrors.CodeAuthorizationDenied),
			fmt.Sprintf("plan matches destructive policy: %s", hit),
			RiskFactor{Factor: hit, Impact: 95, Mitigable: false})
		g.finish(ctx, req, resp)
		return resp, nil
	}

	// 大批量文件变更不阻断，但强制进入人工确认。
	massChange := thresholds.MaxFilesBeforeConfirmation > 0 &&
		req.Plan.FileChangeCount() > thresholds.MaxFilesBeforeConfirmation

	score, factors := scorePlan(req.Plan)
	level, decision := decide(score)
	if massChange && decision != DecisionRequiresConfirmation {
		decision = DecisionRequiresConfirmation
		if level == LevelGreen {
			level = LevelYellow
		}
		factors = append(factors, RiskFactor{
			Factor:    "mass_file_change",
			Impact:    0,
			Mitigable: true,
		})
	}

	resp := &AuthorizationResponse{
		RequestID:   req.ID,
		PlanID:      req.Plan.ID,
		Decision:    decision,
		RiskScore:   score,
		Level:       level,
		RiskFactors: factors,
		ValidForMS:  responseValidityMS,
		IssuedAt:    g.now().Unix(),
	}

	switch decision {
	case DecisionAllowed:
		resp.Reason = "risk within the green band"
	case DecisionLimited:
		resp.Reason = "risk within the yellow band, execution limits imposed"
		resp.ImposedLimits = imposeLimits(req.Plan.SuggestedLimits)
	case DecisionRequiresConfirmation:
		resp.Reason = "risk requires human confirmation"
		resp.ConfirmationPrompt = confirmationPrompt(req)
		g.rememberPending(req, resp)
	}

	g.finish(ctx, req, resp)
	return resp, nil
}

// ConfirmAuthorization 解决一次等待确认的授权。批准映射为固定
// 中等风险分数下的放行；驳回映射为阻断。
func (g *Gate) ConfirmAuthorization(ctx context.Context, requestID string, approved bool) (*AuthorizationResponse, error) {
	g.mu.Lock()
	entry, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.purgePendingLocked()
	g.mu.Unlock()

	if !ok || g.now().After(entry.expiresAt) {
		return nil, xerrors.New(xerrors.CodeNotFound, "确认请求不存在或已过期",
			xerrors.WithMetadata("request_id", requestID))
	}

	req := entry.request
	var resp *AuthorizationResponse
	if approved {
		level, _ := decide(confirmApprovedScore)
		resp = &AuthorizationResponse{
			RequestID:  req.ID,
			PlanID:     req.Plan.ID,
			Decision:   DecisionAllowed,
			RiskScore:  confirmApprovedScore,
			Level:      level,
			Reason:     "approved by operator confirmation",
			ValidForMS: responseValidityMS,
			IssuedAt:   g.now().Unix(),
		}
	} else {
		resp = g.blockedResponse(req, entry.response.RiskScore, string(xerrors.CodeAuthorizationDenied),
			"rejected by operator confirmation",
			RiskFactor{Factor: "confirmation_rejected", Impact: entry.response.RiskScore, Mitigable: false})
	}
	g.finish(ctx, req, resp)
	return resp, nil
}

// acquireFailOpen 执行限流并吞掉限流器的任何异常。
// 这是有意的放行优先策略，不是隐式兜底。
func (g *Gate) acquireFailOpen(origin string) (allowed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("限流器异常，按放行处理", slog.Any("panic", rec), slog.String("origin", origin))
			allowed = true
		}
	}()
	if g.limiters == nil {
		return true
	}
	return g.limiters.Acquire(origin)
}

func (g *Gate) blockedResponse(req AuthorizationRequest, score int, code, reason string, factors ...RiskFactor) *AuthorizationResponse {
	return &AuthorizationResponse{
		RequestID:   req.ID,
		PlanID:      req.Plan.ID,
		Decision:    DecisionBlocked,
		RiskScore:   clampScore(score),
		Level:       LevelRed,
		Reason:      fmt.Sprintf("[%s] %s", code, reason),
		RiskFactors: factors,
		ValidForMS:  responseValidityMS,
		IssuedAt:    g.now().Unix(),
	}
}

func (g *Gate) rememberPending(req AuthorizationRequest, resp *AuthorizationResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[req.ID] = pendingConfirmation{
		request:   req,
		response:  resp,
		expiresAt: g.now().Add(time.Duration(resp.ValidForMS) * time.Millisecond),
	}
	g.purgePendingLocked()
}

func (g *Gate) purgePendingLocked() {
	now := g.now()
	for id, entry := range g.pending {
		if now.After(entry.expiresAt) {
			delete(g.pending, id)
		}
	}
}

func (g *Gate) finish(ctx context.Context, req AuthorizationRequest, resp *AuthorizationResponse) {
	eventType := events.TypeAuthorizationGranted
	if resp.Decision == DecisionBlocked {
		eventType = events.TypeAuthorizationDenied
	}
	g.publish(ctx, events.Event{
		Type:     eventType,
		PlanID:   req.Plan.ID,
		IntentID: req.Plan.IntentID,
		Origin:   req.Origin,
		Payload: map[string]any{
			"decision":   string(resp.Decision),
			"risk_score": resp.RiskScore,
			"level":      string(resp.Level),
		},
	})
	g.audit.Info("授权裁决",
		slog.String("request_id", resp.RequestID),
		slog.String("plan_id", resp.PlanID),
		slog.String("origin", req.Origin),
		slog.String("decision", string(resp.Decision)),
		slog.Int("risk_score", resp.RiskScore),
		slog.String("level", string(resp.Level)),
		slog.String("reason", resp.Reason),
	)
}

func (g *Gate) publish(ctx context.Context, event events.Event) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(ctx, event)
}

// scorePlan 计算计划的风险分数与构成因素。
func scorePlan(p *plan.ExecutionPlan) (int, []RiskFactor) {
	var factors []RiskFactor

	base := scoreRiskMedium
	switch p.RiskLevel {
	case plan.RiskLow:
		base = scoreRiskLow
	case plan.RiskMedium:
		base = scoreRiskMedium
	case plan.RiskHigh:
		base = scoreRiskHigh
	case plan.RiskCritical:
		base = scoreRiskCritical
	}
	score := base
	factors = append(factors, RiskFactor{Factor: "risk_level:" + string(p.RiskLevel), Impact: base, Mitigable: false})

	if len(p.Resources.FilesDelete) > 0 {
		score += scoreFileDeletion
		factors = append(factors, RiskFactor{Factor: "file_deletions", Impact: scoreFileDeletion, Mitigable: true})
	}
	if len(p.Resources.FilesWrite) > manyFileWritesThreshold {
		score += scoreManyFileWrites
		factors = append(factors, RiskFactor{Factor: "many_file_writes", Impact: scoreManyFileWrites, Mitigable: true})
	}
	if len(p.Resources.Databases) > 0 {
		score += scoreDatabaseAccess
		factors = append(factors, RiskFactor{Factor: "database_access", Impact: scoreDatabaseAccess, Mitigable: true})
	}
	if len(p.Resources.ExternalAPIs) > manyExternalAPIThreshold {
		score += scoreManyExternalAPI
		factors = append(factors, RiskFactor{Factor: "many_external_apis", Impact: scoreManyExternalAPI, Mitigable: true})
	}
	for _, perm := range p.PermissionsRequired {
		if _, ok := dangerousPermissions[strings.ToLower(strings.TrimSpace(perm))]; ok {
			score += scoreDangerousPerm
			factors = append(factors, RiskFactor{Factor: "dangerous_permission:" + perm, Impact: scoreDangerousPerm, Mitigable: false})
			break
		}
	}

	// 演练模式不产生真实副作用，最终分数减半（向下取整）。
	if p.Mode == plan.ModeDryRun {
		score /= 2
	}
	return clampScore(score), factors
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func decide(score int) (Level, Decision) {
	switch {
	case score >= levelRedFloor:
		return LevelRed, DecisionRequiresConfirmation
	case score >= levelYellowFloor:
		return LevelYellow, DecisionLimited
	default:
		return LevelGreen, DecisionAllowed
	}
}

// imposeLimits 取计划建议值与固定上限中的较小者。
func imposeLimits(suggested *plan.Limits) *plan.Limits {
	limits := &plan.Limits{
		MaxDurationMS:       limitedMaxDurationMS,
		MaxRetries:          limitedMaxRetries,
		MaxActionsPerSecond: limitedMaxActionsPerSec,
	}
	if suggested == nil {
		return limits
	}
	if suggested.MaxDurationMS > 0 && suggested.MaxDurationMS < limits.MaxDurationMS {
		limits.MaxDurationMS = suggested.MaxDurationMS
	}
	if suggested.MaxRetries > 0 && suggested.MaxRetries < limits.MaxRetries {
		limits.MaxRetries = suggested.MaxRetries
	}
	if suggested.MaxActionsPerSecond > 0 && suggested.MaxActionsPerSecond < limits.MaxActionsPerSecond {
		limits.MaxActionsPerSecond = suggested.MaxActionsPerSecond
	}
	return limits
}

// scanDestructive 在序列化后的步骤参数中扫描破坏性子串，
// 并用敏感路径 glob 检查写入与删除路径。返回命中的描述。
func scanDestructive(p *plan.ExecutionPlan, t Thresholds) (string, bool) {
	if len(t.DestructivePatterns) > 0 {
		serialized := strings.ToLower(serializeSteps(p.Steps))
		for _, pattern := range t.DestructivePatterns {
			pattern = strings.ToLower(strings.TrimSpace(pattern))
			if pattern == "" {
				continue
			}
			if strings.Contains(serialized, pattern) {
				return "destructive_pattern:" + pattern, true
			}
		}
	}

	if len(t.SensitivePathPatterns) > 0 {
		paths := make([]string, 0, len(p.Resources.FilesWrite)+len(p.Resources.FilesDelete))
		paths = append(paths, p.Resources.FilesWrite...)
		paths = append(paths, p.Resources.FilesDelete...)
		for _, path := range paths {
			for _, glob := range t.SensitivePathPatterns {
				if matchSensitivePath(glob, path) {
					return "sensitive_path:" + path, true
				}
			}
		}
	}
	return "", false
}

func serializeSteps(steps []plan.ExecutionStep) string {
	var sb strings.Builder
	for _, step := range steps {
		sb.WriteString(step.Target)
		sb.WriteByte(' ')
		sb.WriteString(step.Method)
		sb.WriteByte(' ')
		sb.WriteString(step.Description)
		sb.WriteByte(' ')
		if len(step.Params) > 0 {
			if raw, err := json.Marshal(step.Params); err == nil {
				sb.Write(raw)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// matchSensitivePath 先按 glob 匹配完整路径，glob 只含文件名
// 模式时退回到基名匹配，让 "*.pem" 这类规则能命中任意目录下的文件。
func matchSensitivePath(glob, path string) bool {
	if matched, err := filepath.Match(glob, path); err == nil && matched {
		return true
	}
	if !strings.Contains(glob, "/") {
		matched, err := filepath.Match(glob, filepath.Base(path))
		return err == nil && matched
	}
	// "/etc/*" 应覆盖任意深度的子路径。
	if strings.HasSuffix(glob, "/*") && !strings.HasPrefix(glob, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(glob, "*"))
	}
	// "*/.ssh/*" 这类两端通配的规则退化为子串匹配。
	if strings.HasPrefix(glob, "*") {
		return strings.Contains(path, strings.Trim(glob, "*"))
	}
	return false
}

func confirmationPrompt(req AuthorizationRequest) string {
	p := req.Plan
	return fmt.Sprintf(
		"Plan %s from origin %q is rated %s risk: %d step(s), %d file write(s), %d file deletion(s), %d external API(s). Confirm to proceed.",
		p.ID, req.Origin, p.RiskLevel,
		len(p.Steps), len(p.Resources.FilesWrite), len(p.Resources.FilesDelete), len(p.Resources.ExternalAPIs),
	)
}
