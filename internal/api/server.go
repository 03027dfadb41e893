package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Aurora-Operator/internal/auth"
	"Aurora-Operator/internal/authz"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/observability/metrics"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/run"
)

// Server 负责暴露 REST 接口，供外部提交意图并管理运行。
type Server struct {
	addr   string
	runs   *run.Service
	policy *authz.Policy
	auths  *auth.Service
}

// Option 定义可选的服务器配置。
type Option func(*Server)

// WithAuthService 启用身份认证。
func WithAuthService(svc *auth.Service) Option {
	return func(s *Server) {
		s.auths = svc
	}
}

// WithPolicy 暴露运行时策略配置端点。
func WithPolicy(policy *authz.Policy) Option {
	return func(s *Server) {
		s.policy = policy
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *run.Service, opts ...Option) *Server {
	s := &Server{addr: addr, runs: runs}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 组装全部路由。导出以便测试直接驱动。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/intents", s.guard(auth.PermissionIntentSubmit)(
		s.instrument("intents", http.HandlerFunc(s.handleIntents))))
	mux.Handle("/api/v1/runs", s.guard(auth.PermissionRunRead)(
		s.instrument("runs", http.HandlerFunc(s.handleRuns))))
	mux.Handle("/api/v1/runs/", s.guardRunDetail(
		s.instrument("run_detail", http.HandlerFunc(s.handleRunDetail))))
	mux.Handle("/api/v1/policy/thresholds", s.guardPolicy(
		s.instrument("thresholds", http.HandlerFunc(s.handleThresholds))))
	mux.HandleFunc("/api/v1/auth/token", s.handleToken)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// guard 按单一权限保护处理器。
func (s *Server) guard(permission string) func(http.Handler) http.Handler {
	if s.auths == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auths.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
	})
}

// guardRunDetail 保护运行详情端点：读取只需 run:read，
// 取消与确认在处理器内部按动作二次校验。
func (s *Server) guardRunDetail(next http.Handler) http.Handler {
	if s.auths == nil {
		return next
	}
	return s.auths.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermissionRunRead},
		},
	})(next)
}

func (s *Server) guardPolicy(next http.Handler) http.Handler {
	if s.auths == nil {
		return next
	}
	return s.auths.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermissionRunRead},
			http.MethodPut: {auth.PermissionPolicyWrite},
		},
	})(next)
}

// instrument 记录 HTTP 请求级指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

// intentRequest 是意图提交的请求体。
type intentRequest struct {
	ID       string            `json:"id,omitempty"`
	Origin   string            `json:"origin"`
	RawInput string            `json:"raw_input"`
	Mode     string            `json:"mode,omitempty"`
	Entities map[string]string `json:"entities,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// handleIntents 处理意图提交。
func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "运行服务未初始化")
		return
	}
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	created, err := s.runs.Submit(r.Context(), run.SubmitRequest{
		ID:       req.ID,
		Origin:   req.Origin,
		RawInput: req.RawInput,
		Mode:     parseMode(req.Mode),
		Entities: req.Entities,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// handleRuns 处理运行列表与统计查询。
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "运行服务未初始化")
		return
	}
	opts := listOptionsFromQuery(r)
	if r.URL.Query().Get("stats") == "true" {
		stats, err := s.runs.Stats(r.Context(), opts...)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	results, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleRunDetail 处理 /api/v1/runs/{id} 及其子动作。
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "运行服务未初始化")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "运行 ID 不能为空")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		result, err := s.runs.Get(r.Context(), id)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case action == "cancel" && r.Method == http.MethodPost:
		if !s.authorizeAction(w, r, auth.PermissionRunCancel) {
			return
		}
		result, err := s.runs.Cancel(r.Context(), id)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case action == "confirm" && r.Method == http.MethodPost:
		if !s.authorizeAction(w, r, auth.PermissionConfirm) {
			return
		}
		var body struct {
			Approved bool `json:"approved"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "请求体解析失败")
			return
		}
		result, err := s.runs.Confirm(r.Context(), id, body.Approved)
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusMethodNotAllowed, "不支持的方法或动作")
	}
}

// authorizeAction 在认证启用时校验上下文主体的动作权限。
func (s *Server) authorizeAction(w http.ResponseWriter, r *http.Request, permission string) bool {
	if s.auths == nil || s.auths.Mode() == auth.ModeDisabled {
		return true
	}
	subject := auth.SubjectFromContext(r.Context())
	if err := subject.Authorize(permission); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return false
	}
	return true
}

// handleThresholds 处理运行时策略查询与更新。
func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		writeError(w, http.StatusServiceUnavailable, "策略未初始化")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.policy.Current())
	case http.MethodPut:
		var update authz.ThresholdsUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			writeError(w, http.StatusBadRequest, "请求体解析失败")
			return
		}
		s.policy.Update(update)
		writeJSON(w, http.StatusOK, s.policy.Current())
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/PUT")
	}
}

// handleToken 处理令牌签发。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	if s.auths == nil || s.auths.Mode() == auth.ModeDisabled {
		writeError(w, http.StatusNotFound, "认证未启用")
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	pair, err := s.auths.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleHealth 返回进程存活状态。
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseMode(raw string) plan.Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(plan.ModeDryRun)) {
		return plan.ModeDryRun
	}
	return plan.ModeReal
}

// listOptionsFromQuery 将查询参数转换为运行过滤条件。
func listOptionsFromQuery(r *http.Request) []run.ListOption {
	query := r.URL.Query()
	var opts []run.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]run.Status, 0, 4)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, run.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if origin := query.Get("origin"); origin != "" {
		opts = append(opts, run.WithOrigin(origin))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, run.WithQuery(q))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	}
	return opts
}

// writeRunError 将运行层错误映射为 HTTP 状态码。
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, run.ErrRunCompleted), errors.Is(err, run.ErrRunConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		switch xerrors.CodeOf(err) {
		case run.CodeRunValidation, xerrors.CodeInvalidArgument:
			writeError(w, http.StatusBadRequest, err.Error())
		case run.CodeRunConflict:
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusWriter 捕获响应状态码用于指标上报。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
