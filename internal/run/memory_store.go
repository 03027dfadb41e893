package run

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
)

// MemoryStore 以内存方式保存运行状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if r.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if _, ok := m.runs[r.ID]; ok {
		return ErrRunConflict
	}
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.runs[r.ID] = cloneRun(r)
	return nil
}

// Get 返回运行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(r), nil
}

// Claim 将运行状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch r.Status {
	case StatusSucceeded, StatusCancelled:
		return cloneRun(r), ErrRunCompleted
	case StatusRunning:
		return cloneRun(r), ErrRunConflict
	}
	if r.Attempts >= r.MaxRetries {
		return cloneRun(r), ErrRunExhausted
	}
	r.Status = StatusRunning
	r.Attempts++
	r.LastError = ""
	r.ErrorCode = ""
	r.UpdatedAt = time.Now().Unix()
	return cloneRun(r), nil
}

// SetAuthorization 回写授权结果。
func (m *MemoryStore) SetAuthorization(_ context.Context, id string, auth *authz.AuthorizationResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if auth != nil {
		authCopy := *auth
		r.Authorization = &authCopy
		r.Prompt = auth.ConfirmationPrompt
		if auth.Decision == authz.DecisionRequiresConfirmation {
			r.Status = StatusAwaitingConfirmation
		}
	}
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result engine.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = StatusSucceeded
	r.Result = &result
	r.LastError = ""
	r.ErrorCode = ""
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记运行失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = StatusFailed
	r.LastError = lastError
	r.ErrorCode = string(code)
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCancelled 标记运行已取消。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status == StatusSucceeded || r.Status == StatusFailed {
		return ErrRunCompleted
	}
	r.Status = StatusCancelled
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		if !matchesListFilters(r, opts) {
			continue
		}
		results = append(results, cloneRun(r))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (RunStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := RunStats{}
	for _, r := range m.runs {
		if !matchesListFilters(r, opts) {
			continue
		}
		stats.Total++
		switch r.Status {
		case StatusPending:
			stats.Pending++
		case StatusAwaitingConfirmation:
			stats.AwaitingConfirmation++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if r.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = r.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (r.UpdatedAt != 0 && r.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = r.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(r *Run, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if r.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Origin != "" && r.Origin != opts.Origin {
		return false
	}
	if opts.UpdatedGTE > 0 && r.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && r.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && runHasResult(r) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(r, opts.Query) {
		return false
	}
	return true
}

func runHasResult(r *Run) bool {
	return r != nil && r.Result != nil && (len(r.Result.Steps) > 0 || r.Result.Status != "")
}

func matchesQuery(r *Run, query string) bool {
	query = strings.ToLower(query)
	if strings.Contains(strings.ToLower(r.RawInput), query) {
		return true
	}
	if strings.Contains(strings.ToLower(r.Origin), query) {
		return true
	}
	if r.Result != nil {
		for _, step := range r.Result.Steps {
			if step.Output != nil && strings.Contains(strings.ToLower(step.Output.Output), query) {
				return true
			}
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
