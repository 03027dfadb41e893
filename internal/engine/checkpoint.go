package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Aurora-Operator/internal/errors"
)

// CheckpointTTL 是检查点的固定存活时长，过期后不可再读取。
const CheckpointTTL = 24 * time.Hour

// Checkpoint 记录一次执行在某个步骤边界的进度快照。
type Checkpoint struct {
	ID             string         `json:"checkpoint_id"`
	PlanID         string         `json:"plan_id"`
	StepsCompleted int            `json:"steps_completed"`
	StepResults    []StepResult   `json:"step_results,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// CheckpointStore 定义检查点的持久化接口。
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// NewCheckpoint 以当前进度构建一个检查点。
func NewCheckpoint(planID string, results []StepResult, state map[string]any, now time.Time) *Checkpoint {
	return &Checkpoint{
		ID:             uuid.NewString(),
		PlanID:         planID,
		StepsCompleted: len(results),
		StepResults:    append([]StepResult(nil), results...),
		State:          state,
		CreatedAt:      now,
		ExpiresAt:      now.Add(CheckpointTTL),
	}
}

// MemoryCheckpointStore 是进程内实现，过期条目在读取时惰性清理。
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	items map[string]*Checkpoint

	now func() time.Time
}

// NewMemoryCheckpointStore 创建内存检查点存储。
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		items: make(map[string]*Checkpoint),
		now:   time.Now,
	}
}

// Save 写入检查点。
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "检查点不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cp
	clone.StepResults = append([]StepResult(nil), cp.StepResults...)
	s.items[cp.ID] = &clone
	return nil
}

// Get 读取检查点，过期条目视同不存在并被清理。
func (s *MemoryCheckpointStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.items[id]
	if ok && s.now().After(cp.ExpiresAt) {
		delete(s.items, id)
		ok = false
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeCheckpointNotFound, "检查点不存在或已过期",
			xerrors.WithMetadata("checkpoint_id", id))
	}
	clone := *cp
	clone.StepResults = append([]StepResult(nil), cp.StepResults...)
	return &clone, nil
}

// Delete 删除检查点，不存在时不报错。
func (s *MemoryCheckpointStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
