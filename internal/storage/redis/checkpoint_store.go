package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
)

// CheckpointStoreConfig 描述 Redis 检查点存储的连接参数。
type CheckpointStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// CheckpointStore 将检查点序列化为 JSON 存入 Redis，
// 过期由键的原生 TTL 承担，不需要清理任务。
type CheckpointStore struct {
	client *redis.Client
	prefix string
}

// NewCheckpointStore 创建 Redis 检查点存储。
func NewCheckpointStore(cfg CheckpointStoreConfig) (*CheckpointStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aurora:checkpoints"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &CheckpointStore{client: client, prefix: prefix}, nil
}

// Save 写入检查点，TTL 取检查点剩余有效时长。
func (s *CheckpointStore) Save(ctx context.Context, cp *engine.Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "检查点不能为空")
	}
	encoded, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("序列化检查点失败: %w", err)
	}
	ttl := time.Until(cp.ExpiresAt)
	if ttl <= 0 {
		ttl = engine.CheckpointTTL
	}
	if err := s.client.Set(ctx, s.key(cp.ID), encoded, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入检查点失败",
			xerrors.WithMetadata("checkpoint_id", cp.ID))
	}
	return nil
}

// Get 读取检查点，键不存在即视为过期。
func (s *CheckpointStore) Get(ctx context.Context, id string) (*engine.Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.New(xerrors.CodeCheckpointNotFound, "检查点不存在或已过期",
			xerrors.WithMetadata("checkpoint_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取检查点失败",
			xerrors.WithMetadata("checkpoint_id", id))
	}
	var cp engine.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("解析检查点失败: %w", err)
	}
	return &cp, nil
}

// Delete 删除检查点，不存在时不报错。
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除检查点失败",
			xerrors.WithMetadata("checkpoint_id", id))
	}
	return nil
}

// Close 关闭底层连接。
func (s *CheckpointStore) Close() error {
	return s.client.Close()
}

func (s *CheckpointStore) key(id string) string {
	return s.prefix + ":" + id
}

var _ engine.CheckpointStore = (*CheckpointStore)(nil)
