package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"Aurora-Operator/pkg/logger"
)

// Handler 处理一条事件。处理器同步调用；单个处理器崩溃
// 不会影响其他订阅方，也不会影响核心流程。
type Handler func(ctx context.Context, event Event)

// Publisher 是事件发布方看到的最小接口。
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type subscription struct {
	id      int
	types   map[Type]struct{}
	handler Handler
}

// Bus 将生命周期事件同步扇出给所有订阅方。
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *slog.Logger
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe 注册订阅方。types 为空表示订阅全部事件类型。
// 返回的 id 可用于取消订阅。
func (b *Bus) Subscribe(handler Handler, types ...Type) int {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe 取消订阅。
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish 将事件同步派发给所有匹配的订阅方。
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		b.dispatch(ctx, sub, event)
	}
}

// dispatch 隔离单个订阅方：处理器 panic 被吞掉并记录日志，
// 保证派发继续。
func (b *Bus) dispatch(ctx context.Context, sub subscription, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("事件处理器崩溃",
				slog.Int("subscription", sub.id),
				slog.String("event_type", string(event.Type)),
				slog.Any("panic", rec),
			)
		}
	}()
	sub.handler(ctx, event)
}

var _ Publisher = (*Bus)(nil)
