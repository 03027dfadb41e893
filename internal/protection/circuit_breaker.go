package protection

import (
	"sync"
	"time"
)

// CircuitState 表示熔断器的状态。
type CircuitState string

const (
	// StateClosed 表示正常放行。
	StateClosed CircuitState = "closed"
	// StateOpen 表示熔断打开，调用被拒绝。
	StateOpen CircuitState = "open"
	// StateHalfOpen 表示恢复探测中，放行有限的试探调用。
	StateHalfOpen CircuitState = "half-open"
)

// BreakerConfig 描述单个熔断器的行为参数。
type BreakerConfig struct {
	// FailureThreshold 是 closed 状态下连续失败多少次后打开熔断。
	FailureThreshold int
	// SuccessThreshold 是 half-open 状态下连续成功多少次后关闭熔断。
	SuccessThreshold int
	// RetryTimeout 是 open 状态持续多久后进入 half-open。
	RetryTimeout time.Duration
	// HalfOpenMaxCalls 限制 half-open 状态下的并发试探数量。
	HalfOpenMaxCalls int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// BreakerStats 聚合单个熔断器的调用统计。
type BreakerStats struct {
	TotalCalls           int64 `json:"total_calls"`
	SuccessfulCalls      int64 `json:"successful_calls"`
	FailedCalls          int64 `json:"failed_calls"`
	RejectedCalls        int64 `json:"rejected_calls"`
	ConsecutiveFailures  int   `json:"consecutive_failures"`
	ConsecutiveSuccesses int   `json:"consecutive_successes"`
	OpenCount            int   `json:"open_count"`
	LastFailureAt        int64 `json:"last_failure_at,omitempty"`
	LastSuccessAt        int64 `json:"last_success_at,omitempty"`
}

// BreakerState 是对外暴露的熔断器状态快照。
type BreakerState struct {
	Target       string       `json:"target"`
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     int64        `json:"opened_at,omitempty"`
	RetryAfterMS int64        `json:"retry_after_ms"`
	Stats        BreakerStats `json:"stats"`
}

// CircuitBreaker 是按目标维护的失败隔离状态机。
// 状态迁移：closed →(连续失败达到阈值)→ open →(超时)→ half-open
// →(成功)→ closed 或 →(失败)→ open。
// 打开熔断由观测到失败的一方（执行引擎）驱动；授权门只读取状态，
// 最多通过 ForceOpen 触发操作员级别的紧急开路，关闭必须经过
// half-open 下的真实成功。
type CircuitBreaker struct {
	target string
	cfg    BreakerConfig

	mu             sync.Mutex
	state          CircuitState
	lastTransition time.Time
	openedAt       time.Time
	halfOpenCalls  int
	stats          BreakerStats

	now func() time.Time
}

// NewCircuitBreaker 创建一个熔断器。
func NewCircuitBreaker(target string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		target:         target,
		cfg:            cfg.withDefaults(),
		state:          StateClosed,
		lastTransition: time.Now(),
		now:            time.Now,
	}
}

// Target 返回该熔断器保护的目标。
func (b *CircuitBreaker) Target() string {
	return b.target
}

// State 返回当前状态。若 open 状态已超过重试超时，会先迁移到
// half-open 再返回。
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow 判断是否放行一次调用，并在 half-open 状态下记账试探名额。
// 被拒绝的调用计入 rejected 统计。
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
	}
	b.stats.RejectedCalls++
	return false
}

// RecordSuccess 记录一次成功调用。half-open 下连续成功达到阈值
// 后关闭熔断。
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalCalls++
	b.stats.SuccessfulCalls++
	b.stats.ConsecutiveSuccesses++
	b.stats.ConsecutiveFailures = 0
	b.stats.LastSuccessAt = b.now().Unix()

	if b.state == StateHalfOpen && b.stats.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure 记录一次失败调用。closed 下连续失败达到阈值、
// 或 half-open 下任意失败，都会打开熔断。
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalCalls++
	b.stats.FailedCalls++
	b.stats.ConsecutiveFailures++
	b.stats.ConsecutiveSuccesses = 0
	b.stats.LastFailureAt = b.now().Unix()

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.stats.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

// ForceOpen 强制打开熔断，供操作员触发紧急开路。
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen)
}

// Reset 将熔断器重置为 closed 并清空连续计数。
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.stats.ConsecutiveFailures = 0
	b.stats.ConsecutiveSuccesses = 0
}

// TimeUntilRetry 返回距离下一次恢复探测的剩余时间。
func (b *CircuitBreaker) TimeUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RetryTimeout - b.now().Sub(b.lastTransition)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot 返回当前状态快照。
func (b *CircuitBreaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	snapshot := BreakerState{
		Target:       b.target,
		State:        b.state,
		FailureCount: b.stats.ConsecutiveFailures,
		Stats:        b.stats,
	}
	if b.state == StateOpen {
		snapshot.OpenedAt = b.openedAt.Unix()
		remaining := b.cfg.RetryTimeout - b.now().Sub(b.lastTransition)
		if remaining > 0 {
			snapshot.RetryAfterMS = remaining.Milliseconds()
		}
	}
	return snapshot
}

func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastTransition) >= b.cfg.RetryTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *CircuitBreaker) transitionLocked(next CircuitState) {
	if b.state == next {
		return
	}
	b.state = next
	b.lastTransition = b.now()
	b.halfOpenCalls = 0
	if next == StateOpen {
		b.openedAt = b.lastTransition
		b.stats.OpenCount++
	}
}

// BreakerRegistry 按目标维护熔断器单例：同一个目标的所有调用方
// 共享同一个状态机。
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
}

// NewBreakerRegistry 创建熔断器注册表。注册表需要显式构造并注入，
// 不提供进程级单例，便于测试隔离。
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg.withDefaults(),
	}
}

// GetOrCreate 返回目标对应的熔断器，不存在则创建。
func (r *BreakerRegistry) GetOrCreate(target string) *CircuitBreaker {
	r.mu.RLock()
	breaker, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, ok := r.breakers[target]; ok {
		return breaker
	}
	breaker = NewCircuitBreaker(target, r.cfg)
	r.breakers[target] = breaker
	return breaker
}

// Get 返回目标对应的熔断器；不存在返回 nil。
func (r *BreakerRegistry) Get(target string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[target]
}

// StateOf 返回目标的熔断状态。从未注册的目标视为 closed。
func (r *BreakerRegistry) StateOf(target string) CircuitState {
	if breaker := r.Get(target); breaker != nil {
		return breaker.State()
	}
	return StateClosed
}

// Snapshots 返回所有熔断器的状态快照。
func (r *BreakerRegistry) Snapshots() []BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]BreakerState, 0, len(r.breakers))
	for _, breaker := range r.breakers {
		states = append(states, breaker.Snapshot())
	}
	return states
}

// ResetAll 重置所有熔断器，仅供测试与运维工具使用。
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, breaker := range r.breakers {
		breaker.Reset()
	}
}
