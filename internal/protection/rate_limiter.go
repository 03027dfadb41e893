package protection

import (
	"sync"
	"time"
)

// TokenBucket 实现令牌桶限流。桶以固定速率补充令牌，
// 每次请求消耗一个令牌，没有令牌则拒绝。
type TokenBucket struct {
	rate  float64
	burst float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket 创建令牌桶。burst 不大于零时取 rate 的 1.5 倍。
func NewTokenBucket(rate float64, burst float64) *TokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate * 1.5
	}
	return &TokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Acquire 尝试取走 n 个令牌。取不到立即返回 false，从不阻塞。
func (b *TokenBucket) Acquire(n int) bool {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// WaitTime 估算距离取到 n 个令牌还需等待的时间。
func (b *TokenBucket) WaitTime(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	deficit := float64(n) - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Available 返回当前可用令牌数。
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// LimiterStats 聚合单个限流器的统计信息。
type LimiterStats struct {
	TotalRequests    int64 `json:"total_requests"`
	AcceptedRequests int64 `json:"accepted_requests"`
	RejectedRequests int64 `json:"rejected_requests"`
	LastRejectionAt  int64 `json:"last_rejection_at,omitempty"`
}

// RateLimiter 是单个来源的限流器。Acquire 是唯一的变更操作，
// 同一来源的并发调用在内部锁上串行。
type RateLimiter struct {
	origin string
	bucket *TokenBucket

	mu    sync.Mutex
	stats LimiterStats
}

// LimiterConfig 描述单个来源的限流参数。
type LimiterConfig struct {
	// Rate 是每秒补充的令牌数。
	Rate float64
	// Burst 是桶容量。
	Burst float64
}

// NewRateLimiter 创建限流器。
func NewRateLimiter(origin string, cfg LimiterConfig) *RateLimiter {
	return &RateLimiter{
		origin: origin,
		bucket: NewTokenBucket(cfg.Rate, cfg.Burst),
	}
}

// Origin 返回该限流器负责的来源。
func (l *RateLimiter) Origin() string {
	return l.origin
}

// Acquire 尝试为一次授权请求取得放行许可。
func (l *RateLimiter) Acquire() bool {
	accepted := l.bucket.Acquire(1)
	l.mu.Lock()
	l.stats.TotalRequests++
	if accepted {
		l.stats.AcceptedRequests++
	} else {
		l.stats.RejectedRequests++
		l.stats.LastRejectionAt = time.Now().Unix()
	}
	l.mu.Unlock()
	return accepted
}

// RetryAfter 返回距离下一次可能放行的等待时间。
func (l *RateLimiter) RetryAfter() time.Duration {
	return l.bucket.WaitTime(1)
}

// Stats 返回统计快照。
func (l *RateLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// DefaultOrigin 是未单独配置限流器的来源共享的兜底键。
const DefaultOrigin = "default"

// LimiterRegistry 按来源维护限流器。缺失策略是故意的放行优先：
// 来源没有专属限流器时共享 default 限流器；整个注册表都没有配置
// 任何限流器时直接放行，限流器缺失永远不会造成误拒。
type LimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

// NewLimiterRegistry 创建限流器注册表。
func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*RateLimiter)}
}

// Configure 为某个来源设置限流参数。对 DefaultOrigin 配置的
// 限流器会作为所有未配置来源的共享兜底。
func (r *LimiterRegistry) Configure(origin string, cfg LimiterConfig) {
	if origin == "" {
		origin = DefaultOrigin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[origin] = NewRateLimiter(origin, cfg)
}

// Acquire 尝试为来源取得放行许可。见 LimiterRegistry 的放行优先说明。
func (r *LimiterRegistry) Acquire(origin string) bool {
	limiter := r.resolve(origin)
	if limiter == nil {
		return true
	}
	return limiter.Acquire()
}

// RetryAfter 返回来源对应限流器的建议退避时间。
func (r *LimiterRegistry) RetryAfter(origin string) time.Duration {
	limiter := r.resolve(origin)
	if limiter == nil {
		return 0
	}
	return limiter.RetryAfter()
}

// Stats 返回来源对应限流器的统计信息。
func (r *LimiterRegistry) Stats(origin string) (LimiterStats, bool) {
	limiter := r.resolve(origin)
	if limiter == nil {
		return LimiterStats{}, false
	}
	return limiter.Stats(), true
}

func (r *LimiterRegistry) resolve(origin string) *RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limiter, ok := r.limiters[origin]; ok {
		return limiter
	}
	return r.limiters[DefaultOrigin]
}
