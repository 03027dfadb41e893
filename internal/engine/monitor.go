package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"Aurora-Operator/internal/authz"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/observability/alerting"
	"Aurora-Operator/pkg/logger"
)

// Sample 是一次资源采样结果，数值为百分比。
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	Goroutines    int
}

// Sampler 提供资源采样能力，便于测试替换。
type Sampler interface {
	Sample() Sample
}

type runtimeSampler struct{}

// Sample 以堆内存占运行时已保留内存的比例近似内存压力。
// 精确的进程级 CPU 占用需要平台相关实现，这里不提供。
func (runtimeSampler) Sample() Sample {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	percent := 0.0
	if stats.Sys > 0 {
		percent = float64(stats.HeapAlloc) / float64(stats.Sys) * 100
	}
	return Sample{
		MemoryPercent: percent,
		Goroutines:    runtime.NumGoroutine(),
	}
}

// Monitor 周期性采样资源占用，越过策略阈值时告警。
type Monitor struct {
	policy   *authz.Policy
	alerts   alerting.Dispatcher
	sampler  Sampler
	interval time.Duration
	logger   *slog.Logger
}

// MonitorOption 定义可选的 Monitor 配置。
type MonitorOption func(*Monitor)

// WithSampler 替换默认的运行时采样器。
func WithSampler(s Sampler) MonitorOption {
	return func(m *Monitor) {
		if s != nil {
			m.sampler = s
		}
	}
}

// WithInterval 设置采样间隔。
func WithInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// NewMonitor 创建资源监控器。
func NewMonitor(policy *authz.Policy, alerts alerting.Dispatcher, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		policy:   policy,
		alerts:   alerts,
		sampler:  runtimeSampler{},
		interval: 30 * time.Second,
		logger:   logger.Named("monitor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start 启动监控循环，直到 ctx 取消。
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check 执行一次采样与阈值判定。
func (m *Monitor) Check(ctx context.Context) {
	sample := m.sampler.Sample()
	thresholds := m.policy.Current()

	m.evaluate(ctx, "cpu", sample.CPUPercent, thresholds.CPUWarningPercent, thresholds.CPUCriticalPercent)
	m.evaluate(ctx, "memory", sample.MemoryPercent, thresholds.MemoryWarningPercent, thresholds.MemoryCriticalPercent)
}

func (m *Monitor) evaluate(ctx context.Context, resource string, value, warning, critical float64) {
	switch {
	case critical > 0 && value >= critical:
		m.logger.Error("资源占用越过临界阈值",
			slog.String("resource", resource),
			slog.Float64("value", value),
			slog.Float64("threshold", critical),
		)
		m.notify(ctx, resource, value, critical, xerrors.SeverityCritical)
	case warning > 0 && value >= warning:
		m.logger.Warn("资源占用越过警戒阈值",
			slog.String("resource", resource),
			slog.Float64("value", value),
			slog.Float64("threshold", warning),
		)
	}
}

func (m *Monitor) notify(ctx context.Context, resource string, value, threshold float64, severity xerrors.Severity) {
	if m.alerts == nil {
		return
	}
	err := m.alerts.Notify(ctx, alerting.Event{
		Code:     xerrors.CodeException,
		Message:  fmt.Sprintf("%s usage %.1f%% exceeds the %.1f%% threshold", resource, value, threshold),
		Severity: severity,
		Metadata: map[string]string{
			"resource":  resource,
			"value":     fmt.Sprintf("%.1f", value),
			"threshold": fmt.Sprintf("%.1f", threshold),
		},
		OccurredAt: time.Now(),
	})
	if err != nil {
		m.logger.Warn("资源告警发送失败", slog.Any("error", err))
	}
}
