package authz

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Thresholds 是运行时可更新的安全策略配置面。
type Thresholds struct {
	// CPU 与内存阈值供监控子系统判定告警级别。
	CPUWarningPercent     float64 `yaml:"cpu_warning_percent"`
	CPUCriticalPercent    float64 `yaml:"cpu_critical_percent"`
	MemoryWarningPercent  float64 `yaml:"memory_warning_percent"`
	MemoryCriticalPercent float64 `yaml:"memory_critical_percent"`

	// DestructivePatterns 是步骤参数中的破坏性子串黑名单，
	// 匹配不区分大小写，命中即阻断。
	DestructivePatterns []string `yaml:"destructive_patterns"`
	// SensitivePathPatterns 是写入/删除路径的敏感路径 glob。
	SensitivePathPatterns []string `yaml:"sensitive_path_patterns"`
	// MaxFilesBeforeConfirmation 是触发人工确认的文件变更数量阈值。
	MaxFilesBeforeConfirmation int `yaml:"max_files_before_confirmation"`
}

// DefaultThresholds 返回内置的默认策略。
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarningPercent:     75,
		CPUCriticalPercent:    90,
		MemoryWarningPercent:  80,
		MemoryCriticalPercent: 95,
		DestructivePatterns: []string{
			"rm -rf",
			"drop table",
			"drop database",
			"truncate",
			"format c:",
			"mkfs",
			"> /dev/",
			"git push --force",
		},
		SensitivePathPatterns: []string{
			"/etc/*",
			"/boot/*",
			"*.pem",
			"*.key",
			"*/.ssh/*",
			"*/.aws/*",
			"*/credentials*",
		},
		MaxFilesBeforeConfirmation: 20,
	}
}

// ThresholdsUpdate 是一次部分更新。nil 字段表示保持原值。
type ThresholdsUpdate struct {
	CPUWarningPercent          *float64  `json:"cpu_warning_percent,omitempty" yaml:"cpu_warning_percent,omitempty"`
	CPUCriticalPercent         *float64  `json:"cpu_critical_percent,omitempty" yaml:"cpu_critical_percent,omitempty"`
	MemoryWarningPercent       *float64  `json:"memory_warning_percent,omitempty" yaml:"memory_warning_percent,omitempty"`
	MemoryCriticalPercent      *float64  `json:"memory_critical_percent,omitempty" yaml:"memory_critical_percent,omitempty"`
	DestructivePatterns        *[]string `json:"destructive_patterns,omitempty" yaml:"destructive_patterns,omitempty"`
	SensitivePathPatterns      *[]string `json:"sensitive_path_patterns,omitempty" yaml:"sensitive_path_patterns,omitempty"`
	MaxFilesBeforeConfirmation *int      `json:"max_files_before_confirmation,omitempty" yaml:"max_files_before_confirmation,omitempty"`
}

// Policy 持有当前生效的策略，支持并发读取与运行时更新。
type Policy struct {
	mu sync.RWMutex
	t  Thresholds
}

// NewPolicy 以给定阈值构建策略。
func NewPolicy(t Thresholds) *Policy {
	return &Policy{t: t}
}

// LoadPolicy 从 YAML 文件加载策略。文件中未填写的字段保留默认值。
func LoadPolicy(path string) (*Policy, error) {
	t := DefaultThresholds()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取策略文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &t); err != nil {
			return nil, fmt.Errorf("解析策略文件失败: %w", err)
		}
	}
	return NewPolicy(t), nil
}

// Current 返回当前策略的副本。
func (p *Policy) Current() Thresholds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t := p.t
	t.DestructivePatterns = append([]string(nil), p.t.DestructivePatterns...)
	t.SensitivePathPatterns = append([]string(nil), p.t.SensitivePathPatterns...)
	return t
}

// Update 应用一次部分更新。
func (p *Policy) Update(update ThresholdsUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if update.CPUWarningPercent != nil {
		p.t.CPUWarningPercent = *update.CPUWarningPercent
	}
	if update.CPUCriticalPercent != nil {
		p.t.CPUCriticalPercent = *update.CPUCriticalPercent
	}
	if update.MemoryWarningPercent != nil {
		p.t.MemoryWarningPercent = *update.MemoryWarningPercent
	}
	if update.MemoryCriticalPercent != nil {
		p.t.MemoryCriticalPercent = *update.MemoryCriticalPercent
	}
	if update.DestructivePatterns != nil {
		p.t.DestructivePatterns = append([]string(nil), (*update.DestructivePatterns)...)
	}
	if update.SensitivePathPatterns != nil {
		p.t.SensitivePathPatterns = append([]string(nil), (*update.SensitivePathPatterns)...)
	}
	if update.MaxFilesBeforeConfirmation != nil {
		p.t.MaxFilesBeforeConfirmation = *update.MaxFilesBeforeConfirmation
	}
}
