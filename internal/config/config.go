package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 Aurora 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	LLM        LLMConfig        `json:"llm"`
	Auth       AuthConfig       `json:"auth"`
	Policy     PolicyConfig     `json:"policy"`
	Protection ProtectionConfig `json:"protection"`
	Plugins    PluginsConfig    `json:"plugins"`
	Events     EventsConfig     `json:"events"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述运行存储与检查点存储的后端。
type StorageConfig struct {
	RunStore    RunStoreConfig   `json:"run_store"`
	Checkpoints CheckpointConfig `json:"checkpoints"`
}

// RunStoreConfig 选择运行状态的持久化后端。
type RunStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// CheckpointConfig 选择检查点存储后端。
type CheckpointConfig struct {
	Driver string        `json:"driver"`
	Redis  RedisSettings `json:"redis"`
}

// RedisSettings 描述 Redis 连接信息。
type RedisSettings struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// QueueConfig 选择运行队列的实现。
type QueueConfig struct {
	Driver   string           `json:"driver"`
	Buffer   int              `json:"buffer"`
	Redis    RedisQueueConfig `json:"redis"`
	RabbitMQ RabbitMQSettings `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列连接信息。
type RedisQueueConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	Queue       string `json:"queue"`
	BlockWaitMS int    `json:"block_wait_ms"`
}

// RabbitMQSettings 描述 RabbitMQ 队列连接信息。
type RabbitMQSettings struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAISettings     `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAISettings 描述调用 OpenAI 兼容接口所需的信息。
type OpenAISettings struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	Enabled          bool   `json:"enabled"`
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// AuthConfig 描述身份认证的工作方式。
type AuthConfig struct {
	Mode  string          `json:"mode"`
	JWT   JWTSettings     `json:"jwt"`
	Store AuthStoreConfig `json:"store"`
	Seeds []SeedConfig    `json:"seeds"`
}

// AuthStoreConfig 选择用户目录的持久化后端。
type AuthStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// JWTSettings 描述本地 JWT 签发参数。
type JWTSettings struct {
	Secret            string   `json:"secret"`
	Issuer            string   `json:"issuer"`
	Audience          []string `json:"audience"`
	AccessTTLSeconds  int64    `json:"access_ttl_seconds"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds"`
}

// SeedConfig 描述启动时注入的账号。
type SeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// PolicyConfig 指向风险策略文件。
type PolicyConfig struct {
	Path string `json:"path"`
}

// ProtectionConfig 配置授权闸门前置的保护参数。
type ProtectionConfig struct {
	RateLimits RateLimitsConfig `json:"rate_limits"`
}

// RateLimitsConfig 按来源配置令牌桶限流。default 作为未单独配置
// 来源的共享兜底;两者都缺省时限流检查放行。
type RateLimitsConfig struct {
	Default *RateLimitRule           `json:"default,omitempty"`
	Origins map[string]RateLimitRule `json:"origins,omitempty"`
}

// RateLimitRule 是单个来源的令牌桶参数。
type RateLimitRule struct {
	Rate  float64 `json:"rate"`
	Burst float64 `json:"burst"`
}

// PluginsConfig 控制外部技能插件的加载。
type PluginsConfig struct {
	Enabled    bool   `json:"enabled"`
	ConfigPath string `json:"config_path"`
}

// EventsConfig 控制事件总线的外部镜像。
type EventsConfig struct {
	AMQP AMQPSettings `json:"amqp"`
}

// AMQPSettings 描述事件镜像到 RabbitMQ 交换器的连接信息。
type AMQPSettings struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// LoggingConfig 描述结构化日志与审计日志的输出方式。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的独立输出与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir     string `json:"data_dir"`
	WorkerCount int    `json:"worker_count"`
	MaxRetries  int    `json:"max_retries"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回不依赖配置文件的内存部署默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.Storage.Checkpoints.Driver == "" {
		c.Storage.Checkpoints.Driver = "memory"
	}
	if c.Storage.Checkpoints.Redis.KeyPrefix == "" {
		c.Storage.Checkpoints.Redis.KeyPrefix = "aurora:checkpoints"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "aurora:runs"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "aurora.runs"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store.Driver == "" {
		c.Auth.Store.Driver = "memory"
	}
	if c.Auth.JWT.AccessTTLSeconds <= 0 {
		c.Auth.JWT.AccessTTLSeconds = 3600
	}
	if c.Auth.JWT.RefreshTTLSeconds <= 0 {
		c.Auth.JWT.RefreshTTLSeconds = 86400
	}

	if c.Policy.Path != "" && !filepath.IsAbs(c.Policy.Path) {
		c.Policy.Path = filepath.Join(baseDir, c.Policy.Path)
	}
	if c.Plugins.ConfigPath != "" && !filepath.IsAbs(c.Plugins.ConfigPath) {
		c.Plugins.ConfigPath = filepath.Join(baseDir, c.Plugins.ConfigPath)
	}

	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "aurora.events"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.WorkerCount <= 0 {
		c.Runtime.WorkerCount = 4
	}
	if c.Runtime.MaxRetries <= 0 {
		c.Runtime.MaxRetries = 3
	}
}
