package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"Aurora-Operator/internal/api"
	"Aurora-Operator/internal/auth"
	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/config"
	"Aurora-Operator/internal/engine"
	"Aurora-Operator/internal/events"
	"Aurora-Operator/internal/llm"
	"Aurora-Operator/internal/llm/openai"
	"Aurora-Operator/internal/llm/pythonbridge"
	"Aurora-Operator/internal/observability/alerting"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/protection"
	"Aurora-Operator/internal/run"
	"Aurora-Operator/internal/skill"
	mysqlstore "Aurora-Operator/internal/storage/mysql"
	redisstore "Aurora-Operator/internal/storage/redis"
	"Aurora-Operator/pkg/logger"
	"Aurora-Operator/pkg/plugin"
)

// main 是 Aurora 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("aurorad 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 风险策略:优先从文件加载,便于运维热更新后重启生效。
	policy := authz.NewPolicy(authz.DefaultThresholds())
	if cfg.Policy.Path != "" {
		loaded, err := authz.LoadPolicy(cfg.Policy.Path)
		if err != nil {
			return fmt.Errorf("加载风险策略失败: %w", err)
		}
		policy = loaded
	}

	bus := events.NewBus()
	if cfg.Events.AMQP.Enabled {
		mirror, err := events.NewAMQPMirror(events.AMQPConfig{
			URL:      cfg.Events.AMQP.URL,
			Exchange: cfg.Events.AMQP.Exchange,
		})
		if err != nil {
			return fmt.Errorf("连接事件镜像失败: %w", err)
		}
		defer mirror.Close()
		mirror.Attach(bus)
	}

	limiters := protection.NewLimiterRegistry()
	if rule := cfg.Protection.RateLimits.Default; rule != nil {
		limiters.Configure(protection.DefaultOrigin, protection.LimiterConfig{Rate: rule.Rate, Burst: rule.Burst})
	}
	for origin, rule := range cfg.Protection.RateLimits.Origins {
		limiters.Configure(origin, protection.LimiterConfig{Rate: rule.Rate, Burst: rule.Burst})
	}
	breakers := protection.NewBreakerRegistry(protection.BreakerConfig{})
	gate := authz.NewGate(limiters, breakers, policy, authz.WithEventPublisher(bus))

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	skills := skill.NewRegistry()
	if err := skills.RegisterSkill(skill.NewGenerativeSkill(llmClient)); err != nil {
		return err
	}

	if cfg.Plugins.Enabled && cfg.Plugins.ConfigPath != "" {
		pluginCfg, err := plugin.LoadManagerConfig(cfg.Plugins.ConfigPath)
		if err != nil {
			return fmt.Errorf("加载插件配置失败: %w", err)
		}
		plugins, err := plugin.NewManager(pluginCfg)
		if err != nil {
			return fmt.Errorf("初始化插件管理器失败: %w", err)
		}
		if err := plugins.StartAll(ctx); err != nil {
			return fmt.Errorf("启动插件失败: %w", err)
		}
		defer func() {
			if err := plugins.StopAll(context.Background()); err != nil {
				log.Printf("停止插件失败: %v", err)
			}
		}()
		if err := plugins.Bind(skills); err != nil {
			return fmt.Errorf("接入插件技能失败: %w", err)
		}
	}

	alerts := alerting.NewFanout()

	var checkpoints engine.CheckpointStore
	switch cfg.Storage.Checkpoints.Driver {
	case "", "memory":
		checkpoints = engine.NewMemoryCheckpointStore()
	case "redis":
		store, err := redisstore.NewCheckpointStore(redisstore.CheckpointStoreConfig{
			Address:   cfg.Storage.Checkpoints.Redis.Address,
			Password:  cfg.Storage.Checkpoints.Redis.Password,
			DB:        cfg.Storage.Checkpoints.Redis.DB,
			KeyPrefix: cfg.Storage.Checkpoints.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		checkpoints = store
	default:
		return fmt.Errorf("未知的检查点驱动: %s", cfg.Storage.Checkpoints.Driver)
	}

	eng := engine.New(skills, gate,
		engine.WithEventPublisher(bus),
		engine.WithBreakerRegistry(breakers),
		engine.WithCheckpointStore(checkpoints),
		engine.WithAlertDispatcher(alerts),
	)

	monitor := engine.NewMonitor(policy, alerts)
	go monitor.Start(ctx)

	var runStore run.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		runStore = run.NewMemoryStore()
	case "mysql":
		store, err := run.NewMySQLStore(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		runStore = store
	default:
		return fmt.Errorf("未知的运行存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer func() {
		if runStore != nil {
			_ = runStore.Close()
		}
	}()

	var queue run.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = run.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		q, err := run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitMS) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				log.Printf("关闭运行队列失败: %v", err)
			}
		}
	}()

	svc := run.NewService(runStore, queue, plan.NewCompiler(), cfg.Runtime.MaxRetries,
		run.WithConfirmer(gate),
		run.WithCanceller(eng),
		run.WithEventPublisher(bus),
	)

	processor := run.NewProcessor(gate, eng, runStore, queue, queue,
		run.WithWorkerCount(cfg.Runtime.WorkerCount),
		run.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("运行处理器异常退出: %v", err)
		}
	}()

	apiOpts := []api.Option{api.WithPolicy(policy)}
	if auth.Mode(cfg.Auth.Mode) == auth.ModeJWT {
		authStore, err := createAuthStore(ctx, cfg)
		if err != nil {
			return err
		}
		if closer, ok := authStore.(interface{ Close() error }); ok {
			defer closer.Close()
		}
		authSvc, err := createAuthService(ctx, cfg, authStore)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithAuthService(authSvc))
	}

	server := api.NewServer(cfg.Server.Address, svc, apiOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("AURORA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "aurora.json")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			// 没有配置文件时以全内存模式启动,方便本地试用。
			return config.Default(), nil
		}
	}
	return config.Load(configPath)
}

func createAuthStore(ctx context.Context, cfg *config.Config) (auth.Store, error) {
	switch cfg.Auth.Store.Driver {
	case "", "memory":
		return auth.NewMemoryStore(nil)
	case "mysql":
		return mysqlstore.NewAuthStore(ctx, mysqlstore.Config{
			DSN:             cfg.Auth.Store.DSN,
			MaxOpenConns:    cfg.Auth.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Auth.Store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Auth.Store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Auth.Store.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的用户存储驱动: %s", cfg.Auth.Store.Driver)
	}
}

func createAuthService(ctx context.Context, cfg *config.Config, store auth.Store) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	return auth.NewService(ctx, auth.Config{
		Mode: auth.ModeJWT,
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTLSeconds,
			RefreshTTL: cfg.Auth.JWT.RefreshTTLSeconds,
		},
		Seeds: seeds,
	}, store)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("AURORA_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	case "python_bridge":
		scriptPath := cfg.LLM.Python.ScriptPath
		if scriptPath != "" && !filepath.IsAbs(scriptPath) && cfg.LLM.Python.WorkingDir != "" {
			scriptPath = filepath.Join(cfg.LLM.Python.WorkingDir, scriptPath)
		}
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
