package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/analyzer"
	"ChainPilot/internal/api"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/config"
	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/interpreter"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/task"
	"ChainPilot/internal/toolgen"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/internal/workflow"
	"ChainPilot/pkg/logger"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainpilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("chainpilotd")

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()
	client, err := registry.DefaultClient()
	if err != nil {
		return err
	}

	// 合约分析 -> 工具生成 -> 合约探索。
	contractCache, err := newContractCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer func() { _ = contractCache.Close() }()

	analyzerOpts := []analyzer.Option{
		analyzer.WithCache(contractCache),
		analyzer.WithMaxSelectors(cfg.Analysis.MaxSelectors),
	}
	if cfg.Analysis.ABIRegistry != "" {
		abis, err := knowledge.LoadABIRegistry(cfg.Analysis.ABIRegistry)
		if err != nil {
			return err
		}
		analyzerOpts = append(analyzerOpts, analyzer.WithABISource(abis))
	}
	engine := analyzer.NewEngine(client, analyzerOpts...)
	generator := toolgen.NewGenerator(client)

	explorerOpts := []explorer.Option{
		explorer.WithToolOptions(toolOptions(cfg.Tools)),
		explorer.WithHistoryLimit(cfg.Explorer.HistoryLimit),
	}
	if cfg.Explorer.HistoryBlocks > 0 {
		explorerOpts = append(explorerOpts, explorer.WithHistorySource(explorer.NewChainHistorySource(client, cfg.Explorer.HistoryBlocks)))
	}
	contracts := explorer.New(engine, generator, explorerOpts...)

	// 指令解析与工作流。
	knowledgeProvider := knowledge.Provider(knowledge.DefaultProvider(cfg.Knowledge.MaxResults))
	if cfg.Knowledge.Source != "" {
		static, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = static
	}

	interpreterOpts := []interpreter.Option{
		interpreter.WithExplorer(contracts),
		interpreter.WithKnowledge(knowledgeProvider),
	}
	if cfg.Workflow.ArtifactsDir != "" {
		interpreterOpts = append(interpreterOpts, interpreter.WithArtifactSource(interpreter.NewDirArtifactSource(cfg.Workflow.ArtifactsDir)))
	}
	interp := interpreter.New(client, interpreterOpts...)

	threshold, ok := new(big.Int).SetString(cfg.Workflow.GasThresholdWei, 10)
	if !ok || threshold.Sign() < 0 {
		return fmt.Errorf("无效的 gas_threshold_wei: %s", cfg.Workflow.GasThresholdWei)
	}
	workflows, err := workflow.NewEngine(client,
		workflow.WithContractResolver(contracts),
		workflow.WithStepRunner(interp),
		workflow.WithGasThreshold(threshold),
		workflow.WithWaitDuration(cfg.Workflow.WaitDuration()),
	)
	if err != nil {
		return err
	}
	if cfg.Workflow.DefinitionsDir != "" {
		defs, err := workflow.LoadDefinitions(cfg.Workflow.DefinitionsDir)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if err := workflows.RegisterDefinition(def); err != nil {
				return err
			}
		}
		appLog.Info("已加载自定义工作流", slog.Int("count", len(defs)))
	}

	agentOpts := []agent.Option{agent.WithWorkflowEngine(workflows)}
	if cfg.Workflow.ExecutionTimeout > 0 {
		agentOpts = append(agentOpts, agent.WithExecutionTimeout(time.Duration(cfg.Workflow.ExecutionTimeout)*time.Second))
	}
	ag := agent.New(interp, client, agentOpts...)

	// 任务存储与队列。
	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "memory", "":
		taskStore = task.NewMemoryStore()
	case "mysql":
		storeCfg := cfg.Storage.TaskStore
		store, err := task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             storeCfg.DSN,
			MaxOpenConns:    storeCfg.MaxOpenConns,
			MaxIdleConns:    storeCfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(storeCfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(storeCfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() { _ = taskStore.Close() }()

	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "memory", "":
		taskQueue = task.NewMemoryQueue(cfg.TaskQueue.Size)
	case "redis":
		redisCfg := cfg.TaskQueue.Redis
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   redisCfg.Address,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			Queue:     redisCfg.Queue,
			BlockWait: time.Duration(redisCfg.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		mq := cfg.TaskQueue.RabbitMQ
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        mq.URL,
			Queue:      mq.Queue,
			Prefetch:   mq.Prefetch,
			Durable:    mq.Durable,
			AutoDelete: mq.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("不支持的任务队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() { _ = taskQueue.Close() }()

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries)
	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
	}
	if cfg.TaskQueue.PlanFallback {
		processorOpts = append(processorOpts, task.WithRecoveryHandler(task.NewPlanRecovery(interp)))
	}
	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue, processorOpts...)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("任务处理器退出", slog.Any("error", err))
		}
	}()

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address,
		api.WithTaskService(taskService),
		api.WithExplorer(contracts),
		api.WithWorkflowEngine(workflows),
		api.WithMiddleware(authService.Middleware(auth.DefaultMiddlewareConfig())),
		api.WithMetrics(),
	)
	appLog.Info("ChainPilot 已启动",
		slog.String("config", configPath),
		slog.Any("chains", registry.Chains()),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("auth", string(authService.Mode())),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type closableStore interface {
	cache.Store[*contract.Info]
	Close() error
}

type memoryContractCache struct {
	*cache.MemoryStore[*contract.Info]
}

func (memoryContractCache) Close() error { return nil }

func newContractCache(ctx context.Context, cfg config.CacheConfig) (closableStore, error) {
	switch cfg.Driver {
	case "memory", "":
		return memoryContractCache{cache.NewMemoryStore[*contract.Info]()}, nil
	case "redis":
		return cache.NewRedisStore[*contract.Info](ctx, cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL(),
		})
	default:
		return nil, fmt.Errorf("不支持的缓存驱动: %s", cfg.Driver)
	}
}

func toolOptions(cfg config.ToolsConfig) toolgen.Options {
	opts := toolgen.DefaultOptions()
	opts.Prefix = cfg.Prefix
	opts.MaxToolsPerContract = cfg.MaxToolsPerContract
	opts.IncludeReadFunctions = *cfg.IncludeReadFunctions
	opts.IncludeWriteFunctions = *cfg.IncludeWriteFunctions
	opts.IncludePayableFunctions = *cfg.IncludePayableFunctions
	return opts
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout()))
	}
	return alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.Severity(cfg.MinSeverity))
}
