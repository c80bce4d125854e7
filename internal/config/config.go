package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ChainPilot/pkg/logger"
)

// Config 描述了 ChainPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   logger.Config   `json:"logging"`
	Web3      Web3Config      `json:"web3"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Tools     ToolsConfig     `json:"tools"`
	Explorer  ExplorerConfig  `json:"explorer"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Cache     CacheConfig     `json:"cache"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Alerting  AlertingConfig  `json:"alerting"`
	Auth      AuthConfig      `json:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// Web3Config 描述链访问端口。
type Web3Config struct {
	RPCURL        string `json:"rpc_url"`
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// AnalysisConfig 控制字节码启发式分析。
type AnalysisConfig struct {
	MaxSelectors int    `json:"max_selectors"`
	ABIRegistry  string `json:"abi_registry"`
}

// ToolsConfig 控制动态工具生成。
type ToolsConfig struct {
	Prefix                  string `json:"prefix"`
	MaxToolsPerContract     int    `json:"max_tools_per_contract"`
	IncludeReadFunctions    *bool  `json:"include_read_functions"`
	IncludeWriteFunctions   *bool  `json:"include_write_functions"`
	IncludePayableFunctions *bool  `json:"include_payable_functions"`
}

// ExplorerConfig 控制合约探索。
type ExplorerConfig struct {
	HistoryBlocks int `json:"history_blocks"`
	HistoryLimit  int `json:"history_limit"`
}

// WorkflowConfig 控制工作流引擎。
type WorkflowConfig struct {
	DefinitionsDir   string `json:"definitions_dir"`
	GasThresholdWei  string `json:"gas_threshold_wei"`
	DefaultWaitMS    int    `json:"default_wait_ms"`
	ArtifactsDir     string `json:"artifacts_dir"`
	ExecutionTimeout int    `json:"execution_timeout_seconds"`
}

// KnowledgeConfig 描述静态知识库。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// CacheConfig 选择合约信息缓存的后端。
type CacheConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 为缓存与队列共用的 Redis 连接参数。
type RedisConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
	Queue      string `json:"queue"`
	BlockWait  int    `json:"block_wait_seconds"`
}

// StorageConfig 统一描述任务存储的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 目前支持 memory 与 mysql。
type TaskStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Retries                int    `json:"retries"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// TaskQueueConfig 选择任务队列的实现。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	// PlanFallback 为 true 时，缺少签名账户的任务以执行计划作为降级结果完成。
	PlanFallback bool `json:"plan_fallback"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AlertingConfig 控制任务失败告警。WebhookURL 为空时只写日志。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	MinSeverity    string `json:"min_severity"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AuthConfig 控制 API token 认证，mode 为 disabled 或 token。
type AuthConfig struct {
	Mode   string            `json:"mode"`
	Tokens []AuthTokenConfig `json:"tokens"`
}

// AuthTokenConfig 描述一个 API token。Token 为空时从 TokenEnv 读取。
type AuthTokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// DefaultGasThresholdWei 是预检阶段要求的最低余额（0.01 ETH）。
const DefaultGasThresholdWei = "10000000000000000"

// Load 负责解析指定路径的 JSON 配置文件，并应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 JSON 内容，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(content))) > 0 {
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// applyEnv 使用 CHAINPILOT_* 环境变量覆盖配置。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CHAINPILOT_SERVER_ADDRESS"); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup("CHAINPILOT_RPC_URL"); ok && v != "" {
		c.Web3.RPCURL = v
	}
	if v, ok := lookup("CHAINPILOT_DEFAULT_CHAIN"); ok && v != "" {
		c.Web3.DefaultChain = v
	}
	if v, ok := lookup("CHAINPILOT_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("CHAINPILOT_CACHE_DRIVER"); ok && v != "" {
		c.Cache.Driver = v
	}
	if v, ok := lookup("CHAINPILOT_TASK_QUEUE_DRIVER"); ok && v != "" {
		c.TaskQueue.Driver = v
	}
	if v, ok := lookup("CHAINPILOT_ALERT_WEBHOOK"); ok && v != "" {
		c.Alerting.WebhookURL = v
	}
	if v, ok := lookup("CHAINPILOT_AUTH_MODE"); ok && v != "" {
		c.Auth.Mode = v
	}
	if v, ok := lookup("CHAINPILOT_TASK_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.TaskQueue.Worker = n
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "CHAINPILOT_PRIVATE_KEY"
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	if c.Analysis.MaxSelectors <= 0 {
		c.Analysis.MaxSelectors = 20
	}
	c.Analysis.ABIRegistry = resolvePath(baseDir, c.Analysis.ABIRegistry)

	if c.Tools.Prefix == "" {
		c.Tools.Prefix = "contract"
	}
	if c.Tools.MaxToolsPerContract <= 0 {
		c.Tools.MaxToolsPerContract = 25
	}
	c.Tools.IncludeReadFunctions = defaultTrue(c.Tools.IncludeReadFunctions)
	c.Tools.IncludeWriteFunctions = defaultTrue(c.Tools.IncludeWriteFunctions)
	c.Tools.IncludePayableFunctions = defaultTrue(c.Tools.IncludePayableFunctions)

	if c.Explorer.HistoryLimit <= 0 {
		c.Explorer.HistoryLimit = 20
	}

	if c.Workflow.GasThresholdWei == "" {
		c.Workflow.GasThresholdWei = DefaultGasThresholdWei
	}
	if c.Workflow.DefaultWaitMS <= 0 {
		c.Workflow.DefaultWaitMS = 5000
	}
	c.Workflow.DefinitionsDir = resolvePath(baseDir, c.Workflow.DefinitionsDir)
	c.Workflow.ArtifactsDir = resolvePath(baseDir, c.Workflow.ArtifactsDir)

	c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source)
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "chainpilot:contract:"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.TaskQueue.Size <= 0 {
		c.TaskQueue.Size = 1024
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

// WaitDuration 返回工作流 wait 步骤的默认时长。
func (w WorkflowConfig) WaitDuration() time.Duration {
	return time.Duration(w.DefaultWaitMS) * time.Millisecond
}

// Timeout 返回 webhook 请求超时。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// TTL 返回 Redis 缓存过期时间，0 表示不过期。
func (r RedisConfig) TTL() time.Duration {
	if r.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(r.TTLSeconds) * time.Second
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func defaultTrue(v *bool) *bool {
	if v != nil {
		return v
	}
	t := true
	return &t
}
