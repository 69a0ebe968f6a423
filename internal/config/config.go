package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 描述了 OpenMCP-Swarm 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Providers  []ProviderConfig `mapstructure:"providers" validate:"dive"`
	Swarm      SwarmConfig      `mapstructure:"swarm"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Events     EventsConfig     `mapstructure:"events"`
	Storage    StorageConfig    `mapstructure:"storage"`
	TaskQueue  TaskQueueConfig  `mapstructure:"task_queue"`
	Knowledge  KnowledgeConfig  `mapstructure:"knowledge"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig 控制 API 的令牌认证。
type AuthConfig struct {
	Mode   string            `mapstructure:"mode" validate:"omitempty,oneof=disabled token jwt"`
	Tokens []AuthTokenConfig `mapstructure:"tokens" validate:"dive"`
	JWT    JWTConfig         `mapstructure:"jwt"`
}

// AuthTokenConfig 是一条静态 API 令牌，Token 为空时读取 TokenEnv 指定的环境变量。
type AuthTokenConfig struct {
	Name        string   `mapstructure:"name" validate:"required"`
	Token       string   `mapstructure:"token"`
	TokenEnv    string   `mapstructure:"token_env"`
	Permissions []string `mapstructure:"permissions"`
}

// JWTConfig 描述 HS256 令牌的签发与校验参数。
type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	SecretEnv string        `mapstructure:"secret_env"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  []string      `mapstructure:"audience"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format  string      `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Outputs []string    `mapstructure:"outputs"`
	Audit   AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string             `mapstructure:"provider" validate:"oneof=openai anthropic python_bridge none"`
	Timeout   time.Duration      `mapstructure:"timeout"`
	OpenAI    OpenAIConfig       `mapstructure:"openai"`
	Anthropic AnthropicConfig    `mapstructure:"anthropic"`
	Python    PythonBridgeConfig `mapstructure:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
}

// AnthropicConfig 描述 Anthropic Messages API。
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens" validate:"gte=0"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `mapstructure:"python_executable"`
	ScriptPath       string `mapstructure:"script_path"`
	WorkingDir       string `mapstructure:"working_dir"`
}

// ProviderConfig 描述一个 MCP 能力提供方。
type ProviderConfig struct {
	ID          string            `mapstructure:"id" validate:"required"`
	Transport   string            `mapstructure:"transport" validate:"oneof=stdio sse"`
	Command     string            `mapstructure:"command" validate:"required_if=Transport stdio"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	URL         string            `mapstructure:"url" validate:"required_if=Transport sse"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	MaxAttempts int               `mapstructure:"max_attempts" validate:"gte=0"`
}

// SwarmConfig 约束单次执行的资源上限。
type SwarmConfig struct {
	MaxIterations     int    `mapstructure:"max_iterations" validate:"gte=1"`
	MaxParallelAgents int    `mapstructure:"max_parallel_agents" validate:"gte=1"`
	MaxSwarmSize      int    `mapstructure:"max_swarm_size" validate:"gte=1"`
	MaxAgentTurns     int    `mapstructure:"max_agent_turns" validate:"gte=1"`
	MaxToolRetries    int    `mapstructure:"max_tool_retries" validate:"gte=0"`
	CatalogPath       string `mapstructure:"catalog_path"`
}

// ApprovalConfig 描述人工审批策略。
type ApprovalConfig struct {
	Timeout       time.Duration     `mapstructure:"timeout"`
	AutoApprove   []string          `mapstructure:"auto_approve" validate:"dive,oneof=low medium high"`
	OnDenied      string            `mapstructure:"on_denied" validate:"oneof=proceed fail"`
	RiskOverrides map[string]string `mapstructure:"risk_overrides" validate:"dive,oneof=low medium high"`
}

// CheckpointConfig 选择检查点存储后端。
type CheckpointConfig struct {
	Driver string        `mapstructure:"driver" validate:"oneof=memory redis mysql postgres sqlite nats"`
	DSN    string        `mapstructure:"dsn"`
	TTL    time.Duration `mapstructure:"ttl"`
	Redis  RedisConfig   `mapstructure:"redis"`
	NATS   NATSConfig    `mapstructure:"nats"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NATSConfig 描述 NATS JetStream KV 连接。
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

// RegistryConfig 控制在途执行登记表的回收策略。
type RegistryConfig struct {
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// EventsConfig 选择事件下游。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=log watermill rabbitmq none"`
	Buffer   int            `mapstructure:"buffer" validate:"gte=0"`
	Topic    string         `mapstructure:"topic"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Exchange string `mapstructure:"exchange"`
	Prefetch int    `mapstructure:"prefetch"`
}

// StorageConfig 描述执行记录的持久化方式。
type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory mysql none"`
	DSN    string `mapstructure:"dsn"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver     string         `mapstructure:"driver" validate:"oneof=memory redis rabbitmq"`
	Workers    int            `mapstructure:"workers" validate:"gte=1"`
	MaxRetries int            `mapstructure:"max_retries" validate:"gte=0"`
	Buffer     int            `mapstructure:"buffer"`
	Redis      RedisConfig    `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	// Store 为空时按队列驱动推断：内存队列用内存存储，共享队列用 MySQL（storage.driver=mysql）或 SQLite。
	Store    string `mapstructure:"store" validate:"omitempty,oneof=memory mysql sqlite"`
	StoreDSN string `mapstructure:"store_dsn"`
}

// KnowledgeConfig 描述静态知识库。
type KnowledgeConfig struct {
	Source     string `mapstructure:"source"`
	MaxResults int    `mapstructure:"max_results"`
}

// MetricsConfig 控制指标暴露。
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Address 非空时额外启动独立的指标端口，API 服务自身始终暴露 /metrics。
	Address string `mapstructure:"address"`
}

// TracingConfig 控制 OpenTelemetry 链路追踪。
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// EnvPrefix 是环境变量覆盖配置时使用的前缀。
const EnvPrefix = "OPENMCP"

// Load 解析配置文件并叠加环境变量。path 为空时在当前目录搜索 config.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		v.SetConfigFile(path)
		baseDir = filepath.Dir(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else if used := v.ConfigFileUsed(); used != "" {
		baseDir = filepath.Dir(used)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置字段取值。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if c.TaskQueue.Store == "mysql" && c.TaskQueue.StoreDSN == "" {
		return fmt.Errorf("配置校验失败: task_queue.store=mysql 需要 task_queue.store_dsn 或 storage.dsn")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.mode", "disabled")
	v.SetDefault("auth.jwt.secret_env", "OPENMCP_JWT_SECRET")
	v.SetDefault("auth.jwt.issuer", "openmcp-swarm")
	v.SetDefault("auth.jwt.ttl", 12*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.audit.path", "logs/audit.log")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.openai.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm.anthropic.api_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("llm.anthropic.max_tokens", 4096)
	v.SetDefault("llm.python_bridge.python_executable", "python3")

	v.SetDefault("swarm.max_iterations", 64)
	v.SetDefault("swarm.max_parallel_agents", 3)
	v.SetDefault("swarm.max_swarm_size", 5)
	v.SetDefault("swarm.max_agent_turns", 5)
	v.SetDefault("swarm.max_tool_retries", 2)

	v.SetDefault("approval.timeout", 24*time.Hour)
	v.SetDefault("approval.on_denied", "proceed")

	v.SetDefault("checkpoint.driver", "sqlite")
	v.SetDefault("checkpoint.ttl", 7*24*time.Hour)
	v.SetDefault("checkpoint.redis.address", "127.0.0.1:6379")
	v.SetDefault("checkpoint.redis.prefix", "openmcp:checkpoint:")
	v.SetDefault("checkpoint.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("checkpoint.nats.bucket", "openmcp_checkpoints")

	v.SetDefault("registry.idle_timeout", 48*time.Hour)
	v.SetDefault("registry.completed_retention", 10*time.Minute)
	v.SetDefault("registry.sweep_interval", time.Minute)

	v.SetDefault("events.driver", "log")
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.topic", "openmcp.events")
	v.SetDefault("events.rabbitmq.exchange", "openmcp.events")

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("task_queue.driver", "memory")
	v.SetDefault("task_queue.workers", 2)
	v.SetDefault("task_queue.max_retries", 3)
	v.SetDefault("task_queue.buffer", 128)
	v.SetDefault("task_queue.redis.address", "127.0.0.1:6379")
	v.SetDefault("task_queue.redis.prefix", "openmcp:jobs")
	v.SetDefault("task_queue.rabbitmq.queue", "openmcp.jobs")
	v.SetDefault("task_queue.rabbitmq.prefetch", 4)

	v.SetDefault("knowledge.max_results", 3)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.service_name", "openmcp-swarm")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("alerting.timeout", 5*time.Second)

	v.SetDefault("runtime.data_dir", "data")
}

// applyDefaults 处理相对路径并补齐依赖于其他字段的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)

	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}
	if c.LLM.Python.ScriptPath != "" {
		c.LLM.Python.ScriptPath = resolve(c.LLM.Python.WorkingDir, c.LLM.Python.ScriptPath)
	}

	if c.Swarm.CatalogPath != "" {
		c.Swarm.CatalogPath = resolve(baseDir, c.Swarm.CatalogPath)
	}
	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Checkpoint.Driver == "sqlite" && c.Checkpoint.DSN == "" {
		c.Checkpoint.DSN = filepath.Join(c.Runtime.DataDir, "checkpoints.db")
	}
	if c.TaskQueue.Store == "" {
		switch {
		case c.TaskQueue.Driver == "" || c.TaskQueue.Driver == "memory":
			c.TaskQueue.Store = "memory"
		case c.Storage.Driver == "mysql":
			c.TaskQueue.Store = "mysql"
		default:
			c.TaskQueue.Store = "sqlite"
		}
	}
	switch c.TaskQueue.Store {
	case "mysql":
		if c.TaskQueue.StoreDSN == "" {
			c.TaskQueue.StoreDSN = c.Storage.DSN
		}
	case "sqlite":
		if c.TaskQueue.StoreDSN == "" {
			c.TaskQueue.StoreDSN = filepath.Join(c.Runtime.DataDir, "jobs.db")
		} else {
			c.TaskQueue.StoreDSN = resolve(baseDir, c.TaskQueue.StoreDSN)
		}
	}
	if c.Swarm.MaxParallelAgents > c.Swarm.MaxSwarmSize {
		c.Swarm.MaxParallelAgents = c.Swarm.MaxSwarmSize
	}

	for i := range c.Providers {
		if c.Providers[i].Transport == "" {
			c.Providers[i].Transport = "stdio"
		}
		if c.Providers[i].Timeout <= 0 {
			c.Providers[i].Timeout = 30 * time.Second
		}
		if c.Providers[i].MaxAttempts <= 0 {
			c.Providers[i].MaxAttempts = 3
		}
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
