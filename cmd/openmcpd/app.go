package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"OpenMCP-Swarm/internal/agent"
	"OpenMCP-Swarm/internal/auth"
	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/checkpoint"
	"OpenMCP-Swarm/internal/config"
	"OpenMCP-Swarm/internal/engine"
	"OpenMCP-Swarm/internal/events"
	"OpenMCP-Swarm/internal/knowledge"
	"OpenMCP-Swarm/internal/llm"
	"OpenMCP-Swarm/internal/llm/anthropic"
	"OpenMCP-Swarm/internal/llm/openai"
	"OpenMCP-Swarm/internal/llm/pythonbridge"
	"OpenMCP-Swarm/internal/observability/alerting"
	"OpenMCP-Swarm/internal/observability/tracing"
	"OpenMCP-Swarm/internal/storage"
	"OpenMCP-Swarm/internal/storage/mysql"
	"OpenMCP-Swarm/internal/swarm"
	"OpenMCP-Swarm/internal/workflow"
	"OpenMCP-Swarm/pkg/logger"
)

// app 持有进程内组装好的全部组件，close 按依赖逆序释放。
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	alerts  alerting.Dispatcher
	bus     *events.Bus
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func closerFunc(c io.Closer) func() error {
	return c.Close
}

// bootstrap 读取配置并组装引擎。
func bootstrap(ctx context.Context, configPath, logLevel string) (a *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}

	a = &app{cfg: cfg}
	a.onClose(logger.Sync)
	defer func() {
		if err != nil {
			_ = a.close()
			a = nil
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return a, err
	}
	a.onClose(func() error { return shutdownTracing(context.Background()) })

	store, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return a, fmt.Errorf("打开检查点存储失败: %w", err)
	}
	a.onClose(closerFunc(store))

	bus, err := events.Open(cfg.Events, logger.Named("events"))
	if err != nil {
		return a, fmt.Errorf("初始化事件下游失败: %w", err)
	}
	a.bus = bus
	a.onClose(closerFunc(bus))

	recorder, err := openRecorder(ctx, cfg)
	if err != nil {
		return a, err
	}
	if c, ok := recorder.(io.Closer); ok {
		a.onClose(closerFunc(c))
	}

	tools, err := openTools(ctx, cfg)
	if err != nil {
		return a, err
	}
	a.onClose(tools.Close)

	model, err := createLLMClient(cfg)
	if err != nil {
		return a, err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return a, err
		}
		knowledgeProvider = provider
	}

	roles := agent.DefaultRegistry()
	if cfg.Swarm.CatalogPath != "" {
		if roles, err = agent.LoadRegistry(cfg.Swarm.CatalogPath); err != nil {
			return a, err
		}
	}

	policy, risk, err := approvalPolicy(cfg.Approval)
	if err != nil {
		return a, err
	}

	a.alerts = openAlerts(cfg.Alerting)

	graph := swarm.NewGraph(swarm.Deps{
		Model:        model,
		Tools:        tools,
		Roles:        roles,
		Knowledge:    knowledgeProvider,
		Risk:         risk,
		Policy:       policy,
		ModelTimeout: cfg.LLM.Timeout,
		Logger:       logger.Named("swarm"),
	})
	a.engine = engine.New(graph,
		engine.WithStore(store),
		engine.WithSink(bus.Sink),
		engine.WithRecorder(recorder),
		engine.WithAlerts(a.alerts),
		engine.WithLimits(workflow.Limits{
			MaxIterations:     cfg.Swarm.MaxIterations,
			MaxParallelAgents: cfg.Swarm.MaxParallelAgents,
			MaxSwarmSize:      cfg.Swarm.MaxSwarmSize,
			MaxAgentTurns:     cfg.Swarm.MaxAgentTurns,
			MaxToolRetries:    cfg.Swarm.MaxToolRetries,
		}),
		engine.WithEviction(engine.AgePolicy{
			IdleTimeout:        cfg.Registry.IdleTimeout,
			CompletedRetention: cfg.Registry.CompletedRetention,
		}),
		engine.WithSweepInterval(cfg.Registry.SweepInterval),
		engine.WithPruneAge(cfg.Checkpoint.TTL),
		engine.WithLogger(logger.Named("engine")),
		engine.WithAuditLogger(logger.Audit()),
	)
	a.onClose(func() error {
		a.engine.Stop()
		return nil
	})
	return a, nil
}

func openRecorder(ctx context.Context, cfg *config.Config) (storage.Recorder, error) {
	var inner storage.Recorder
	switch cfg.Storage.Driver {
	case "", "memory":
		rec, err := storage.NewMemoryRecorder(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		inner = rec
	case "mysql":
		rec, err := mysql.NewSQLRecorder(ctx, mysql.Config{DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, fmt.Errorf("连接执行记录库失败: %w", err)
		}
		inner = rec
	case "none":
		return storage.NopRecorder{}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	return storage.NewAsyncRecorder(inner, cfg.Events.Buffer, storage.WithAsyncLogger(logger.Named("storage"))), nil
}

// openTools 连接全部 MCP 提供方，并为每个提供方套上重试策略。
func openTools(ctx context.Context, cfg *config.Config) (*closingClient, error) {
	hub := capability.NewHub(capability.WithHubLogger(logger.Named("capability")))
	var retryOpts []capability.RetryOption
	for _, p := range cfg.Providers {
		provider, err := capability.Dial(ctx, capability.ProviderSpec{
			ID:        p.ID,
			Transport: p.Transport,
			Command:   p.Command,
			Args:      p.Args,
			Env:       p.Env,
			URL:       p.URL,
		})
		if err != nil {
			_ = hub.Close()
			return nil, fmt.Errorf("连接能力提供方 %s 失败: %w", p.ID, err)
		}
		if err := hub.Register(provider); err != nil {
			_ = provider.Close()
			_ = hub.Close()
			return nil, err
		}
		policy := capability.DefaultRetryPolicy()
		policy.Timeout = p.Timeout
		policy.MaxAttempts = p.MaxAttempts
		retryOpts = append(retryOpts, capability.WithProviderPolicy(p.ID, policy))
	}
	retryOpts = append(retryOpts, capability.WithRetryLogger(logger.Named("capability")))
	return &closingClient{Client: capability.NewRetrying(hub, capability.DefaultRetryPolicy(), retryOpts...), hub: hub}, nil
}

// closingClient 让重试包装后的客户端仍能关闭底层会话。
type closingClient struct {
	capability.Client
	hub *capability.Hub
}

func (c *closingClient) Close() error {
	return c.hub.Close()
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "none":
		return nil, nil
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := secret(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.Timeout,
		})
	case "anthropic":
		apiKey := secret(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("Anthropic provider 需要配置 api_key 或 api_key_env")
		}
		return anthropic.NewClient(anthropic.Config{
			APIKey:    apiKey,
			Model:     cfg.LLM.Anthropic.Model,
			MaxTokens: cfg.LLM.Anthropic.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func secret(value, env string) string {
	value = strings.TrimSpace(value)
	if value == "" && env != "" {
		value = strings.TrimSpace(os.Getenv(env))
	}
	return value
}

func approvalPolicy(cfg config.ApprovalConfig) (swarm.ApprovalPolicy, *swarm.RiskTable, error) {
	overrides, err := swarm.ParseOverrides(cfg.RiskOverrides)
	if err != nil {
		return swarm.ApprovalPolicy{}, nil, err
	}
	auto := make(map[workflow.Risk]bool, len(cfg.AutoApprove))
	for _, r := range cfg.AutoApprove {
		auto[workflow.Risk(r)] = true
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		// 配置中的 0 表示关闭过期
		timeout = -1
	}
	policy := swarm.ApprovalPolicy{
		AutoApprove: auto,
		OnDenied:    swarm.DeniedPolicy(cfg.OnDenied),
		Timeout:     timeout,
	}
	return policy, swarm.NewRiskTable(overrides), nil
}

func openAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.StaticToken, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.StaticToken{
			Name:        t.Name,
			Token:       secret(t.Token, t.TokenEnv),
			Permissions: t.Permissions,
		})
	}
	return auth.NewService(auth.Config{
		Mode:   auth.Mode(cfg.Mode),
		Tokens: tokens,
		JWT: auth.JWTOptions{
			Secret:   secret(cfg.JWT.Secret, cfg.JWT.SecretEnv),
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			TTL:      cfg.JWT.TTL,
		},
	})
}

func openAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	return alerting.NewFanout(notifiers...)
}
