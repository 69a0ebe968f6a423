package task

import (
	"context"
	"fmt"
	"log/slog"

	"OpenMCP-Swarm/internal/config"
)

// OpenQueue 根据配置选择作业队列实现。
func OpenQueue(ctx context.Context, cfg config.TaskQueueConfig, l *slog.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Prefix,
			Logger:   l,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
			Logger:   l,
		})
	default:
		return nil, fmt.Errorf("unsupported task queue driver %q", cfg.Driver)
	}
}

// OpenStore 根据配置选择作业存储。队列在进程间共享时，存储也必须共享。
func OpenStore(ctx context.Context, cfg config.TaskQueueConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		return NewMySQLStore(ctx, cfg.StoreDSN)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unsupported job store %q", cfg.Store)
	}
}
