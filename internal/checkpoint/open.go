package checkpoint

import (
	"context"
	"fmt"

	"OpenMCP-Swarm/internal/config"
)

// Open 根据配置选择检查点后端。
func Open(ctx context.Context, cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.DSN)
	case "mysql":
		return NewMySQLStore(ctx, cfg.DSN)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.TTL,
		})
	case "nats":
		return NewNATSStore(ctx, NATSConfig{URL: cfg.NATS.URL, Bucket: cfg.NATS.Bucket, TTL: cfg.TTL})
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver %q", cfg.Driver)
	}
}
