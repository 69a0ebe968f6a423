package task

import (
	"context"
	"time"

	"OpenMCP-Swarm/internal/engine"
	xerrors "OpenMCP-Swarm/internal/errors"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, outcome *engine.Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}

// JobStats 聚合了作业状态的统计信息，常用于仪表盘或健康检查。
type JobStats struct {
	Total           int       `json:"total"`
	Pending         int       `json:"pending"`
	Running         int       `json:"running"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	OldestUpdatedAt time.Time `json:"oldest_updated_at,omitzero"`
	NewestUpdatedAt time.Time `json:"newest_updated_at,omitzero"`
}
