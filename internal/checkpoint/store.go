package checkpoint

import (
	"context"
	"time"

	xerrors "OpenMCP-Swarm/internal/errors"
)

const (
	// CodeNotFound 表示检查点不存在。
	CodeNotFound xerrors.Code = "CHECKPOINT_NOT_FOUND"
	// CodeStore 表示检查点存储读写失败。
	CodeStore xerrors.Code = "CHECKPOINT_STORE"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "checkpoint not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStore, xerrors.Attributes{
		Message:   "checkpoint store failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Status 是检查点记录的执行状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record 是一条检查点。
type Record struct {
	ThreadID    string    `json:"thread_id"`
	ExecutionID string    `json:"execution_id"`
	Status      Status    `json:"status"`
	State       []byte    `json:"state"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store 定义检查点存储的通用接口。
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, threadID string) (Record, error)
	Delete(ctx context.Context, threadID string) error
	Close() error
}

// Pruner 由支持按时间清理的后端实现，依赖原生 TTL 的后端无需实现。
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// NotFound 构造检查点不存在的错误。
func NotFound(threadID string) error {
	return xerrors.New(CodeNotFound, "checkpoint "+threadID+" not found", xerrors.WithMetadata("thread_id", threadID))
}

// IsNotFound 判断错误是否表示检查点不存在。
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, CodeNotFound)
}

func storeError(err error, op string) error {
	return xerrors.Wrap(CodeStore, err, "checkpoint "+op+" failed")
}
