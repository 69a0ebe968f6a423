package task

import (
	stdErrors "errors"
	"time"

	"OpenMCP-Swarm/internal/engine"
	xerrors "OpenMCP-Swarm/internal/errors"
)

// Kind 区分作业要驱动的引擎操作。
type Kind string

const (
	KindExecute Kind = "execute"
	KindResume  Kind = "resume"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request 描述一次异步提交。
type Request struct {
	ID        string            `json:"id,omitempty"`
	Kind      Kind              `json:"kind" validate:"required,oneof=execute resume"`
	ThreadID  string            `json:"thread_id,omitempty" validate:"required_if=Kind resume"`
	Task      string            `json:"task,omitempty" validate:"required_if=Kind execute"`
	Options   engine.Options    `json:"options"`
	Decisions []engine.Decision `json:"decisions,omitempty" validate:"dive"`
}

// Job 是排队等待引擎处理的一次执行或恢复。
type Job struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	ThreadID   string            `json:"thread_id"`
	Task       string            `json:"task,omitempty"`
	Options    engine.Options    `json:"options"`
	Decisions  []engine.Decision `json:"decisions,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Outcome    *engine.Outcome   `json:"outcome,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Finished 判断作业是否已结束。
func (j *Job) Finished() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示作业的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsJobError 判断错误是否为指定的作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeJobNotFound:
		return stdErrors.Is(err, ErrJobNotFound)
	case CodeJobConflict:
		return stdErrors.Is(err, ErrJobConflict)
	case CodeJobCompleted:
		return stdErrors.Is(err, ErrJobCompleted)
	case CodeJobExhausted:
		return stdErrors.Is(err, ErrJobExhausted)
	}
	return xerrors.HasCode(err, target)
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Decisions = append([]engine.Decision(nil), job.Decisions...)
	// 保留 nil 与空切片的区别
	clone.Options.Tools = append(job.Options.Tools[:0:0], job.Options.Tools...)
	if job.Outcome != nil {
		outcome := *job.Outcome
		clone.Outcome = &outcome
	}
	return &clone
}
