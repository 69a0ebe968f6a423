package storage

import (
	"context"
	"time"
)

// ExecutionRecord 是一次执行的落库结构。
type ExecutionRecord struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentRecord 是智能体状态快照。
type AgentRecord struct {
	ExecutionID string    `json:"execution_id"`
	AgentID     string    `json:"agent_id"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	Turns       int       `json:"turns"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskRecord 是子任务状态快照。
type TaskRecord struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	Role        string    `json:"role,omitempty"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToolRecord 是工具调用状态快照。
type ToolRecord struct {
	ExecutionID string    `json:"execution_id"`
	ApprovalID  string    `json:"approval_id"`
	Role        string    `json:"role"`
	Tool        string    `json:"tool"`
	ProviderID  string    `json:"provider_id"`
	Risk        string    `json:"risk"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LogRecord 是一条执行日志。
type LogRecord struct {
	ExecutionID string    `json:"execution_id"`
	Level       string    `json:"level"`
	Role        string    `json:"role,omitempty"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// Recorder 定义引擎触发的持久化钩子。
type Recorder interface {
	CreateExecution(ctx context.Context, rec ExecutionRecord) error
	UpdateExecutionStatus(ctx context.Context, rec ExecutionRecord) error
	SaveAgent(ctx context.Context, rec AgentRecord) error
	SaveTask(ctx context.Context, rec TaskRecord) error
	SaveToolExecution(ctx context.Context, rec ToolRecord) error
	AppendLog(ctx context.Context, rec LogRecord) error
}

// NopRecorder 丢弃所有记录。
type NopRecorder struct{}

func (NopRecorder) CreateExecution(context.Context, ExecutionRecord) error       { return nil }
func (NopRecorder) UpdateExecutionStatus(context.Context, ExecutionRecord) error { return nil }
func (NopRecorder) SaveAgent(context.Context, AgentRecord) error                 { return nil }
func (NopRecorder) SaveTask(context.Context, TaskRecord) error                   { return nil }
func (NopRecorder) SaveToolExecution(context.Context, ToolRecord) error          { return nil }
func (NopRecorder) AppendLog(context.Context, LogRecord) error                   { return nil }
