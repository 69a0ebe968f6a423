package events

import (
	"context"
	"sync"
	"time"
)

// Type 标识事件类别。
type Type string

const (
	ExecutionCreated       Type = "execution.created"
	ExecutionStatusChanged Type = "execution.status_changed"
	AgentStatusChanged     Type = "agent.status_changed"
	TaskStatusChanged      Type = "task.status_changed"
	ToolStatusChanged      Type = "tool.status_changed"
	LogAppended            Type = "log.appended"
)

// 执行级状态取值。
const (
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusSuspended        = "suspended"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
)

// Event 是推送给界面、日志与持久化协作方的一条状态变更。
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	ThreadID    string         `json:"thread_id"`
	ExecutionID string         `json:"execution_id"`
	Sequence    uint64         `json:"sequence"`
	At          time.Time      `json:"at"`
	Status      string         `json:"status,omitempty"`
	Role        string         `json:"role,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Sink 接收事件，实现不得阻塞调用方也不得 panic。
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc 允许普通函数充当 Sink。
type SinkFunc func(ctx context.Context, event Event)

// Emit 实现 Sink。
func (f SinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// Nop 丢弃所有事件。
type Nop struct{}

// Emit 实现 Sink。
func (Nop) Emit(context.Context, Event) {}

// Fanout 将事件依次转发给多个下游。
type Fanout []Sink

// Emit 实现 Sink。
func (f Fanout) Emit(ctx context.Context, event Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}

// Collector 在内存中保存收到的事件，供测试与状态查询使用。
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Sink。
func (c *Collector) Emit(_ context.Context, event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// Events 返回已收集事件的副本。
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// OfType 返回指定类型的事件。
func (c *Collector) OfType(t Type) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
