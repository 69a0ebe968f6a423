package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"OpenMCP-Swarm/pkg/logger"
)

// AsyncRecorder 在后台协程中依次调用下游记录器，队列满时丢弃记录而不是阻塞调用方。
type AsyncRecorder struct {
	next    Recorder
	queue   chan func(context.Context) error
	timeout time.Duration
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// AsyncOption 定义异步记录器的可选项。
type AsyncOption func(*AsyncRecorder)

// WithAsyncLogger 指定日志记录器。
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *AsyncRecorder) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithWriteTimeout 指定单次写入的超时。
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncRecorder) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAsyncRecorder 包装下游记录器。
func NewAsyncRecorder(next Recorder, buffer int, opts ...AsyncOption) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncRecorder{
		next:    next,
		queue:   make(chan func(context.Context) error, buffer),
		timeout: 5 * time.Second,
		logger:  logger.Named("recorder"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	go a.loop()
	return a
}

func (a *AsyncRecorder) loop() {
	defer close(a.done)
	for op := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := op(ctx); err != nil {
			a.logger.Warn("持久化钩子执行失败", slog.Any("error", err))
		}
		cancel()
	}
}

func (a *AsyncRecorder) enqueue(op func(context.Context) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- op:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("持久化队列已满，丢弃记录", slog.Int64("dropped", n))
		}
	}
	return nil
}

// Dropped 返回因队列已满而丢弃的记录数。
func (a *AsyncRecorder) Dropped() int64 {
	return a.dropped.Load()
}

// Close 停止接收新记录并等待队列写完。
func (a *AsyncRecorder) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

// CreateExecution 实现 Recorder。
func (a *AsyncRecorder) CreateExecution(_ context.Context, rec ExecutionRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.CreateExecution(ctx, rec) })
}

// UpdateExecutionStatus 实现 Recorder。
func (a *AsyncRecorder) UpdateExecutionStatus(_ context.Context, rec ExecutionRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.UpdateExecutionStatus(ctx, rec) })
}

// SaveAgent 实现 Recorder。
func (a *AsyncRecorder) SaveAgent(_ context.Context, rec AgentRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.SaveAgent(ctx, rec) })
}

// SaveTask 实现 Recorder。
func (a *AsyncRecorder) SaveTask(_ context.Context, rec TaskRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.SaveTask(ctx, rec) })
}

// SaveToolExecution 实现 Recorder。
func (a *AsyncRecorder) SaveToolExecution(_ context.Context, rec ToolRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.SaveToolExecution(ctx, rec) })
}

// AppendLog 实现 Recorder。
func (a *AsyncRecorder) AppendLog(_ context.Context, rec LogRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.AppendLog(ctx, rec) })
}
