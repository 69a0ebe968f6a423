package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"OpenMCP-Swarm/pkg/logger"
)

// Publisher 是可能阻塞或失败的下游传输。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Async 通过有界缓冲把事件交给后台协程投递，缓冲满时丢弃事件。
type Async struct {
	next    Publisher
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// AsyncOption 自定义 Async。
type AsyncOption func(*Async)

// WithPublishTimeout 设置单次投递的超时。
func WithPublishTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAsyncLogger 指定投递失败时使用的日志器。
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAsync 启动后台投递协程。
func NewAsync(next Publisher, buffer int, opts ...AsyncOption) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, buffer),
		timeout: 5 * time.Second,
		log:     logger.Named("events"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Emit 实现 Sink。
func (a *Async) Emit(_ context.Context, event Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- event:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.log.Warn("事件缓冲已满，丢弃事件", slog.String("type", string(event.Type)), slog.String("thread_id", event.ThreadID))
		}
	}
}

// Dropped 返回被丢弃的事件数量。
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close 停止接收新事件，并等待缓冲中的事件投递完毕。
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

func (a *Async) loop() {
	defer a.wg.Done()
	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, event); err != nil {
			a.log.Warn("事件投递失败",
				slog.String("type", string(event.Type)),
				slog.String("thread_id", event.ThreadID),
				slog.Any("error", err))
		}
		cancel()
	}
}
