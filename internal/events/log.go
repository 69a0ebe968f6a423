package events

import (
	"context"
	"log/slog"
)

// LogSink 把事件写成结构化日志。
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建日志事件下游。
func NewLogSink(l *slog.Logger) *LogSink {
	return &LogSink{log: l}
}

// Emit 实现 Sink。
func (s *LogSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.log == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("type", string(event.Type)),
		slog.String("thread_id", event.ThreadID),
		slog.Uint64("seq", event.Sequence),
	}
	if event.Status != "" {
		attrs = append(attrs, slog.String("status", event.Status))
	}
	if event.Role != "" {
		attrs = append(attrs, slog.String("role", event.Role))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.ApprovalID != "" {
		attrs = append(attrs, slog.String("approval_id", event.ApprovalID), slog.String("tool", event.Tool))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "execution event", attrs...)
}
