package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/events"
	"OpenMCP-Swarm/internal/observability/alerting"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/storage"
	"OpenMCP-Swarm/internal/workflow"
)

// 子任务的派生状态。
const (
	taskPending   = "pending"
	taskQueued    = "queued"
	taskAssigned  = "assigned"
	taskRunning   = "running"
	taskCompleted = "completed"
	taskFailed    = "failed"
)

const alertTimeout = 10 * time.Second

func (e *Engine) emit(ctx context.Context, ent *entry, st *workflow.State, ev events.Event) {
	ev.ID = e.newID()
	ev.ThreadID = st.ThreadID
	ev.ExecutionID = st.ExecutionID
	ev.Sequence = ent.nextSeq()
	if ev.At.IsZero() {
		ev.At = e.clock()
	}
	e.sink.Emit(ctx, ev)
}

func (e *Engine) hook(op string, err error, st *workflow.State) {
	if err != nil {
		e.log.Warn("持久化钩子失败",
			slog.String("op", op),
			slog.String("thread_id", st.ThreadID),
			slog.Any("error", err))
	}
}

func executionRecord(st *workflow.State, status Status) storage.ExecutionRecord {
	return storage.ExecutionRecord{
		ID:         st.ExecutionID,
		ThreadID:   st.ThreadID,
		Task:       st.OriginalTask,
		Status:     string(status),
		Result:     st.ResultText(),
		Confidence: st.Confidence,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
	}
}

func (e *Engine) created(ctx context.Context, ent *entry, st *workflow.State) {
	e.emit(ctx, ent, st, events.Event{Type: events.ExecutionCreated, Status: string(StatusRunning), Message: st.OriginalTask})
	e.hook("create_execution", e.recorder.CreateExecution(ctx, executionRecord(st, StatusRunning)), st)
	e.audit.Info("execution created",
		slog.String("thread_id", st.ThreadID),
		slog.String("execution_id", st.ExecutionID),
		slog.Int("tools", len(st.Tools)))
}

func (e *Engine) statusChanged(ctx context.Context, ent *entry, st *workflow.State, status Status) {
	e.emit(ctx, ent, st, events.Event{
		Type:   events.ExecutionStatusChanged,
		Status: string(status),
		Data:   map[string]any{"phase": string(st.Phase), "iterations": st.Iterations},
	})
	e.hook("update_execution", e.recorder.UpdateExecutionStatus(ctx, executionRecord(st, status)), st)
	if status.Terminal() {
		e.audit.Info("execution finished",
			slog.String("thread_id", st.ThreadID),
			slog.String("execution_id", st.ExecutionID),
			slog.String("status", string(status)),
			slog.Float64("confidence", st.Confidence),
			slog.Int("errors", len(st.Errors)))
	}
}

// publish 比较相邻两个状态，按智能体、子任务、工具调用、日志的顺序派发事件与持久化钩子。
func (e *Engine) publish(ctx context.Context, ent *entry, prev, next *workflow.State) {
	for _, role := range next.ActiveOrder {
		card := next.ActiveAgents[role]
		if old, ok := prev.ActiveAgents[role]; ok && old.Status == card.Status {
			continue
		}
		e.emit(ctx, ent, next, events.Event{
			Type:   events.AgentStatusChanged,
			Status: string(card.Status),
			Role:   role,
			Data:   map[string]any{"agent_id": card.ID, "turns": card.Turns},
		})
		res := next.AgentResults[role]
		e.hook("save_agent", e.recorder.SaveAgent(ctx, storage.AgentRecord{
			ExecutionID: next.ExecutionID,
			AgentID:     card.ID,
			Role:        role,
			Status:      string(card.Status),
			Turns:       card.Turns,
			Result:      res.Result,
			Error:       res.Error,
			UpdatedAt:   next.UpdatedAt,
		}), next)
	}

	for _, task := range next.SubTasks {
		status, role := taskStatus(next, task.ID)
		if old, _ := taskStatus(prev, task.ID); old == status && len(prev.SubTasks) > 0 {
			continue
		}
		e.emit(ctx, ent, next, events.Event{
			Type:    events.TaskStatusChanged,
			Status:  status,
			Role:    role,
			TaskID:  task.ID,
			Message: task.Description,
		})
		e.hook("save_task", e.recorder.SaveTask(ctx, storage.TaskRecord{
			ExecutionID: next.ExecutionID,
			TaskID:      task.ID,
			Description: task.Description,
			Role:        role,
			Status:      status,
			UpdatedAt:   next.UpdatedAt,
		}), next)
	}

	for _, req := range approvalsOf(next) {
		old, known := lookupApproval(prev, req.ID)
		if known && old.Status == req.Status {
			continue
		}
		message := req.Error
		if message == "" {
			message = req.Reason
		}
		e.emit(ctx, ent, next, events.Event{
			Type:       events.ToolStatusChanged,
			Status:     string(req.Status),
			Role:       req.Role,
			ApprovalID: req.ID,
			Tool:       req.ToolCall.Name,
			Message:    message,
			Data:       map[string]any{"risk": string(req.Risk), "provider_id": req.ProviderID},
		})
		e.hook("save_tool_execution", e.recorder.SaveToolExecution(ctx, storage.ToolRecord{
			ExecutionID: next.ExecutionID,
			ApprovalID:  req.ID,
			Role:        req.Role,
			Tool:        req.ToolCall.Name,
			ProviderID:  req.ProviderID,
			Risk:        string(req.Risk),
			Status:      string(req.Status),
			Result:      req.Result,
			Error:       req.Error,
			UpdatedAt:   next.UpdatedAt,
		}), next)

		switch req.Status {
		case workflow.ApprovalExecuted, workflow.ApprovalFailed:
			metrics.ToolCall(string(req.Status))
			e.audit.Info("tool executed",
				slog.String("thread_id", next.ThreadID),
				slog.String("approval_id", req.ID),
				slog.String("tool", req.ToolCall.Name),
				slog.String("provider_id", req.ProviderID),
				slog.String("status", string(req.Status)))
		case workflow.ApprovalApproved:
			if req.Reason == "auto-approved" {
				metrics.ApprovalDecided("auto")
			}
		}
	}

	if prev.Phase != next.Phase {
		e.appendLog(ctx, ent, next, "info", "", fmt.Sprintf("phase %s -> %s", prev.Phase, next.Phase))
	}
	if len(next.Errors) > len(prev.Errors) {
		for _, rec := range next.Errors[len(prev.Errors):] {
			e.appendLog(ctx, ent, next, "error", rec.Role, fmt.Sprintf("[%s] %s", rec.Code, rec.Message))
		}
	}
}

func (e *Engine) appendLog(ctx context.Context, ent *entry, st *workflow.State, level, role, message string) {
	e.emit(ctx, ent, st, events.Event{
		Type:    events.LogAppended,
		Role:    role,
		Message: message,
		Data:    map[string]any{"level": level},
	})
	e.hook("append_log", e.recorder.AppendLog(ctx, storage.LogRecord{
		ExecutionID: st.ExecutionID,
		Level:       level,
		Role:        role,
		Message:     message,
		At:          st.UpdatedAt,
	}), st)
}

// taskStatus 由子任务所属角色的智能体状态推导子任务状态。
func taskStatus(st *workflow.State, taskID string) (string, string) {
	role := ""
	for r, ids := range st.Assignments {
		for _, id := range ids {
			if id == taskID {
				role = r
			}
		}
	}
	if role == "" {
		return taskPending, ""
	}
	card, ok := st.ActiveAgents[role]
	if !ok {
		return taskQueued, role
	}
	switch card.Status {
	case workflow.AgentBusy, workflow.AgentAwaitingApproval:
		return taskRunning, role
	case workflow.AgentCompleted:
		return taskCompleted, role
	case workflow.AgentFailed:
		return taskFailed, role
	default:
		return taskAssigned, role
	}
}

func approvalsOf(st *workflow.State) []workflow.ToolApprovalRequest {
	out := make([]workflow.ToolApprovalRequest, 0, len(st.ApprovalHistory)+len(st.PendingApprovals))
	for _, rec := range st.ApprovalHistory {
		out = append(out, rec.Request)
	}
	return append(out, st.PendingApprovals...)
}

// alert 异步发送告警，不阻塞执行。
func (e *Engine) alert(st *workflow.State, err error) {
	if e.alerts == nil || err == nil {
		return
	}
	ev := alerting.FromError(err, e.clock())
	ev.ThreadID = st.ThreadID
	ev.ExecutionID = st.ExecutionID
	if ev.Severity == "" {
		ev.Severity = xerrors.SeverityOf(err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := e.alerts.Notify(ctx, ev); err != nil {
			e.log.Warn("告警发送失败", slog.String("code", string(ev.Code)), slog.Any("error", err))
		}
	}()
}
