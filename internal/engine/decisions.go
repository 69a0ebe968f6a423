package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/swarm"
	"OpenMCP-Swarm/internal/workflow"
)

// validateDecisions 在修改状态前校验全部决策，返回已处理过的审批 id 集合。
func validateDecisions(st *workflow.State, decisions []Decision) (map[string]bool, error) {
	already := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "decision id must not be empty")
		}
		if _, ok := st.FindHistory(id); ok {
			already[id] = true
			continue
		}
		req, _, ok := st.FindPending(id)
		if !ok {
			return nil, workflow.UnknownApproval(st.ThreadID, id)
		}
		if req.Status != workflow.ApprovalPending {
			already[id] = true
		}
	}
	return already, nil
}

// applyDecisions 把人工决策合并进状态并清除挂起标记。
func (e *Engine) applyDecisions(ctx context.Context, ent *entry, decisions []Decision, already map[string]bool) error {
	st, _ := ent.snapshot()
	now := e.clock()
	working := st
	for _, d := range decisions {
		id := strings.TrimSpace(d.ID)
		if already[id] {
			continue
		}
		req, _, ok := working.FindPending(id)
		if !ok || req.Status != workflow.ApprovalPending {
			// 同一批次中重复出现的 id
			continue
		}
		decidedAt := d.Timestamp
		if decidedAt.IsZero() {
			decidedAt = now
		}

		var patch workflow.Patch
		outcome := "denied"
		switch {
		case d.Approved && d.ExecutionResult != nil:
			patch = swarm.ExternalResult(working, req, *d.ExecutionResult, now)
			outcome = "approved"
		default:
			req.Status = workflow.ApprovalDenied
			if d.Approved {
				req.Status = workflow.ApprovalApproved
				outcome = "approved"
			}
			req.Reason = d.Reason
			req.DecidedAt = &decidedAt
			patch.PendingApprovals = []workflow.ToolApprovalRequest{req}
		}
		next, err := workflow.Apply(working, patch, now)
		if err != nil {
			return err
		}
		working = next
		metrics.ApprovalDecided(outcome)
		e.audit.Info("approval decided",
			slog.String("thread_id", st.ThreadID),
			slog.String("execution_id", st.ExecutionID),
			slog.String("approval_id", id),
			slog.String("tool", req.ToolCall.Name),
			slog.String("risk", string(req.Risk)),
			slog.String("outcome", outcome),
			slog.Bool("host_executed", d.ExecutionResult != nil))
	}

	if working.WaitingForHuman || working.Suspend != workflow.SuspendNone {
		next, err := workflow.Apply(working, workflow.Patch{
			Waiting: workflow.Bool(false),
			Suspend: workflow.Reason(workflow.SuspendNone),
		}, now)
		if err != nil {
			return err
		}
		working = next
	}
	if working == st {
		return nil
	}
	return e.commit(ctx, ent, st, working, StatusRunning)
}

// expire 将超过有效期仍未决策的审批视为拒绝，返回失效数量。
func (e *Engine) expire(ctx context.Context, ent *entry) (int, error) {
	st, status := ent.snapshot()
	if status.Terminal() {
		return 0, nil
	}
	now := e.clock()
	var patch workflow.Patch
	for _, req := range st.PendingApprovals {
		if !e.deps.Policy.Expired(req, now) {
			continue
		}
		req.Status = workflow.ApprovalDenied
		req.Reason = "expired"
		decided := now
		req.DecidedAt = &decided
		patch.PendingApprovals = append(patch.PendingApprovals, req)
	}
	if len(patch.PendingApprovals) == 0 {
		return 0, nil
	}
	next, err := workflow.Apply(st, patch, now)
	if err != nil {
		return 0, err
	}
	if err := e.commit(ctx, ent, st, next, status); err != nil {
		return 0, err
	}
	for _, req := range patch.PendingApprovals {
		metrics.ApprovalDecided("expired")
		e.audit.Warn("approval expired",
			slog.String("thread_id", st.ThreadID),
			slog.String("execution_id", st.ExecutionID),
			slog.String("approval_id", req.ID),
			slog.String("tool", req.ToolCall.Name),
			slog.Time("requested_at", req.RequestedAt))
		e.alert(next, xerrors.New(workflow.CodeApprovalExpired,
			fmt.Sprintf("approval %s for tool %s expired", req.ID, req.ToolCall.Name),
			xerrors.WithMetadata("approval_id", req.ID),
			xerrors.WithMetadata("role", req.Role)))
	}
	return len(patch.PendingApprovals), nil
}

func decisionOutcomes(st *workflow.State, decisions []Decision, already map[string]bool) []DecisionOutcome {
	if len(decisions) == 0 {
		return nil
	}
	out := make([]DecisionOutcome, 0, len(decisions))
	for _, d := range decisions {
		id := strings.TrimSpace(d.ID)
		req, ok := lookupApproval(st, id)
		if !ok {
			continue
		}
		out = append(out, DecisionOutcome{
			ID:              id,
			Status:          req.Status,
			Result:          req.Result,
			Error:           req.Error,
			Reason:          req.Reason,
			AlreadyResolved: already[id],
		})
	}
	return out
}

func lookupApproval(st *workflow.State, id string) (workflow.ToolApprovalRequest, bool) {
	if rec, ok := st.FindHistory(id); ok {
		return rec.Request, true
	}
	req, _, ok := st.FindPending(id)
	return req, ok
}
