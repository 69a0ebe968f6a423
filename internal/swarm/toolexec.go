package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Swarm/internal/capability"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/workflow"
)

// ToolExecutor 每次处理一个已决策的审批请求：执行被批准的调用或回传拒绝结果。
type ToolExecutor struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (t *ToolExecutor) Name() NodeName { return NodeToolExecutor }

// Run 处理待处理列表中第一个已决策的请求。
func (t *ToolExecutor) Run(ctx context.Context, st *workflow.State) (Result, error) {
	var req workflow.ToolApprovalRequest
	found := false
	for _, candidate := range st.PendingApprovals {
		if candidate.Status.Decided() {
			req, found = candidate, true
			break
		}
	}
	if !found {
		return Continue(workflow.Patch{}), nil
	}
	if req.Status == workflow.ApprovalDenied {
		return Continue(t.deny(st, req)), nil
	}
	return t.execute(ctx, st, req)
}

func (t *ToolExecutor) deny(st *workflow.State, req workflow.ToolApprovalRequest) workflow.Patch {
	now := t.deps.Clock()
	content := "tool call denied by operator"
	if req.Reason != "" {
		content = fmt.Sprintf("%s: %s", content, req.Reason)
	}
	patch := workflow.Patch{
		ResolvedApprovals: []workflow.ApprovalRecord{{Request: req, Approved: false, ResolvedAt: now}},
		Messages:          []workflow.Message{toolMessage(req, content, true, now)},
		Results: []workflow.AgentExecutionResult{{
			Agent: st.ActiveAgents[req.Role],
			ToolExecutions: []workflow.ToolExecution{{
				ApprovalID: req.ID,
				Tool:       req.ToolCall.Name,
				ProviderID: req.ProviderID,
				Arguments:  req.ToolCall.Arguments,
				Status:     workflow.ApprovalDenied,
				Error:      content,
				StartedAt:  now,
			}},
		}},
	}
	t.deps.Logger.Info("工具调用被拒绝",
		slog.String("execution_id", st.ExecutionID),
		slog.String("role", req.Role),
		slog.String("tool", req.ToolCall.Name),
		slog.String("reason", req.Reason))

	card, ok := st.ActiveAgents[req.Role]
	if ok && !card.Status.Terminal() && t.deps.Policy.OnDenied == DeniedFail {
		t.failAgent(st, &patch, card, req.ID, content, now)
	}
	return patch
}

func (t *ToolExecutor) execute(ctx context.Context, st *workflow.State, req workflow.ToolApprovalRequest) (Result, error) {
	started := t.deps.Clock()
	output, callErr := t.call(ctx, st, req)
	if callErr != nil && ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	now := t.deps.Clock()

	exec := workflow.ToolExecution{
		ApprovalID: req.ID,
		Tool:       req.ToolCall.Name,
		ProviderID: req.ProviderID,
		Arguments:  req.ToolCall.Arguments,
		StartedAt:  started,
		Duration:   now.Sub(started),
	}
	resolved := req
	var patch workflow.Patch
	card := st.ActiveAgents[req.Role]
	log := t.deps.Logger.With(
		slog.String("execution_id", st.ExecutionID),
		slog.String("role", req.Role),
		slog.String("tool", req.ToolCall.Name))

	if callErr == nil {
		resolved.Status = workflow.ApprovalExecuted
		resolved.Result = output
		exec.Status = workflow.ApprovalExecuted
		exec.Result = output
		patch.Messages = append(patch.Messages, toolMessage(req, output, false, now))
		log.Info("工具调用完成", slog.Duration("duration", exec.Duration))
	} else {
		resolved.Status = workflow.ApprovalFailed
		resolved.Error = callErr.Error()
		exec.Status = workflow.ApprovalFailed
		exec.Error = callErr.Error()
		patch.Messages = append(patch.Messages, toolMessage(req, callErr.Error(), true, now))
		patch.Errors = append(patch.Errors, errorRecord(string(workflow.CodeToolExecution), callErr.Error(), req.Role, NodeToolExecutor, now))
		log.Warn("工具调用失败", slog.Any("error", callErr))

		if !card.Status.Terminal() {
			card.ToolFailures++
			if card.ToolFailures > st.Limits.MaxToolRetries {
				t.failAgent(st, &patch, card, req.ID, fmt.Sprintf("tool failure budget exhausted: %v", callErr), now)
			} else {
				patch.Agents = append(patch.Agents, card)
			}
		}
	}

	patch.ResolvedApprovals = append([]workflow.ApprovalRecord{{Request: resolved, Approved: true, ResolvedAt: now}}, patch.ResolvedApprovals...)
	patch.Results = append([]workflow.AgentExecutionResult{{
		Agent:          st.ActiveAgents[req.Role],
		ToolExecutions: []workflow.ToolExecution{exec},
	}}, patch.Results...)
	return Continue(patch), nil
}

func (t *ToolExecutor) call(ctx context.Context, st *workflow.State, req workflow.ToolApprovalRequest) (string, error) {
	desc, ok := capability.NewToolTable(st.Tools).Lookup(req.ToolCall.Name)
	if !ok {
		return "", xerrors.New(capability.CodeToolNotFound, fmt.Sprintf("tool %q is not available", req.ToolCall.Name))
	}
	if err := capability.ValidateArguments(desc, req.ToolCall.Arguments); err != nil {
		return "", err
	}
	if t.deps.Tools == nil {
		return "", xerrors.New(capability.CodeProviderUnavailable, "no capability client configured")
	}
	res, err := t.deps.Tools.CallTool(ctx, desc.ProviderID, desc.ToolName, req.ToolCall.Arguments)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", xerrors.New(capability.CodeToolFailed, res.Content)
	}
	return res.Content, nil
}

// failAgent 使智能体失败，并拒绝该智能体其余尚未处理的审批请求。
func (t *ToolExecutor) failAgent(st *workflow.State, patch *workflow.Patch, card workflow.AgentCard, currentID, reason string, now time.Time) {
	card.Status = workflow.AgentFailed
	patch.Agents = append(patch.Agents, card)
	patch.Results = append(patch.Results, workflow.AgentExecutionResult{
		Agent:   card,
		Status:  workflow.AgentFailed,
		Error:   reason,
		EndedAt: now,
	})
	patch.Errors = append(patch.Errors, errorRecord(string(workflow.CodeAgentExecution), reason, card.Role, NodeToolExecutor, now))
	for _, other := range st.PendingFor(card.Role) {
		if other.ID == currentID || other.Status == workflow.ApprovalDenied {
			continue
		}
		other.Status = workflow.ApprovalDenied
		other.Reason = "agent failed"
		decided := now
		other.DecidedAt = &decided
		patch.PendingApprovals = append(patch.PendingApprovals, other)
	}
}

func toolMessage(req workflow.ToolApprovalRequest, content string, isError bool, at time.Time) workflow.Message {
	return workflow.Message{
		Role:       workflow.MessageTool,
		Agent:      req.Role,
		Content:    content,
		ToolCallID: req.ToolCall.ID,
		ToolName:   req.ToolCall.Name,
		IsError:    isError,
		At:         at,
	}
}

// ExternalResult 构造宿主已自行执行工具时的补丁，结果直接并入对应智能体，工具不会再次调用。
func ExternalResult(st *workflow.State, req workflow.ToolApprovalRequest, output string, now time.Time) workflow.Patch {
	resolved := req
	resolved.Status = workflow.ApprovalExecuted
	resolved.Result = output
	decided := now
	resolved.DecidedAt = &decided
	return workflow.Patch{
		LastNode:          string(NodeToolExecutor),
		ResolvedApprovals: []workflow.ApprovalRecord{{Request: resolved, Approved: true, ResolvedAt: now}},
		Messages:          []workflow.Message{toolMessage(req, output, false, now)},
		Results: []workflow.AgentExecutionResult{{
			Agent: st.ActiveAgents[req.Role],
			ToolExecutions: []workflow.ToolExecution{{
				ApprovalID: req.ID,
				Tool:       req.ToolCall.Name,
				ProviderID: req.ProviderID,
				Arguments:  req.ToolCall.Arguments,
				Status:     workflow.ApprovalExecuted,
				Result:     output,
				StartedAt:  now,
			}},
		}},
	}
}
