package swarm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/llm"
	"OpenMCP-Swarm/internal/workflow"
)

// Executor 每次推进一个 idle 智能体的一轮推理。
type Executor struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (e *Executor) Name() NodeName { return NodeSwarmExecutor }

// Run 选择一个 idle 智能体执行一轮；没有可运行的智能体时决定等待或进入合成阶段。
func (e *Executor) Run(ctx context.Context, st *workflow.State) (Result, error) {
	var patch workflow.Patch
	card, ok := st.FirstWithStatus(workflow.AgentIdle)
	if !ok {
		promoted, remaining, found := promoteDeferred(st)
		if found {
			patch.Agents = append(patch.Agents, promoted)
			patch.DeferredRoles = remaining
			patch.SetDeferred = true
			card, ok = promoted, true
			e.deps.Logger.Info("激活延后的角色", slog.String("execution_id", st.ExecutionID), slog.String("role", promoted.Role))
		}
	}
	if !ok {
		if st.InFlight() > 0 {
			return Continue(patch), nil
		}
		patch.Phase = workflow.PhaseSynthesis
		return Continue(patch), nil
	}
	return e.runAgent(ctx, st, card, patch)
}

// promoteDeferred 在蜂群尚有空位时激活第一个延后角色。
func promoteDeferred(st *workflow.State) (workflow.AgentCard, []string, bool) {
	if len(st.DeferredRoles) == 0 {
		return workflow.AgentCard{}, nil, false
	}
	if limit := st.Limits.MaxSwarmSize; limit > 0 && st.NonTerminal() >= limit {
		return workflow.AgentCard{}, nil, false
	}
	role := st.DeferredRoles[0]
	remaining := append([]string{}, st.DeferredRoles[1:]...)
	return newActiveCard(st, role, st.Assignments[role]), remaining, true
}

func (e *Executor) runAgent(ctx context.Context, st *workflow.State, card workflow.AgentCard, patch workflow.Patch) (Result, error) {
	now := e.deps.Clock()
	log := e.deps.Logger.With(slog.String("execution_id", st.ExecutionID), slog.String("role", card.Role))

	resp, err := e.generate(ctx, st, card)
	if err != nil {
		if stdErrors.Is(err, llm.ErrPending) {
			log.Info("模型结果尚未就绪，挂起执行")
			return Suspend(patch, workflow.SuspendModelPending, nil), nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Continue(e.failAgent(patch, card, err, now)), nil
	}

	busy := card
	busy.Status = workflow.AgentBusy
	busy.Turns++
	patch.Agents = append(patch.Agents, busy)

	table := capability.NewToolTable(st.Tools)
	assistant := workflow.Message{
		Role:    workflow.MessageAssistant,
		Agent:   card.Role,
		Content: resp.Content,
		At:      now,
	}
	var approvals []workflow.ToolApprovalRequest
	var toolMessages []workflow.Message
	for _, call := range resp.ToolCalls {
		callID := call.ID
		if callID == "" {
			callID = e.deps.NewID()
		}
		assistant.ToolCalls = append(assistant.ToolCalls, workflow.ToolCall{ID: callID, Name: call.Name, Arguments: call.Arguments})
		desc, found := table.Lookup(call.Name)
		if !found {
			toolMessages = append(toolMessages, workflow.Message{
				Role:       workflow.MessageTool,
				Agent:      card.Role,
				Content:    fmt.Sprintf("tool %q is not available", call.Name),
				ToolCallID: callID,
				ToolName:   call.Name,
				IsError:    true,
				At:         now,
			})
			log.Warn("模型请求了未知工具", slog.String("tool", call.Name))
			continue
		}
		approvals = append(approvals, workflow.ToolApprovalRequest{
			ID:          e.deps.NewID(),
			AgentID:     card.ID,
			Role:        card.Role,
			ToolCall:    workflow.ToolCall{ID: callID, Name: call.Name, Arguments: call.Arguments},
			Context:     approvalContext(card, resp.Content),
			RequestedAt: now,
			Risk:        e.deps.Risk.Classify(desc.ProviderID, desc.ToolName),
			Status:      workflow.ApprovalPending,
			ProviderID:  desc.ProviderID,
		})
	}
	patch.Messages = append(patch.Messages, assistant)
	patch.Messages = append(patch.Messages, toolMessages...)

	result := workflow.AgentExecutionResult{StartedAt: now}
	final := busy
	if len(approvals) > 0 {
		final.Status = workflow.AgentAwaitingApproval
		patch.PendingApprovals = approvals
		log.Info("智能体请求工具调用", slog.Int("approvals", len(approvals)))
	} else {
		final.Status = workflow.AgentCompleted
		final.CurrentTask = ""
		result.Result = strings.TrimSpace(resp.Content)
		result.EndedAt = now
		log.Info("智能体完成", slog.Int("turns", final.Turns))
	}
	result.Agent = final
	result.Status = final.Status
	patch.Agents = append(patch.Agents, final)
	patch.Results = append(patch.Results, result)
	return Continue(patch), nil
}

func (e *Executor) generate(ctx context.Context, st *workflow.State, card workflow.AgentCard) (*llm.Response, error) {
	if e.deps.Model == nil {
		return nil, fmt.Errorf("no model client configured")
	}
	role, _ := e.deps.Roles.Lookup(card.Role)
	req := llm.Request{
		Purpose:      llm.PurposeAgent,
		Role:         card.Role,
		SystemPrompt: role.SystemPrompt,
		Prompt:       agentPrompt(st, card),
		Messages:     agentHistory(st, card.Role),
		Tools:        toolSpecs(st.Tools),
		Knowledge:    knowledgeCards(st.Knowledge),
		Model:        st.Model.Model,
		Temperature:  st.Model.Temperature,
	}
	callCtx, cancel := e.deps.modelContext(ctx)
	defer cancel()
	resp, err := e.deps.Model.Generate(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("model returned an empty response")
	}
	return resp, nil
}

// failAgent 将模型失败折叠为智能体失败，不影响其他智能体。
func (e *Executor) failAgent(patch workflow.Patch, card workflow.AgentCard, err error, now time.Time) workflow.Patch {
	e.deps.Logger.Warn("智能体执行失败", slog.String("role", card.Role), slog.Any("error", err))
	failed := card
	failed.Status = workflow.AgentFailed
	failed.Turns++
	patch.Agents = append(patch.Agents, failed)
	patch.Results = append(patch.Results, workflow.AgentExecutionResult{
		Agent:     failed,
		Status:    workflow.AgentFailed,
		Error:     err.Error(),
		StartedAt: now,
		EndedAt:   now,
	})
	patch.Errors = append(patch.Errors, errorRecord(string(workflow.CodeAgentExecution), err.Error(), card.Role, NodeSwarmExecutor, now))
	return patch
}

func agentPrompt(st *workflow.State, card workflow.AgentCard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall task:\n%s\n", st.OriginalTask)
	if card.CurrentTask != "" {
		fmt.Fprintf(&b, "\nYour assignment as %s:\n%s\n", card.Role, card.CurrentTask)
	}
	if len(st.Tools) > 0 {
		b.WriteString("\nCall a tool when you need external data. Answer directly once you have enough information.")
	}
	return b.String()
}

// agentHistory 返回该角色此前的对话，全局消息已通过 Prompt 提供。
func agentHistory(st *workflow.State, role string) []llm.Message {
	var out []llm.Message
	for _, msg := range st.Messages {
		if msg.Agent != role {
			continue
		}
		m := llm.Message{
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
			IsError:    msg.IsError,
		}
		switch msg.Role {
		case workflow.MessageAssistant:
			m.Role = llm.RoleAssistant
		case workflow.MessageTool:
			m.Role = llm.RoleTool
		default:
			m.Role = llm.RoleUser
		}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		}
		out = append(out, m)
	}
	return out
}

func toolSpecs(descriptors []capability.Descriptor) []llm.ToolSpec {
	if len(descriptors) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return specs
}

func approvalContext(card workflow.AgentCard, content string) string {
	content = strings.TrimSpace(content)
	if content != "" {
		return content
	}
	return card.CurrentTask
}
