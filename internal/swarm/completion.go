package swarm

import (
	"context"
	"log/slog"
	"strings"

	"OpenMCP-Swarm/internal/workflow"
)

// CompletionHandler 在工具结果合并后整理智能体状态，并判断是否进入合成阶段。
type CompletionHandler struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (c *CompletionHandler) Name() NodeName { return NodeAgentCompletion }

// Run 将审批全部处理完的智能体放回 idle，轮次耗尽的直接完成。
func (c *CompletionHandler) Run(ctx context.Context, st *workflow.State) (Result, error) {
	now := c.deps.Clock()
	var patch workflow.Patch
	nonTerminal := 0
	for _, card := range st.ActiveInOrder() {
		if card.Status != workflow.AgentAwaitingApproval {
			if !card.Status.Terminal() {
				nonTerminal++
			}
			continue
		}
		if len(st.PendingFor(card.Role)) > 0 {
			nonTerminal++
			continue
		}
		if st.Limits.MaxAgentTurns > 0 && card.Turns >= st.Limits.MaxAgentTurns {
			card.Status = workflow.AgentCompleted
			card.CurrentTask = ""
			patch.Agents = append(patch.Agents, card)
			patch.Results = append(patch.Results, workflow.AgentExecutionResult{
				Agent:   card,
				Status:  workflow.AgentCompleted,
				Result:  lastAssistantContent(st, card.Role),
				EndedAt: now,
			})
			c.deps.Logger.Info("智能体轮次耗尽，以最后一次输出结束",
				slog.String("execution_id", st.ExecutionID),
				slog.String("role", card.Role),
				slog.Int("turns", card.Turns))
			continue
		}
		card.Status = workflow.AgentIdle
		patch.Agents = append(patch.Agents, card)
		nonTerminal++
	}

	if nonTerminal == 0 && len(st.DeferredRoles) == 0 {
		patch.Phase = workflow.PhaseSynthesis
	}
	return Continue(patch), nil
}

func lastAssistantContent(st *workflow.State, role string) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		msg := st.Messages[i]
		if msg.Agent == role && msg.Role == workflow.MessageAssistant && strings.TrimSpace(msg.Content) != "" {
			return strings.TrimSpace(msg.Content)
		}
	}
	return ""
}
