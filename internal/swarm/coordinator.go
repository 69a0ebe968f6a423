package swarm

import (
	"context"
	"log/slog"
	"strings"

	"OpenMCP-Swarm/internal/workflow"
)

// Coordinator 校验任务、建立角色目录并注入知识上下文。
type Coordinator struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (c *Coordinator) Name() NodeName { return NodeCoordinator }

// Run 初始化执行并进入拆解阶段。
func (c *Coordinator) Run(ctx context.Context, st *workflow.State) (Result, error) {
	task := strings.TrimSpace(st.OriginalTask)
	if task == "" {
		return Result{}, workflow.InvalidTask("task must not be empty")
	}
	now := c.deps.Clock()
	patch := workflow.Patch{
		Phase: workflow.PhaseDecomposition,
		Messages: []workflow.Message{{
			Role:    workflow.MessageUser,
			Content: task,
			At:      now,
		}},
	}

	if len(st.AvailableAgents) == 0 {
		patch.AvailableAgents = make(map[string]workflow.AgentCard)
		for _, role := range c.deps.Roles.Roles() {
			patch.AvailableAgents[role.Name] = workflow.AgentCard{
				ID:        c.deps.NewID(),
				Role:      role.Name,
				Expertise: append([]string(nil), role.Expertise...),
				Status:    workflow.AgentIdle,
			}
		}
	}

	if c.deps.Knowledge != nil && len(st.Knowledge) == 0 {
		chunks, err := c.deps.Knowledge.Query(ctx, task)
		if err != nil {
			c.deps.Logger.Warn("知识检索失败，继续执行", slog.String("execution_id", st.ExecutionID), slog.Any("error", err))
		}
		for _, chunk := range chunks {
			content := chunk.Content
			if chunk.Title != "" {
				content = chunk.Title + ": " + chunk.Content
			}
			patch.Knowledge = append(patch.Knowledge, workflow.KnowledgeChunk{
				ID:        chunk.ID,
				Content:   content,
				Source:    chunk.Source,
				Relevance: chunk.Relevance,
			})
		}
	}

	c.deps.Logger.Debug("执行初始化完成",
		slog.String("execution_id", st.ExecutionID),
		slog.Int("roles", len(patch.AvailableAgents)),
		slog.Int("knowledge", len(patch.Knowledge)),
		slog.Int("tools", len(st.Tools)))
	return Continue(patch), nil
}
