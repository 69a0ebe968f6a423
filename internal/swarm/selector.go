package swarm

import (
	"context"
	"log/slog"
	"strings"

	"OpenMCP-Swarm/internal/workflow"
)

// Selector 为每个子任务挑选角色，并按蜂群规模决定激活与延后的角色。
type Selector struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (s *Selector) Name() NodeName { return NodeSelector }

// Run 生成分配表并激活首批智能体。
func (s *Selector) Run(ctx context.Context, st *workflow.State) (Result, error) {
	assignments := make(map[string][]string)
	var roles []string
	for _, sub := range st.SubTasks {
		role := s.roleFor(sub, st)
		if _, seen := assignments[role]; !seen {
			roles = append(roles, role)
		}
		assignments[role] = append(assignments[role], sub.ID)
	}

	maxSwarm := st.Limits.MaxSwarmSize
	if maxSwarm <= 0 || maxSwarm > len(roles) {
		maxSwarm = len(roles)
	}
	active, deferred := roles[:maxSwarm], roles[maxSwarm:]

	patch := workflow.Patch{
		Phase:         workflow.PhaseExecution,
		Assignments:   assignments,
		DeferredRoles: append([]string(nil), deferred...),
		SetDeferred:   true,
	}
	for _, role := range active {
		patch.Agents = append(patch.Agents, newActiveCard(st, role, assignments[role]))
	}

	s.deps.Logger.Info("智能体选择完成",
		slog.String("execution_id", st.ExecutionID),
		slog.Any("active", active),
		slog.Any("deferred", deferred))
	return Continue(patch), nil
}

func (s *Selector) roleFor(sub workflow.SubTask, st *workflow.State) string {
	if sub.AssignedRole != "" {
		if _, ok := st.AvailableAgents[sub.AssignedRole]; ok {
			return sub.AssignedRole
		}
	}
	for _, cand := range s.deps.Roles.Candidates(sub.Description) {
		if _, ok := st.AvailableAgents[cand.Role.Name]; ok {
			return cand.Role.Name
		}
	}
	return s.deps.Roles.Default().Name
}

// newActiveCard 基于可用目录中的卡片生成一个 idle 的活跃智能体。
func newActiveCard(st *workflow.State, role string, subtaskIDs []string) workflow.AgentCard {
	card := st.AvailableAgents[role]
	card.Role = role
	card.Status = workflow.AgentIdle
	card.CurrentTask = describeAssignment(st, subtaskIDs)
	card.Turns = 0
	card.ToolFailures = 0
	return card
}

func describeAssignment(st *workflow.State, subtaskIDs []string) string {
	parts := make([]string, 0, len(subtaskIDs))
	for _, id := range subtaskIDs {
		for _, sub := range st.SubTasks {
			if sub.ID == id {
				parts = append(parts, sub.Description)
			}
		}
	}
	return strings.Join(parts, "; ")
}
