package swarm

import "OpenMCP-Swarm/internal/workflow"

// Next 根据当前状态选择下一个节点，返回 NodeEnd 表示执行已结束。
func Next(st *workflow.State) NodeName {
	switch st.Phase {
	case workflow.PhaseInitialization:
		return NodeCoordinator
	case workflow.PhaseDecomposition:
		return NodeDecomposer
	case workflow.PhaseAgentSelection:
		return NodeSelector
	case workflow.PhaseExecution:
		return nextInExecution(st)
	case workflow.PhaseSynthesis, workflow.PhaseValidation:
		return NodeSynthesizer
	default:
		return NodeEnd
	}
}

func nextInExecution(st *workflow.State) NodeName {
	if st.LastNode == string(NodeToolExecutor) {
		return NodeAgentCompletion
	}
	if st.HasDecidedApprovals() {
		return NodeToolExecutor
	}
	if st.HasApprovalStatus(workflow.ApprovalPending) && !canRunMore(st) {
		return NodeToolApproval
	}
	return NodeSwarmExecutor
}

// canRunMore 判断在并发上限内是否还能推进其他智能体。
func canRunMore(st *workflow.State) bool {
	if limit := st.Limits.MaxParallelAgents; limit > 0 && st.InFlight() >= limit {
		return false
	}
	if _, ok := st.FirstWithStatus(workflow.AgentIdle); ok {
		return true
	}
	if len(st.DeferredRoles) == 0 {
		return false
	}
	limit := st.Limits.MaxSwarmSize
	return limit <= 0 || st.NonTerminal() < limit
}
