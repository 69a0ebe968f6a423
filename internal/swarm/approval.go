package swarm

import (
	"context"
	"log/slog"

	"OpenMCP-Swarm/internal/workflow"
)

// ApprovalGate 按策略自动批准低风险调用，其余调用挂起等待人工决策。
type ApprovalGate struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (g *ApprovalGate) Name() NodeName { return NodeToolApproval }

// Run 处理所有 pending 状态的审批请求。
func (g *ApprovalGate) Run(ctx context.Context, st *workflow.State) (Result, error) {
	now := g.deps.Clock()
	var patch workflow.Patch
	var waiting []workflow.ToolApprovalRequest
	for _, req := range st.PendingApprovals {
		if req.Status != workflow.ApprovalPending {
			continue
		}
		if g.deps.Policy.AutoApproves(req.Risk) {
			req.Status = workflow.ApprovalApproved
			req.Reason = "auto-approved"
			decided := now
			req.DecidedAt = &decided
			patch.PendingApprovals = append(patch.PendingApprovals, req)
			continue
		}
		waiting = append(waiting, req)
	}

	if len(waiting) == 0 {
		patch.Waiting = workflow.Bool(false)
		return Continue(patch), nil
	}
	patch.Waiting = workflow.Bool(true)
	g.deps.Logger.Info("等待人工审批",
		slog.String("execution_id", st.ExecutionID),
		slog.Int("pending", len(waiting)),
		slog.Int("auto_approved", len(patch.PendingApprovals)))
	return Suspend(patch, workflow.SuspendApproval, waiting), nil
}
