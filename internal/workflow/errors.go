package workflow

import (
	xerrors "OpenMCP-Swarm/internal/errors"
)

const (
	// CodeInvalidTask 表示任务输入非法，执行在创建任何状态之前失败。
	CodeInvalidTask xerrors.Code = "INVALID_TASK"
	// CodeAgentExecution 表示单个智能体执行失败，只影响该智能体。
	CodeAgentExecution xerrors.Code = "AGENT_EXECUTION"
	// CodeToolExecution 表示单次工具调用失败。
	CodeToolExecution xerrors.Code = "TOOL_EXECUTION"
	// CodeUnknownExecution 表示恢复或查询的执行不存在或已过期。
	CodeUnknownExecution xerrors.Code = "UNKNOWN_EXECUTION"
	// CodeUnknownApproval 表示决策引用了不存在的审批请求。
	CodeUnknownApproval xerrors.Code = "UNKNOWN_APPROVAL"
	// CodeIllegalTransition 表示补丁试图让智能体状态倒退。
	CodeIllegalTransition xerrors.Code = "ILLEGAL_TRANSITION"
	// CodeExecutionConflict 表示同一 thread 已有在途执行。
	CodeExecutionConflict xerrors.Code = "EXECUTION_CONFLICT"
	// CodeApprovalExpired 表示审批请求超时未决。
	CodeApprovalExpired xerrors.Code = "APPROVAL_EXPIRED"
	// CodeIterationBudget 表示执行步数耗尽，流程被强制进入合成阶段。
	CodeIterationBudget xerrors.Code = "ITERATION_BUDGET"
)

func init() {
	xerrors.Register(CodeInvalidTask, xerrors.Attributes{
		Message:  "invalid task",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentExecution, xerrors.Attributes{
		Message:  "agent execution failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeToolExecution, xerrors.Attributes{
		Message:  "tool execution failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUnknownExecution, xerrors.Attributes{
		Message:  "unknown execution",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnknownApproval, xerrors.Attributes{
		Message:  "unknown approval",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIllegalTransition, xerrors.Attributes{
		Message:  "illegal agent status transition",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:  "execution already in flight",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeApprovalExpired, xerrors.Attributes{
		Message:  "approval expired",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeIterationBudget, xerrors.Attributes{
		Message:  "iteration budget exhausted",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// InvalidTask 构造任务非法错误。
func InvalidTask(message string) error {
	return xerrors.New(CodeInvalidTask, message)
}

// UnknownExecution 构造执行不存在错误。
func UnknownExecution(threadID string) error {
	return xerrors.New(CodeUnknownExecution, "execution not found or expired",
		xerrors.WithMetadata("thread_id", threadID))
}

// UnknownApproval 构造审批请求不存在错误。
func UnknownApproval(threadID, approvalID string) error {
	return xerrors.New(CodeUnknownApproval, "approval not found",
		xerrors.WithMetadata("thread_id", threadID),
		xerrors.WithMetadata("approval_id", approvalID))
}
