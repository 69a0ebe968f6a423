package engine

import (
	"time"

	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/checkpoint"
	"OpenMCP-Swarm/internal/events"
	"OpenMCP-Swarm/internal/workflow"
)

// Status 是执行级状态。
type Status string

const (
	StatusRunning          Status = events.StatusRunning
	StatusAwaitingApproval Status = events.StatusAwaitingApproval
	StatusSuspended        Status = events.StatusSuspended // 等待外部模型结果
	StatusCompleted        Status = events.StatusCompleted
	StatusFailed           Status = events.StatusFailed
	StatusCancelled        Status = events.StatusCancelled
)

// Terminal 判断执行是否已结束。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) checkpoint() checkpoint.Status {
	switch s {
	case StatusAwaitingApproval, StatusSuspended:
		return checkpoint.StatusSuspended
	case StatusCompleted:
		return checkpoint.StatusCompleted
	case StatusFailed, StatusCancelled:
		return checkpoint.StatusFailed
	default:
		return checkpoint.StatusRunning
	}
}

func statusFromCheckpoint(rec checkpoint.Record, st *workflow.State) Status {
	switch rec.Status {
	case checkpoint.StatusCompleted:
		return StatusCompleted
	case checkpoint.StatusFailed:
		return StatusFailed
	case checkpoint.StatusSuspended:
		return suspendedStatus(st.Suspend)
	}
	if st.Completed() {
		return StatusCompleted
	}
	return StatusRunning
}

func suspendedStatus(reason workflow.SuspendReason) Status {
	if reason == workflow.SuspendModelPending {
		return StatusSuspended
	}
	return StatusAwaitingApproval
}

// Options 是一次执行的调用参数。
type Options struct {
	Model workflow.ModelOptions `json:"model"`
	// Tools 为 nil 时从能力客户端解析工具表，非 nil 的空切片表示不提供任何工具。
	Tools  []capability.Descriptor `json:"tools,omitempty"`
	Limits workflow.Limits         `json:"limits"`
}

// Decision 是人工对一个审批请求的决策。
type Decision struct {
	ID        string    `json:"id" validate:"required"`
	Approved  bool      `json:"approved"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	// ExecutionResult 非空表示宿主已自行执行该工具，引擎直接采用该结果。
	ExecutionResult *string `json:"execution_result,omitempty"`
}

// DecisionOutcome 报告一个决策的处理结果。
type DecisionOutcome struct {
	ID              string                  `json:"id"`
	Status          workflow.ApprovalStatus `json:"status"`
	Result          string                  `json:"result,omitempty"`
	Error           string                  `json:"error,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
	AlreadyResolved bool                    `json:"already_resolved"`
}

// Outcome 是 Execute 与 Resume 返回给调用方的结果。
type Outcome struct {
	Success                  bool                           `json:"success"`
	Completed                bool                           `json:"completed"`
	RequiresHumanInteraction bool                           `json:"requires_human_interaction"`
	ThreadID                 string                         `json:"thread_id"`
	ExecutionID              string                         `json:"execution_id"`
	Status                   Status                         `json:"status"`
	Suspend                  workflow.SuspendReason         `json:"suspend,omitempty"`
	Result                   string                         `json:"result,omitempty"`
	Confidence               float64                        `json:"confidence"`
	PendingApprovals         []workflow.ToolApprovalRequest `json:"pending_approvals,omitempty"`
	Errors                   []workflow.ErrorRecord         `json:"errors,omitempty"`
	Decisions                []DecisionOutcome              `json:"decisions,omitempty"`
}

func outcomeOf(st *workflow.State, status Status) *Outcome {
	out := &Outcome{
		Success:     status != StatusFailed && status != StatusCancelled,
		Completed:   st.Completed(),
		ThreadID:    st.ThreadID,
		ExecutionID: st.ExecutionID,
		Status:      status,
		Result:      st.ResultText(),
		Confidence:  st.Confidence,
		Errors:      append([]workflow.ErrorRecord(nil), st.Errors...),
	}
	if !out.Completed && (status == StatusAwaitingApproval || status == StatusSuspended) {
		out.Suspend = st.Suspend
		out.RequiresHumanInteraction = st.Suspend == workflow.SuspendApproval
		for _, req := range st.PendingApprovals {
			if req.Status == workflow.ApprovalPending {
				out.PendingApprovals = append(out.PendingApprovals, req)
			}
		}
	}
	return out
}
