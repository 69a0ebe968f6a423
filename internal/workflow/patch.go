package workflow

import (
	"fmt"
	"time"

	"OpenMCP-Swarm/internal/capability"
	xerrors "OpenMCP-Swarm/internal/errors"
)

// Patch 是节点返回的局部状态更新，合并规则见包文档。
type Patch struct {
	Phase    Phase
	LastNode string

	Messages        []Message
	SubTasks        []SubTask
	Assignments     map[string][]string
	AvailableAgents map[string]AgentCard
	Agents          []AgentCard
	DeferredRoles   []string
	SetDeferred     bool
	Results         []AgentExecutionResult

	PendingApprovals  []ToolApprovalRequest
	ResolvedApprovals []ApprovalRecord
	Waiting           *bool
	Suspend           *SuspendReason

	Errors     []ErrorRecord
	Result     *string
	Confidence *float64

	Knowledge  []KnowledgeChunk
	Tools      []capability.Descriptor
	Iterations int
}

// Empty 判断补丁是否不包含任何修改。
func (p Patch) Empty() bool {
	return p.Phase == "" && p.LastNode == "" && len(p.Messages) == 0 && len(p.SubTasks) == 0 &&
		len(p.Assignments) == 0 && len(p.AvailableAgents) == 0 && len(p.Agents) == 0 &&
		!p.SetDeferred && len(p.Results) == 0 && len(p.PendingApprovals) == 0 &&
		len(p.ResolvedApprovals) == 0 && p.Waiting == nil && p.Suspend == nil &&
		len(p.Errors) == 0 && p.Result == nil && p.Confidence == nil &&
		len(p.Knowledge) == 0 && len(p.Tools) == 0 && p.Iterations == 0
}

// Apply 将补丁合并进状态并返回新状态，入参不会被修改。
// 违反智能体状态迁移表或活跃集合约束时返回错误，状态保持不变。
func Apply(state *State, p Patch, now time.Time) (*State, error) {
	if state == nil {
		return nil, fmt.Errorf("workflow: apply patch to nil state")
	}
	next := state.Clone()

	if p.Phase != "" && p.Phase != next.Phase {
		next.Phase = p.Phase
		next.PhaseHistory = append(next.PhaseHistory, p.Phase)
	}
	if p.LastNode != "" {
		next.LastNode = p.LastNode
	}

	next.Messages = append(next.Messages, p.Messages...)

	if len(p.SubTasks) > 0 && len(next.SubTasks) == 0 {
		next.SubTasks = append([]SubTask(nil), p.SubTasks...)
	}
	for role, ids := range p.Assignments {
		next.Assignments[role] = append([]string(nil), ids...)
	}
	for role, card := range p.AvailableAgents {
		next.AvailableAgents[role] = card
	}

	for _, card := range p.Agents {
		if err := upsertAgent(next, card); err != nil {
			return state, err
		}
	}

	if p.SetDeferred {
		next.DeferredRoles = append([]string(nil), p.DeferredRoles...)
	}

	for _, res := range p.Results {
		mergeResult(next, res)
	}

	for _, req := range p.PendingApprovals {
		if _, idx, ok := next.FindPending(req.ID); ok {
			next.PendingApprovals[idx] = req
			continue
		}
		if _, done := next.FindHistory(req.ID); done {
			continue
		}
		next.PendingApprovals = append(next.PendingApprovals, req)
	}
	for _, rec := range p.ResolvedApprovals {
		if _, idx, ok := next.FindPending(rec.Request.ID); ok {
			next.PendingApprovals = append(next.PendingApprovals[:idx], next.PendingApprovals[idx+1:]...)
		}
		if _, done := next.FindHistory(rec.Request.ID); done {
			continue
		}
		next.ApprovalHistory = append(next.ApprovalHistory, rec)
	}

	if p.Waiting != nil {
		next.WaitingForHuman = *p.Waiting
	}
	if p.Suspend != nil {
		next.Suspend = *p.Suspend
	}

	next.Errors = append(next.Errors, p.Errors...)
	if p.Result != nil {
		result := *p.Result
		next.SynthesizedResult = &result
	}
	if p.Confidence != nil {
		next.Confidence = *p.Confidence
	}

	if len(p.Knowledge) > 0 && len(next.Knowledge) == 0 {
		next.Knowledge = append([]KnowledgeChunk(nil), p.Knowledge...)
	}
	if len(p.Tools) > 0 && len(next.Tools) == 0 {
		next.Tools = append([]capability.Descriptor(nil), p.Tools...)
	}
	next.Iterations += p.Iterations

	if err := next.CheckInvariants(); err != nil {
		return state, xerrors.Wrap(CodeIllegalTransition, err, "state invariant violated")
	}
	next.Revision++
	next.UpdatedAt = now
	return next, nil
}

func upsertAgent(state *State, card AgentCard) error {
	if _, ok := state.AvailableAgents[card.Role]; !ok {
		return xerrors.New(CodeIllegalTransition,
			fmt.Sprintf("agent %q is not in the available catalog", card.Role))
	}
	current, exists := state.ActiveAgents[card.Role]
	if exists && !CanTransition(current.Status, card.Status) {
		return xerrors.New(CodeIllegalTransition,
			fmt.Sprintf("agent %q cannot move from %s to %s", card.Role, current.Status, card.Status),
			xerrors.WithMetadata("role", card.Role))
	}
	if !exists {
		state.ActiveOrder = append(state.ActiveOrder, card.Role)
	}
	state.ActiveAgents[card.Role] = card
	return nil
}

func mergeResult(state *State, patch AgentExecutionResult) {
	role := patch.Agent.Role
	current, exists := state.AgentResults[role]
	if !exists {
		state.AgentResults[role] = patch
		return
	}
	if current.Status.Terminal() {
		return
	}
	if patch.Agent.ID != "" {
		current.Agent = patch.Agent
	}
	if patch.Result != "" {
		current.Result = patch.Result
	}
	if patch.Status != "" {
		current.Status = patch.Status
	}
	if patch.Error != "" {
		current.Error = patch.Error
	}
	if current.StartedAt.IsZero() {
		current.StartedAt = patch.StartedAt
	}
	if !patch.EndedAt.IsZero() {
		current.EndedAt = patch.EndedAt
	}
	current.ToolExecutions = append(current.ToolExecutions, patch.ToolExecutions...)
	state.AgentResults[role] = current
}

// Bool 返回布尔指针，便于构造补丁。
func Bool(v bool) *bool { return &v }

// String 返回字符串指针。
func String(v string) *string { return &v }

// Float 返回浮点指针。
func Float(v float64) *float64 { return &v }

// Reason 返回挂起原因指针。
func Reason(r SuspendReason) *SuspendReason { return &r }
