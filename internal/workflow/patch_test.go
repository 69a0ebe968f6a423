package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Swarm/internal/errors"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baseState() *State {
	st := NewState("exec-1", "thread-1", "compare two reports", DefaultLimits(), testNow)
	st.AvailableAgents["researcher"] = AgentCard{ID: "agent-researcher", Role: "researcher", Status: AgentIdle}
	st.AvailableAgents["writer"] = AgentCard{ID: "agent-writer", Role: "writer", Status: AgentIdle}
	return st
}

func card(role string, status AgentStatus) AgentCard {
	return AgentCard{ID: "agent-" + role, Role: role, Status: status}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{
		Phase:    PhaseDecomposition,
		Messages: []Message{{Role: MessageUser, Content: "hi"}},
		Agents:   []AgentCard{card("writer", AgentIdle)},
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, PhaseInitialization, st.Phase)
	assert.Empty(t, st.Messages)
	assert.Empty(t, st.ActiveAgents)
	assert.Equal(t, PhaseDecomposition, next.Phase)
	assert.Len(t, next.Messages, 1)
}

func TestApplyScalarsAndPhaseHistory(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{Phase: PhaseDecomposition, LastNode: "coordinator"}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{Phase: PhaseDecomposition}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{Phase: PhaseAgentSelection, Result: String("done"), Confidence: Float(0.5), Waiting: Bool(true)}, testNow)
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseInitialization, PhaseDecomposition, PhaseAgentSelection}, next.PhaseHistory)
	assert.Equal(t, "coordinator", next.LastNode)
	assert.Equal(t, "done", next.ResultText())
	assert.Equal(t, 0.5, next.Confidence)
	assert.True(t, next.WaitingForHuman)
}

func TestApplyListsConcatenate(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{
		Messages: []Message{{Content: "a"}},
		Errors:   []ErrorRecord{{Code: "X"}},
	}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{
		Messages: []Message{{Content: "b"}},
		Errors:   []ErrorRecord{{Code: "Y"}},
	}, testNow)
	require.NoError(t, err)

	require.Len(t, next.Messages, 2)
	assert.Equal(t, "a", next.Messages[0].Content)
	assert.Equal(t, "b", next.Messages[1].Content)
	assert.Len(t, next.Errors, 2)
}

func TestApplySubTasksSetOnce(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{SubTasks: []SubTask{{ID: "1", Description: "first"}}}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{SubTasks: []SubTask{{ID: "2", Description: "second"}}}, testNow)
	require.NoError(t, err)

	require.Len(t, next.SubTasks, 1)
	assert.Equal(t, "first", next.SubTasks[0].Description)
}

func TestApplyAgentsKeepInsertionOrder(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{Agents: []AgentCard{card("writer", AgentIdle), card("researcher", AgentIdle)}}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{Agents: []AgentCard{card("writer", AgentBusy)}}, testNow)
	require.NoError(t, err)

	assert.Equal(t, []string{"writer", "researcher"}, next.ActiveOrder)
	first, ok := next.FirstWithStatus(AgentIdle)
	require.True(t, ok)
	assert.Equal(t, "researcher", first.Role)
}

func TestApplyRejectsBackwardTransition(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{Agents: []AgentCard{card("writer", AgentIdle)}}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{Agents: []AgentCard{card("writer", AgentBusy), card("writer", AgentCompleted)}}, testNow)
	require.NoError(t, err)

	_, err = Apply(next, Patch{Agents: []AgentCard{card("writer", AgentIdle)}}, testNow)
	require.Error(t, err)
	assert.Equal(t, CodeIllegalTransition, xerrors.CodeOf(err))

	_, err = Apply(next, Patch{Agents: []AgentCard{card("writer", AgentBusy)}}, testNow)
	require.Error(t, err)
}

func TestApplyRejectsAgentOutsideCatalog(t *testing.T) {
	_, err := Apply(baseState(), Patch{Agents: []AgentCard{card("pirate", AgentIdle)}}, testNow)
	require.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AgentStatus
		ok       bool
	}{
		{AgentIdle, AgentBusy, true},
		{AgentBusy, AgentAwaitingApproval, true},
		{AgentAwaitingApproval, AgentIdle, true},
		{AgentAwaitingApproval, AgentFailed, true},
		{AgentBusy, AgentCompleted, true},
		{AgentIdle, AgentAwaitingApproval, false},
		{AgentBusy, AgentIdle, false},
		{AgentCompleted, AgentBusy, false},
		{AgentFailed, AgentIdle, false},
		{AgentCompleted, AgentCompleted, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestApplyResultsMergeAndFreeze(t *testing.T) {
	st := baseState()
	start := testNow
	next, err := Apply(st, Patch{Results: []AgentExecutionResult{{
		Agent: card("writer", AgentBusy), Status: AgentBusy, StartedAt: start,
	}}}, testNow)
	require.NoError(t, err)

	next, err = Apply(next, Patch{Results: []AgentExecutionResult{{
		Agent:          AgentCard{Role: "writer"},
		ToolExecutions: []ToolExecution{{ApprovalID: "a1", Status: ApprovalExecuted}},
	}}}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{Results: []AgentExecutionResult{{
		Agent:          AgentCard{Role: "writer"},
		ToolExecutions: []ToolExecution{{ApprovalID: "a2", Status: ApprovalFailed}},
		Result:         "draft",
		Status:         AgentCompleted,
		EndedAt:        start.Add(time.Minute),
	}}}, testNow)
	require.NoError(t, err)

	res := next.AgentResults["writer"]
	assert.Equal(t, "agent-writer", res.Agent.ID)
	assert.Equal(t, "draft", res.Result)
	assert.Equal(t, AgentCompleted, res.Status)
	assert.Equal(t, start, res.StartedAt)
	assert.Len(t, res.ToolExecutions, 2)

	next, err = Apply(next, Patch{Results: []AgentExecutionResult{{Agent: AgentCard{Role: "writer"}, Result: "changed"}}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "draft", next.AgentResults["writer"].Result, "terminal results are frozen")
}

func TestApplyApprovalsUpsertAndResolve(t *testing.T) {
	st := baseState()
	req := ToolApprovalRequest{ID: "a1", Role: "writer", Status: ApprovalPending}
	next, err := Apply(st, Patch{PendingApprovals: []ToolApprovalRequest{req, {ID: "a2", Status: ApprovalPending}}}, testNow)
	require.NoError(t, err)
	require.Len(t, next.PendingApprovals, 2)

	req.Status = ApprovalApproved
	next, err = Apply(next, Patch{PendingApprovals: []ToolApprovalRequest{req}}, testNow)
	require.NoError(t, err)
	got, idx, ok := next.FindPending("a1")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.True(t, next.HasDecidedApprovals())

	req.Status = ApprovalExecuted
	rec := ApprovalRecord{Request: req, Approved: true, ResolvedAt: testNow}
	next, err = Apply(next, Patch{ResolvedApprovals: []ApprovalRecord{rec}}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{ResolvedApprovals: []ApprovalRecord{rec}}, testNow)
	require.NoError(t, err)

	require.Len(t, next.PendingApprovals, 1)
	assert.Equal(t, "a2", next.PendingApprovals[0].ID)
	require.Len(t, next.ApprovalHistory, 1)

	next, err = Apply(next, Patch{PendingApprovals: []ToolApprovalRequest{{ID: "a1", Status: ApprovalPending}}}, testNow)
	require.NoError(t, err)
	assert.Len(t, next.PendingApprovals, 1, "resolved approvals are never reopened")
}

func TestApplyDeferredAndIterations(t *testing.T) {
	st := baseState()
	next, err := Apply(st, Patch{SetDeferred: true, DeferredRoles: []string{"writer"}, Iterations: 1}, testNow)
	require.NoError(t, err)
	next, err = Apply(next, Patch{DeferredRoles: []string{"ignored"}, Iterations: 2}, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"writer"}, next.DeferredRoles)
	assert.Equal(t, 3, next.Iterations)
	assert.EqualValues(t, 2, next.Revision)
	assert.Zero(t, st.Revision)

	next, err = Apply(next, Patch{SetDeferred: true}, testNow)
	require.NoError(t, err)
	assert.Empty(t, next.DeferredRoles)
}

func TestPatchEmpty(t *testing.T) {
	assert.True(t, Patch{}.Empty())
	assert.False(t, Patch{Iterations: 1}.Empty())
	assert.False(t, Patch{SetDeferred: true}.Empty())
}

func TestLimitsMerge(t *testing.T) {
	l := DefaultLimits().Merge(Limits{MaxSwarmSize: 2, MaxIterations: 10})
	assert.Equal(t, 2, l.MaxSwarmSize)
	assert.Equal(t, 2, l.MaxParallelAgents)
	assert.Equal(t, 10, l.MaxIterations)
	assert.Equal(t, 5, l.MaxAgentTurns)
}

func TestCloneRoundTrip(t *testing.T) {
	st := baseState()
	st.SynthesizedResult = String("x")
	clone := st.Clone()
	*clone.SynthesizedResult = "y"
	clone.AvailableAgents["writer"] = card("writer", AgentFailed)
	assert.Equal(t, "x", st.ResultText())
	assert.Equal(t, AgentIdle, st.AvailableAgents["writer"].Status)
}
