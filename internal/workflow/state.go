package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"OpenMCP-Swarm/internal/capability"
)

// Phase 表示执行所处的阶段。
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseDecomposition  Phase = "decomposition"
	PhaseAgentSelection Phase = "agent_selection"
	PhaseExecution      Phase = "execution"
	PhaseSynthesis      Phase = "synthesis"
	// PhaseValidation 保留在枚举中，当前流程不会进入该阶段。
	PhaseValidation Phase = "validation"
	PhaseCompleted  Phase = "completed"
)

// AgentStatus 表示智能体卡片的状态。
type AgentStatus string

const (
	AgentIdle             AgentStatus = "idle"
	AgentBusy             AgentStatus = "busy"
	AgentAwaitingApproval AgentStatus = "awaiting_approval"
	AgentCompleted        AgentStatus = "completed"
	AgentFailed           AgentStatus = "failed"
)

// Terminal 判断状态是否为终态。
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentIdle:             {AgentBusy, AgentFailed},
	AgentBusy:             {AgentAwaitingApproval, AgentCompleted, AgentFailed},
	AgentAwaitingApproval: {AgentIdle, AgentCompleted, AgentFailed},
}

// CanTransition 判断智能体状态迁移是否合法。相同状态视为合法的空迁移。
func CanTransition(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range agentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Risk 表示工具调用的风险等级。
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Rank 返回风险等级的序数，未知等级视为 high。
func (r Risk) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// ParseRisk 解析风险等级字符串。
func ParseRisk(value string) (Risk, error) {
	switch Risk(value) {
	case RiskLow, RiskMedium, RiskHigh:
		return Risk(value), nil
	}
	return "", fmt.Errorf("unknown risk level %q", value)
}

// ApprovalStatus 表示工具审批请求的状态。
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExecuted ApprovalStatus = "executed"
	ApprovalFailed   ApprovalStatus = "failed"
)

// Decided 判断审批请求是否已有人工或策略决策但尚未处理。
func (s ApprovalStatus) Decided() bool {
	return s == ApprovalApproved || s == ApprovalDenied
}

// SuspendReason 描述执行挂起的原因。
type SuspendReason string

const (
	SuspendNone         SuspendReason = ""
	SuspendApproval     SuspendReason = "awaiting_approval"
	SuspendModelPending SuspendReason = "model_pending"
)

// MessageRole 表示消息日志中消息的角色。
type MessageRole string

const (
	MessageSystem    MessageRole = "system"
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageTool      MessageRole = "tool"
)

// ToolCall 是大模型请求的一次工具调用。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message 是执行消息日志中的一条记录。Agent 为空表示全局消息。
type Message struct {
	Role       MessageRole `json:"role"`
	Agent      string      `json:"agent,omitempty"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	IsError    bool        `json:"is_error,omitempty"`
	At         time.Time   `json:"at"`
}

// SubTask 是任务拆解后的子任务，创建后只读。
type SubTask struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	AssignedRole string `json:"assigned_role,omitempty"`
	Priority     int    `json:"priority"`
}

// AgentCard 是一次执行内的智能体实例。
type AgentCard struct {
	ID           string      `json:"id"`
	Role         string      `json:"role"`
	Expertise    []string    `json:"expertise,omitempty"`
	Status       AgentStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
	Turns        int         `json:"turns"`
	ToolFailures int         `json:"tool_failures"`
}

// ToolApprovalRequest 是等待人工审批的一次工具调用。
type ToolApprovalRequest struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Role        string         `json:"role"`
	ToolCall    ToolCall       `json:"tool_call"`
	Context     string         `json:"context,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Risk        Risk           `json:"risk"`
	Status      ApprovalStatus `json:"status"`
	ProviderID  string         `json:"provider_id"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// ApprovalRecord 是审批请求处理完毕后的不可变快照。
type ApprovalRecord struct {
	Request    ToolApprovalRequest `json:"request"`
	Approved   bool                `json:"approved"`
	ResolvedAt time.Time           `json:"resolved_at"`
}

// ToolExecution 记录一次工具调用的结果。
type ToolExecution struct {
	ApprovalID string         `json:"approval_id"`
	Tool       string         `json:"tool"`
	ProviderID string         `json:"provider_id"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// AgentExecutionResult 汇总单个智能体在本次执行中的产出。
type AgentExecutionResult struct {
	Agent          AgentCard       `json:"agent"`
	Result         string          `json:"result,omitempty"`
	ToolExecutions []ToolExecution `json:"tool_executions,omitempty"`
	Status         AgentStatus     `json:"status"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at,omitempty"`
}

// KnowledgeChunk 是执行前注入的只读上下文。
type KnowledgeChunk struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Source    string  `json:"source,omitempty"`
	Relevance float64 `json:"relevance"`
}

// ErrorRecord 是节点边界捕获的错误。
type ErrorRecord struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Role    string    `json:"role,omitempty"`
	Node    string    `json:"node,omitempty"`
	At      time.Time `json:"at"`
}

// Limits 约束单次执行的资源使用。
type Limits struct {
	MaxIterations     int `json:"max_iterations"`
	MaxParallelAgents int `json:"max_parallel_agents"`
	MaxSwarmSize      int `json:"max_swarm_size"`
	MaxAgentTurns     int `json:"max_agent_turns"`
	MaxToolRetries    int `json:"max_tool_retries"`
}

// DefaultLimits 返回默认的资源上限。
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:     64,
		MaxParallelAgents: 3,
		MaxSwarmSize:      5,
		MaxAgentTurns:     5,
		MaxToolRetries:    2,
	}
}

// Merge 用 override 中的正值覆盖当前上限。
func (l Limits) Merge(override Limits) Limits {
	if override.MaxIterations > 0 {
		l.MaxIterations = override.MaxIterations
	}
	if override.MaxParallelAgents > 0 {
		l.MaxParallelAgents = override.MaxParallelAgents
	}
	if override.MaxSwarmSize > 0 {
		l.MaxSwarmSize = override.MaxSwarmSize
	}
	if override.MaxAgentTurns > 0 {
		l.MaxAgentTurns = override.MaxAgentTurns
	}
	if override.MaxToolRetries > 0 {
		l.MaxToolRetries = override.MaxToolRetries
	}
	if l.MaxParallelAgents > l.MaxSwarmSize && l.MaxSwarmSize > 0 {
		l.MaxParallelAgents = l.MaxSwarmSize
	}
	return l
}

// ModelOptions 是调用方为本次执行指定的模型参数。
type ModelOptions struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// State 是一次执行内贯穿所有节点的状态记录。
type State struct {
	ExecutionID  string `json:"execution_id"`
	ThreadID     string `json:"thread_id"`
	OriginalTask string `json:"original_task"`

	Messages     []Message `json:"messages,omitempty"`
	Phase        Phase     `json:"phase"`
	PhaseHistory []Phase   `json:"phase_history"`
	LastNode     string    `json:"last_node,omitempty"`
	Iterations   int       `json:"iterations"`
	Revision     int64     `json:"revision"` // 每次合并补丁加一

	SubTasks        []SubTask                       `json:"sub_tasks,omitempty"`
	Assignments     map[string][]string             `json:"assignments,omitempty"`
	AvailableAgents map[string]AgentCard            `json:"available_agents"`
	ActiveAgents    map[string]AgentCard            `json:"active_agents"`
	ActiveOrder     []string                        `json:"active_order,omitempty"`
	DeferredRoles   []string                        `json:"deferred_roles,omitempty"`
	AgentResults    map[string]AgentExecutionResult `json:"agent_results"`

	PendingApprovals []ToolApprovalRequest `json:"pending_approvals,omitempty"`
	ApprovalHistory  []ApprovalRecord      `json:"approval_history,omitempty"`
	WaitingForHuman  bool                  `json:"waiting_for_human"`
	Suspend          SuspendReason         `json:"suspend,omitempty"`

	Errors            []ErrorRecord `json:"errors,omitempty"`
	SynthesizedResult *string       `json:"synthesized_result,omitempty"`
	Confidence        float64       `json:"confidence"`

	Knowledge []KnowledgeChunk        `json:"knowledge,omitempty"`
	Tools     []capability.Descriptor `json:"tools,omitempty"`
	Limits    Limits                  `json:"limits"`
	Model     ModelOptions            `json:"model"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// NewState 创建处于 initialization 阶段的初始状态。
func NewState(executionID, threadID, task string, limits Limits, now time.Time) *State {
	return &State{
		ExecutionID:     executionID,
		ThreadID:        threadID,
		OriginalTask:    task,
		Phase:           PhaseInitialization,
		PhaseHistory:    []Phase{PhaseInitialization},
		Assignments:     map[string][]string{},
		AvailableAgents: map[string]AgentCard{},
		ActiveAgents:    map[string]AgentCard{},
		AgentResults:    map[string]AgentExecutionResult{},
		Limits:          limits,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone 通过 JSON 往返得到深拷贝。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("workflow: clone state: %v", err))
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("workflow: clone state: %v", err))
	}
	out.ensureMaps()
	return &out
}

func (s *State) ensureMaps() {
	if s.Assignments == nil {
		s.Assignments = map[string][]string{}
	}
	if s.AvailableAgents == nil {
		s.AvailableAgents = map[string]AgentCard{}
	}
	if s.ActiveAgents == nil {
		s.ActiveAgents = map[string]AgentCard{}
	}
	if s.AgentResults == nil {
		s.AgentResults = map[string]AgentExecutionResult{}
	}
}

// Completed 判断执行是否已结束。
func (s *State) Completed() bool {
	return s.Phase == PhaseCompleted
}

// ActiveInOrder 按加入顺序返回活跃智能体。
func (s *State) ActiveInOrder() []AgentCard {
	out := make([]AgentCard, 0, len(s.ActiveOrder))
	for _, role := range s.ActiveOrder {
		if card, ok := s.ActiveAgents[role]; ok {
			out = append(out, card)
		}
	}
	return out
}

// FirstWithStatus 返回按加入顺序第一个处于指定状态的智能体。
func (s *State) FirstWithStatus(status AgentStatus) (AgentCard, bool) {
	for _, card := range s.ActiveInOrder() {
		if card.Status == status {
			return card, true
		}
	}
	return AgentCard{}, false
}

// CountStatus 统计处于给定状态之一的活跃智能体数量。
func (s *State) CountStatus(statuses ...AgentStatus) int {
	n := 0
	for _, card := range s.ActiveAgents {
		for _, st := range statuses {
			if card.Status == st {
				n++
				break
			}
		}
	}
	return n
}

// InFlight 返回 busy 或 awaiting_approval 的智能体数量。
func (s *State) InFlight() int {
	return s.CountStatus(AgentBusy, AgentAwaitingApproval)
}

// NonTerminal 返回尚未进入终态的智能体数量。
func (s *State) NonTerminal() int {
	return s.CountStatus(AgentIdle, AgentBusy, AgentAwaitingApproval)
}

// PendingFor 返回属于指定角色且尚未处理的审批请求。
func (s *State) PendingFor(role string) []ToolApprovalRequest {
	var out []ToolApprovalRequest
	for _, req := range s.PendingApprovals {
		if req.Role == role {
			out = append(out, req)
		}
	}
	return out
}

// HasApprovalStatus 判断待处理列表中是否存在给定状态的请求。
func (s *State) HasApprovalStatus(status ApprovalStatus) bool {
	for _, req := range s.PendingApprovals {
		if req.Status == status {
			return true
		}
	}
	return false
}

// HasDecidedApprovals 判断是否有已决策但尚未执行的审批请求。
func (s *State) HasDecidedApprovals() bool {
	for _, req := range s.PendingApprovals {
		if req.Status.Decided() {
			return true
		}
	}
	return false
}

// FindPending 按 id 查找待处理审批请求。
func (s *State) FindPending(id string) (ToolApprovalRequest, int, bool) {
	for i, req := range s.PendingApprovals {
		if req.ID == id {
			return req, i, true
		}
	}
	return ToolApprovalRequest{}, -1, false
}

// FindHistory 按 id 查找已处理的审批记录。
func (s *State) FindHistory(id string) (ApprovalRecord, bool) {
	for _, rec := range s.ApprovalHistory {
		if rec.Request.ID == id {
			return rec, true
		}
	}
	return ApprovalRecord{}, false
}

// Transcript 返回某个智能体可见的消息：全局消息与该角色自己的消息。
func (s *State) Transcript(role string) []Message {
	out := make([]Message, 0, len(s.Messages))
	for _, msg := range s.Messages {
		if msg.Agent == "" || msg.Agent == role {
			out = append(out, msg)
		}
	}
	return out
}

// ResultText 返回已合成的结果，未合成时为空字符串。
func (s *State) ResultText() string {
	if s.SynthesizedResult == nil {
		return ""
	}
	return *s.SynthesizedResult
}

// CheckInvariants 校验活跃智能体集合是可用集合的子集。
func (s *State) CheckInvariants() error {
	for role := range s.ActiveAgents {
		if _, ok := s.AvailableAgents[role]; !ok {
			return fmt.Errorf("active agent %q is not in the available catalog", role)
		}
	}
	if len(s.ActiveOrder) != len(s.ActiveAgents) {
		return fmt.Errorf("active order tracks %d roles but %d agents are active", len(s.ActiveOrder), len(s.ActiveAgents))
	}
	return nil
}
