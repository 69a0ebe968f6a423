package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Swarm/internal/agent"
	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/knowledge"
	"OpenMCP-Swarm/internal/llm"
	"OpenMCP-Swarm/internal/workflow"
	"OpenMCP-Swarm/pkg/logger"
)

// NodeName 标识图中的节点。
type NodeName string

const (
	NodeCoordinator     NodeName = "coordinator"
	NodeDecomposer      NodeName = "decomposer"
	NodeSelector        NodeName = "agent_selector"
	NodeSwarmExecutor   NodeName = "swarm_executor"
	NodeToolApproval    NodeName = "tool_approval"
	NodeToolExecutor    NodeName = "tool_executor"
	NodeAgentCompletion NodeName = "agent_completion"
	NodeSynthesizer     NodeName = "synthesizer"
	// NodeEnd 表示流程已到达终态。
	NodeEnd NodeName = ""
)

// Suspension 表示执行需要暂停，由引擎负责写检查点并返回调用方。
type Suspension struct {
	Reason    workflow.SuspendReason
	Approvals []workflow.ToolApprovalRequest
}

// Result 是节点的返回值：一个补丁，外加可选的挂起信号。
type Result struct {
	Patch   workflow.Patch
	Suspend *Suspension
}

// Continue 返回不挂起的结果。
func Continue(p workflow.Patch) Result {
	return Result{Patch: p}
}

// Suspend 返回携带挂起信号的结果。
func Suspend(p workflow.Patch, reason workflow.SuspendReason, approvals []workflow.ToolApprovalRequest) Result {
	p.Suspend = workflow.Reason(reason)
	return Result{Patch: p, Suspend: &Suspension{Reason: reason, Approvals: approvals}}
}

// Suspended 判断结果是否要求挂起。
func (r Result) Suspended() bool {
	return r.Suspend != nil
}

// Node 是图中的一个状态迁移函数。
type Node interface {
	Name() NodeName
	Run(ctx context.Context, st *workflow.State) (Result, error)
}

// Deps 汇总节点依赖的外部协作者，均由宿主进程持有。
type Deps struct {
	Model        llm.Client
	Tools        capability.Client
	Roles        *agent.Registry
	Knowledge    knowledge.Provider
	Risk         *RiskTable
	Policy       ApprovalPolicy
	ModelTimeout time.Duration
	Clock        func() time.Time
	NewID        func() string
	Logger       *slog.Logger
}

func (d *Deps) normalize() {
	if d.Roles == nil {
		d.Roles = agent.DefaultRegistry()
	}
	if d.Risk == nil {
		d.Risk = NewRiskTable(nil)
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Logger == nil {
		d.Logger = logger.Named("swarm")
	}
	d.Policy = d.Policy.normalize()
}

func (d *Deps) modelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.ModelTimeout > 0 {
		return context.WithTimeout(ctx, d.ModelTimeout)
	}
	return context.WithCancel(ctx)
}

// Graph 持有全部节点实例。
type Graph struct {
	deps  Deps
	nodes map[NodeName]Node
}

// NewGraph 根据依赖构造节点集合。
func NewGraph(deps Deps) *Graph {
	deps.normalize()
	g := &Graph{deps: deps, nodes: make(map[NodeName]Node)}
	for _, n := range []Node{
		&Coordinator{deps: &g.deps},
		&Decomposer{deps: &g.deps},
		&Selector{deps: &g.deps},
		&Executor{deps: &g.deps},
		&ApprovalGate{deps: &g.deps},
		&ToolExecutor{deps: &g.deps},
		&CompletionHandler{deps: &g.deps},
		&Synthesizer{deps: &g.deps},
	} {
		g.nodes[n.Name()] = n
	}
	return g
}

// Node 返回指定名称的节点。
func (g *Graph) Node(name NodeName) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Deps 返回归一化后的依赖。
func (g *Graph) Deps() Deps {
	return g.deps
}

func errorRecord(code, message, role string, node NodeName, at time.Time) workflow.ErrorRecord {
	return workflow.ErrorRecord{Code: code, Message: message, Role: role, Node: string(node), At: at}
}
