package engine

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/checkpoint"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/events"
	"OpenMCP-Swarm/internal/observability/alerting"
	"OpenMCP-Swarm/internal/observability/metrics"
	"OpenMCP-Swarm/internal/observability/tracing"
	"OpenMCP-Swarm/internal/storage"
	"OpenMCP-Swarm/internal/swarm"
	"OpenMCP-Swarm/internal/workflow"
	"OpenMCP-Swarm/pkg/logger"
)

// engineNode 是引擎自身写入错误记录时使用的节点名。
const engineNode = "engine"

var errCancelled = stdErrors.New("engine: execution cancelled")

// Engine 驱动图的执行，并负责挂起、恢复、取消与回收。
type Engine struct {
	graph    *swarm.Graph
	deps     swarm.Deps
	registry *Registry

	store    checkpoint.Store
	sink     events.Sink
	recorder storage.Recorder
	alerts   alerting.Dispatcher
	eviction EvictionPolicy

	limits        workflow.Limits
	sweepInterval time.Duration
	pruneAge      time.Duration
	log           *slog.Logger
	audit         *slog.Logger
	clock         func() time.Time
	newID         func() string

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithStore 指定检查点存储。
func WithStore(store checkpoint.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithSink 指定事件下游。
func WithSink(sink events.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithRecorder 指定持久化钩子。
func WithRecorder(rec storage.Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.recorder = rec
		}
	}
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = d
	}
}

// WithEviction 替换登记表回收策略。
func WithEviction(p EvictionPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.eviction = p
		}
	}
}

// WithLimits 设置默认资源上限，调用方在 Options 中给出的正值优先。
func WithLimits(l workflow.Limits) Option {
	return func(e *Engine) {
		e.limits = workflow.DefaultLimits().Merge(l)
	}
}

// WithSweepInterval 设置后台回收周期。
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithPruneAge 设置检查点存储中孤立记录的最长保留时间。
func WithPruneAge(d time.Duration) Option {
	return func(e *Engine) {
		e.pruneAge = d
	}
}

// WithLogger 指定运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithAuditLogger 指定审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.audit = l
		}
	}
}

// New 创建引擎。时钟与 id 生成器沿用图的依赖。
func New(graph *swarm.Graph, opts ...Option) *Engine {
	deps := graph.Deps()
	e := &Engine{
		graph:         graph,
		deps:          deps,
		registry:      NewRegistry(),
		store:         checkpoint.NewMemoryStore(),
		sink:          events.Nop{},
		recorder:      storage.NopRecorder{},
		eviction:      DefaultAgePolicy(),
		limits:        workflow.DefaultLimits(),
		sweepInterval: time.Minute,
		pruneAge:      DefaultIdleTimeout,
		log:           logger.Named("engine"),
		audit:         logger.Audit(),
		clock:         deps.Clock,
		newID:         deps.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry 返回在途执行登记表。
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Tools 解析当前能力客户端暴露的工具表。
func (e *Engine) Tools(ctx context.Context) ([]capability.Descriptor, error) {
	if e.deps.Tools == nil {
		return nil, nil
	}
	list, err := e.deps.Tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return capability.NewToolTable(list).Descriptors(), nil
}

// Execute 提交新任务并运行到结束或第一次挂起。threadID 为空时自动生成。
func (e *Engine) Execute(ctx context.Context, task string, opts Options, threadID string) (*Outcome, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, workflow.InvalidTask("task must not be empty")
	}
	if threadID == "" {
		threadID = e.newID()
	}
	if err := e.checkStoredThread(ctx, threadID); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "engine.execute", attribute.String(tracing.ThreadIDKey, threadID))
	defer span.End()

	now := e.clock()
	st := workflow.NewState(e.newID(), threadID, task, e.limits.Merge(opts.Limits), now)
	st.Model = opts.Model
	st.Tools = e.resolveTools(ctx, opts.Tools)
	span.SetAttributes(attribute.String(tracing.ExecutionIDKey, st.ExecutionID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ent := &entry{threadID: threadID, state: st, status: StatusRunning, lastActive: now, busy: true, cancel: cancel}
	if err := e.registry.register(ent); err != nil {
		return nil, err
	}
	defer ent.release(e.clock())
	metrics.ExecutionStarted()
	metrics.SetInFlight(e.registry.Len())

	e.created(runCtx, ent, st)
	if err := e.saveCheckpoint(runCtx, st, StatusRunning); err != nil {
		return nil, err
	}
	return e.run(runCtx, ent)
}

// checkStoredThread 拒绝复用其他进程仍在运行的 thread。本进程内未结束的执行由登记表判定冲突。
func (e *Engine) checkStoredThread(ctx context.Context, threadID string) error {
	if ent, ok := e.registry.lookup(threadID); ok {
		if _, status := ent.snapshot(); !status.Terminal() {
			return nil
		}
	}
	rec, err := e.store.Load(ctx, threadID)
	if err != nil {
		if checkpoint.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.Status == checkpoint.StatusRunning || rec.Status == checkpoint.StatusSuspended {
		return conflict(threadID)
	}
	return nil
}

// Resume 提交零个或多个审批决策并继续执行。没有决策时直接按路由重新进入图。
// 对已处理的审批重复提交决策不会再次执行工具，只报告已有结果。
func (e *Engine) Resume(ctx context.Context, threadID string, decisions ...Decision) (*Outcome, error) {
	ent, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "engine.resume", attribute.String(tracing.ThreadIDKey, threadID))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !ent.tryAcquire(cancel) {
		return nil, conflict(threadID)
	}
	defer ent.release(e.clock())
	if err := e.refresh(runCtx, ent); err != nil {
		return nil, err
	}

	st, status := ent.snapshot()
	if status.Terminal() {
		already, err := validateDecisions(st, decisions)
		if err != nil {
			return nil, err
		}
		out := outcomeOf(st, status)
		out.Decisions = decisionOutcomes(st, decisions, already)
		return out, nil
	}

	if _, err := e.expire(runCtx, ent); err != nil {
		return nil, err
	}
	st, _ = ent.snapshot()
	already, err := validateDecisions(st, decisions)
	if err != nil {
		return nil, err
	}
	if err := e.applyDecisions(runCtx, ent, decisions, already); err != nil {
		return nil, err
	}
	out, err := e.run(runCtx, ent)
	if err != nil {
		return nil, err
	}
	final, _ := ent.snapshot()
	out.Decisions = decisionOutcomes(final, decisions, already)
	return out, nil
}

// Snapshot 是一次状态查询的结果。
type Snapshot struct {
	Status Status          `json:"status"`
	State  *workflow.State `json:"state"`
}

// Status 返回执行的状态快照，查询前会先让过期的审批失效。
func (e *Engine) Status(ctx context.Context, threadID string) (*Snapshot, error) {
	ent, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if ent.tryAcquire(nil) {
		err := e.refresh(ctx, ent)
		if err == nil {
			_, err = e.expire(ctx, ent)
		}
		ent.releaseQuiet()
		if err != nil {
			return nil, err
		}
	}
	st, status := ent.snapshot()
	return &Snapshot{Status: status, State: st.Clone()}, nil
}

// Cancel 放弃执行：从登记表移除并删除检查点，之后的恢复会得到 UNKNOWN_EXECUTION。
func (e *Engine) Cancel(ctx context.Context, threadID string) error {
	ent, ok := e.registry.lookup(threadID)
	var st *workflow.State
	if ok {
		ent.mu.Lock()
		ent.status = StatusCancelled
		st = ent.state
		stop := ent.cancel
		ent.mu.Unlock()
		if stop != nil {
			stop()
		}
		e.registry.Evict(threadID)
		metrics.SetInFlight(e.registry.Len())
	} else {
		rec, err := e.store.Load(ctx, threadID)
		if err != nil {
			if checkpoint.IsNotFound(err) {
				return workflow.UnknownExecution(threadID)
			}
			return err
		}
		st, err = decodeState(rec)
		if err != nil {
			return err
		}
		ent = &entry{threadID: threadID, state: st}
	}
	if err := e.store.Delete(ctx, threadID); err != nil && !checkpoint.IsNotFound(err) {
		return err
	}
	e.statusChanged(ctx, ent, st, StatusCancelled)
	metrics.ExecutionFinished(string(StatusCancelled))
	return nil
}

// load 优先从登记表取执行，未命中时从检查点恢复并重新登记。
func (e *Engine) load(ctx context.Context, threadID string) (*entry, error) {
	if ent, ok := e.registry.lookup(threadID); ok {
		return ent, nil
	}
	rec, err := e.store.Load(ctx, threadID)
	if err != nil {
		if checkpoint.IsNotFound(err) {
			return nil, workflow.UnknownExecution(threadID)
		}
		return nil, err
	}
	st, err := decodeState(rec)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	status := statusFromCheckpoint(rec, st)
	ent := &entry{threadID: threadID, state: st, status: status, lastActive: now}
	if status.Terminal() {
		ent.completedAt = now
	}
	ent = e.registry.adopt(ent)
	metrics.SetInFlight(e.registry.Len())
	e.log.Info("已从检查点恢复执行",
		slog.String("thread_id", threadID),
		slog.String("execution_id", st.ExecutionID),
		slog.String("status", string(status)))
	return ent, nil
}

// refresh 用检查点存储中较新的副本替换登记表中的状态，调用方须持有运行标记。
// 其他进程已删除检查点时，未结束的执行从登记表移除并返回 UNKNOWN_EXECUTION。
func (e *Engine) refresh(ctx context.Context, ent *entry) error {
	local, localStatus := ent.snapshot()
	rec, err := e.store.Load(ctx, ent.threadID)
	if err != nil {
		if !checkpoint.IsNotFound(err) {
			return err
		}
		if localStatus.Terminal() {
			return nil
		}
		e.registry.forget(ent)
		metrics.SetInFlight(e.registry.Len())
		e.log.Info("检查点已被删除，丢弃本地副本", slog.String("thread_id", ent.threadID))
		return workflow.UnknownExecution(ent.threadID)
	}
	stored, err := decodeState(rec)
	if err != nil {
		return err
	}
	if stored.ExecutionID == local.ExecutionID && stored.Revision <= local.Revision {
		return nil
	}
	status := statusFromCheckpoint(rec, stored)
	now := e.clock()
	ent.mu.Lock()
	ent.state = stored
	ent.status = status
	ent.lastActive = now
	if status.Terminal() {
		ent.completedAt = now
	}
	ent.mu.Unlock()
	e.log.Info("登记表副本已过期，改用检查点状态",
		slog.String("thread_id", ent.threadID),
		slog.String("execution_id", stored.ExecutionID),
		slog.Int64("local_revision", local.Revision),
		slog.Int64("stored_revision", stored.Revision),
		slog.String("status", string(status)))
	return nil
}

func decodeState(rec checkpoint.Record) (*workflow.State, error) {
	var st workflow.State
	if err := json.Unmarshal(rec.State, &st); err != nil {
		return nil, xerrors.Wrap(checkpoint.CodeStore, err, "decode checkpoint state",
			xerrors.WithMetadata("thread_id", rec.ThreadID))
	}
	return st.Clone(), nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, st *workflow.State, status Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return xerrors.Wrap(checkpoint.CodeStore, err, "encode checkpoint state")
	}
	return e.store.Save(ctx, checkpoint.Record{
		ThreadID:    st.ThreadID,
		ExecutionID: st.ExecutionID,
		Status:      status.checkpoint(),
		State:       data,
		UpdatedAt:   st.UpdatedAt,
	})
}

func (e *Engine) resolveTools(ctx context.Context, explicit []capability.Descriptor) []capability.Descriptor {
	if explicit != nil {
		return capability.NewToolTable(explicit).Descriptors()
	}
	list, err := e.Tools(ctx)
	if err != nil {
		e.log.Warn("解析工具表失败，本次执行不提供工具", slog.Any("error", err))
		return nil
	}
	return list
}

// run 按路由依次执行节点，每一步合并补丁并写检查点，直到结束或挂起。
func (e *Engine) run(ctx context.Context, ent *entry) (*Outcome, error) {
	st, _ := ent.snapshot()
	for {
		if err := ctx.Err(); err != nil {
			return e.interrupted(ent, err)
		}
		if st.Completed() {
			break
		}
		if st.Limits.MaxIterations > 0 && st.Iterations >= st.Limits.MaxIterations &&
			st.Phase != workflow.PhaseSynthesis && st.Phase != workflow.PhaseValidation {
			next, err := e.forceSynthesis(ctx, ent, st)
			if err != nil {
				return e.stepFailed(ctx, ent, st, err)
			}
			st = next
			continue
		}

		name := swarm.Next(st)
		if name == swarm.NodeEnd {
			break
		}
		node, ok := e.graph.Node(name)
		if !ok {
			return e.fail(ctx, ent, st, fmt.Errorf("no node registered for %q", name))
		}

		nodeCtx, span := tracing.StartSpan(ctx, "node."+string(name),
			attribute.String(tracing.NodeKey, string(name)),
			attribute.String(tracing.PhaseKey, string(st.Phase)),
			attribute.String(tracing.ExecutionIDKey, st.ExecutionID))
		started := time.Now()
		res, err := node.Run(nodeCtx, st)
		metrics.ObserveNode(string(name), time.Since(started), err)
		tracing.End(span, err)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ent, ctx.Err())
			}
			return e.fail(ctx, ent, st, err)
		}

		res.Patch.LastNode = string(name)
		res.Patch.Iterations = 1
		next, err := workflow.Apply(st, res.Patch, e.clock())
		if err != nil {
			return e.fail(ctx, ent, st, err)
		}
		status := StatusRunning
		switch {
		case next.Completed():
			status = StatusCompleted
		case res.Suspended():
			status = suspendedStatus(res.Suspend.Reason)
		}
		if err := e.commit(ctx, ent, st, next, status); err != nil {
			return e.stepFailed(ctx, ent, st, err)
		}
		st = next
		if res.Suspended() {
			break
		}
	}

	st, status := ent.snapshot()
	metrics.ExecutionFinished(string(status))
	return outcomeOf(st, status), nil
}

func (e *Engine) stepFailed(ctx context.Context, ent *entry, st *workflow.State, err error) (*Outcome, error) {
	if stdErrors.Is(err, errCancelled) {
		return e.interrupted(ent, err)
	}
	if xerrors.HasCode(err, checkpoint.CodeStore) {
		e.log.Error("检查点写入失败", slog.String("thread_id", st.ThreadID), slog.Any("error", err))
		e.alert(st, err)
		return nil, err
	}
	return e.fail(ctx, ent, st, err)
}

// interrupted 处理上下文取消：被 Cancel 的执行返回 cancelled 结果，其余情况返回错误，最后一个检查点保持有效。
func (e *Engine) interrupted(ent *entry, cause error) (*Outcome, error) {
	st, status := ent.snapshot()
	if status == StatusCancelled {
		return outcomeOf(st, status), nil
	}
	return nil, cause
}

// budgetReason 是步数耗尽时关闭未处理审批所记录的原因。
const budgetReason = "iteration budget"

// forceSynthesis 在步数耗尽时记录错误、关闭未处理的审批并直接进入合成阶段。
func (e *Engine) forceSynthesis(ctx context.Context, ent *entry, st *workflow.State) (*workflow.State, error) {
	now := e.clock()
	msg := fmt.Sprintf("iteration budget of %d steps exhausted in phase %s", st.Limits.MaxIterations, st.Phase)
	resolved := make([]workflow.ApprovalRecord, 0, len(st.PendingApprovals))
	for _, req := range st.PendingApprovals {
		ran := req.Status == workflow.ApprovalExecuted || req.Status == workflow.ApprovalFailed
		if req.Status == workflow.ApprovalPending || req.Status == workflow.ApprovalApproved {
			req.Status = workflow.ApprovalDenied
			req.Reason = budgetReason
			decided := now
			req.DecidedAt = &decided
			e.audit.Warn("approval closed",
				slog.String("thread_id", st.ThreadID),
				slog.String("execution_id", st.ExecutionID),
				slog.String("approval_id", req.ID),
				slog.String("tool", req.ToolCall.Name),
				slog.String("reason", budgetReason))
		}
		resolved = append(resolved, workflow.ApprovalRecord{Request: req, Approved: ran, ResolvedAt: now})
	}
	next, err := workflow.Apply(st, workflow.Patch{
		Phase:             workflow.PhaseSynthesis,
		LastNode:          engineNode,
		Waiting:           workflow.Bool(false),
		Suspend:           workflow.Reason(workflow.SuspendNone),
		ResolvedApprovals: resolved,
		Errors: []workflow.ErrorRecord{{
			Code:    string(workflow.CodeIterationBudget),
			Message: msg,
			Node:    engineNode,
			At:      now,
		}},
	}, now)
	if err != nil {
		return nil, err
	}
	e.log.Warn("步数耗尽，强制进入合成阶段", slog.String("thread_id", st.ThreadID), slog.Int("iterations", st.Iterations))
	e.alert(next, xerrors.New(workflow.CodeIterationBudget, msg, xerrors.WithMetadata("thread_id", st.ThreadID)))
	if err := e.commit(ctx, ent, st, next, StatusRunning); err != nil {
		return nil, err
	}
	return next, nil
}

// fail 把引擎级错误记入状态并将执行标记为失败。
func (e *Engine) fail(ctx context.Context, ent *entry, st *workflow.State, cause error) (*Outcome, error) {
	now := e.clock()
	code := xerrors.CodeOf(cause)
	next, err := workflow.Apply(st, workflow.Patch{Errors: []workflow.ErrorRecord{{
		Code:    string(code),
		Message: cause.Error(),
		Node:    engineNode,
		At:      now,
	}}}, now)
	if err != nil {
		next = st
	}
	if err := e.commit(ctx, ent, st, next, StatusFailed); err != nil && !stdErrors.Is(err, errCancelled) {
		e.log.Error("失败状态写入检查点失败", slog.String("thread_id", st.ThreadID), slog.Any("error", err))
	}
	e.log.Error("执行失败", slog.String("thread_id", st.ThreadID), slog.Any("error", cause))
	e.alert(next, cause)
	metrics.ExecutionFinished(string(StatusFailed))
	if _, ok := xerrors.From(cause); ok {
		return nil, cause
	}
	return nil, xerrors.Wrap(xerrors.CodeUnknown, cause, "execution failed",
		xerrors.WithMetadata("thread_id", st.ThreadID))
}

// commit 更新登记表中的状态、写检查点并派发状态差异。执行已被取消时返回 errCancelled。
func (e *Engine) commit(ctx context.Context, ent *entry, prev, next *workflow.State, status Status) error {
	now := e.clock()
	ent.mu.Lock()
	if ent.status == StatusCancelled {
		ent.mu.Unlock()
		return errCancelled
	}
	prevStatus := ent.status
	ent.state = next
	ent.status = status
	ent.lastActive = now
	if status.Terminal() {
		ent.completedAt = now
	}
	ent.mu.Unlock()

	if err := e.saveCheckpoint(ctx, next, status); err != nil {
		return err
	}
	if _, current := ent.snapshot(); current == StatusCancelled {
		_ = e.store.Delete(ctx, next.ThreadID)
		return errCancelled
	}
	e.publish(ctx, ent, prev, next)
	if prevStatus != status {
		e.statusChanged(ctx, ent, next, status)
	}
	return nil
}
