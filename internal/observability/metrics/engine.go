// Package metrics exposes Prometheus collectors for the API and the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "openmcp"

// Registry 汇总本进程暴露的全部指标。
var Registry = prometheus.NewRegistry()

var (
	executionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_started_total",
		Help:      "Executions submitted to the engine.",
	})
	executionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_finished_total",
		Help:      "Executions that reached a terminal or suspended outcome.",
	}, []string{"status"})
	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executions_in_flight",
		Help:      "Executions currently held by the in-flight registry.",
	})
	nodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_duration_seconds",
		Help:      "Graph node execution time.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"node", "outcome"})
	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by final status.",
	}, []string{"status"})
	approvals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_total",
		Help:      "Approval decisions by outcome.",
	}, []string{"outcome"})
	evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_evictions_total",
		Help:      "Executions evicted from the in-flight registry.",
	}, []string{"reason"})
	jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Queued jobs handled by the processor, by result.",
	}, []string{"kind", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		executionsStarted, executionsFinished, inFlight,
		nodeDuration, toolCalls, approvals, evictions, jobs,
	)
}

// ExecutionStarted 记录一次新执行。
func ExecutionStarted() {
	executionsStarted.Inc()
}

// ExecutionFinished 记录执行返回给调用方时的状态。
func ExecutionFinished(status string) {
	executionsFinished.WithLabelValues(status).Inc()
}

// SetInFlight 更新登记表中的执行数量。
func SetInFlight(n int) {
	inFlight.Set(float64(n))
}

// ObserveNode 记录一次节点运行。
func ObserveNode(node string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	nodeDuration.WithLabelValues(node, outcome).Observe(d.Seconds())
}

// ToolCall 记录一次工具调用的最终状态。
func ToolCall(status string) {
	toolCalls.WithLabelValues(status).Inc()
}

// ApprovalDecided 记录一次审批结果：approved、denied、expired 或 auto。
func ApprovalDecided(outcome string) {
	approvals.WithLabelValues(outcome).Inc()
}

// Evicted 记录一次登记表回收。
func Evicted(reason string) {
	evictions.WithLabelValues(reason).Inc()
}

// JobProcessed 记录一次队列作业处理结果：succeeded、retry、failed。
func JobProcessed(kind, result string) {
	jobs.WithLabelValues(kind, result).Inc()
}
