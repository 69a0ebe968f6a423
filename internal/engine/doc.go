// Package engine drives the swarm graph for many concurrent executions.
//
// Each execution is keyed by its thread id. The Engine owns an in-flight
// Registry, runs graph nodes strictly one at a time per execution, applies
// every node patch through workflow.Apply, checkpoints the state after each
// step and stops when a node returns a suspension or the graph reaches its
// terminal state. Resume re-enters the graph at the router's next decision,
// loading the checkpoint when the execution is not registered locally.
//
// Status events, persistence hooks, metrics, traces and alerts are derived
// from the difference between consecutive states and are best-effort: a
// failing sink or recorder never aborts an execution.
package engine
