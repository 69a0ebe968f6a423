// Package api exposes the engine over HTTP: execute, resume, status and
// cancel for executions, asynchronous job submission, the resolved tool
// table, liveness and Prometheus metrics.
package api
