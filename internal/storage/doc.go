// Package storage defines the persistence hooks the engine fires while an
// execution runs: execution records, agent and sub-task snapshots, tool
// executions and log lines. Hooks are fire-and-forget; a failing recorder
// never aborts a workflow.
package storage
