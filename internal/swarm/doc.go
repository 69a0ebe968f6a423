// Package swarm implements the nodes of the orchestration graph and the
// router that picks the next node from the current state.
//
// A node never mutates the state it is given. It returns a Result holding a
// workflow.Patch and, when the execution has to pause, a Suspension. Node
// failures that concern a single agent or tool call are folded into the patch
// as error records and status changes; only conditions the engine must act on
// (invalid input, cancellation) are returned as Go errors.
package swarm
