// Package workflow defines the state record threaded through every step of a
// swarm execution, the entities it owns, and Apply, the single function that
// merges a node's partial update into that record.
//
// Merge rules per Patch field:
//
//	Phase              last write wins; a change is appended to PhaseHistory
//	LastNode           last write wins
//	Messages           concatenated
//	SubTasks           set once; ignored when the state already has subtasks
//	Assignments        shallow merge keyed by role
//	AvailableAgents    shallow merge keyed by role
//	Agents             upsert keyed by role, in patch order; status changes
//	                   must follow the agent transition table
//	DeferredRoles      replaced when SetDeferred is true
//	Results            keyed by role; non-zero fields win, tool executions
//	                   are concatenated; frozen once the stored status is terminal
//	PendingApprovals   upsert keyed by approval id
//	ResolvedApprovals  removed from PendingApprovals and appended to
//	                   ApprovalHistory; an id already in history is ignored
//	Waiting, Suspend   last write wins when set
//	Errors             concatenated
//	Result, Confidence last write wins when set
//	Knowledge, Tools   set once
//	Iterations         added
package workflow
