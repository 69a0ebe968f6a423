// Package agent holds the role catalog for the swarm: each role has a system
// prompt and a set of expertise tags. The catalog is immutable after
// construction and is shared by every execution of the host process.
package agent
