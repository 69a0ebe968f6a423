// Package capability is the engine's view of external tool providers. A
// provider is an MCP server reached over stdio, SSE or in-process; the Hub
// routes calls by provider id, Retrying layers the per-attempt timeout and
// bounded backoff contract on top, and ValidateArguments checks arguments
// against a tool's input schema before dispatch.
package capability
