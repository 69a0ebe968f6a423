// Package events defines the status event stream produced by the engine.
//
// Sinks are best-effort: Emit never blocks the caller for longer than a
// channel send and never returns an error. Slow or failing transports are
// wrapped in an Async sink, which drops events when its buffer is full.
package events
