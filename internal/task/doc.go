// Package task queues engine executions and resumptions as jobs, so callers
// can submit work asynchronously and poll for the outcome. Jobs are persisted
// in a Store and delivered through an in-memory, Redis or RabbitMQ queue.
package task
