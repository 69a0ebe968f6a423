// Package llm abstracts the model provider behind a single Generate call. A
// request carries the role prompt, the agent's transcript and the tools it may
// call; a response carries text and any tool calls. Provider adapters live in
// the openai, anthropic and pythonbridge subpackages.
package llm
