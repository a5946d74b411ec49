// Package llm defines the model invocation boundary used by the orchestrator:
// compressed message sequences and tool schemas go in, text or tool calls plus
// token usage and a finish reason come out. Provider adapters live in the
// sub-packages.
package llm
