// Package agent contains the per-request orchestrator. It routes a request to
// the fast path or the full pipeline, handles one-way escalation between them,
// runs budget-checked synthesis and guarantees that every request ends with
// exactly one terminal progress event.
package agent
