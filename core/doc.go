// Package core provides the foundational domain types, interfaces and execution
// contexts used by Town Hall. It defines the core abstractions for:
//
//   - Agents (units of LLM-driven or orchestrated work)
//   - Sessions (stateful conversational containers with event history)
//   - Events (immutable communication + orchestration records)
//   - RunContext / ToolContext (scoped execution & tool sandboxing)
//   - Lifecycle hooks observing agent, tool and handoff activity
//   - The pluggable SessionStore contract for conversation persistence
//
// The package intentionally keeps implementation concerns (persistence,
// orchestration, concrete agents) out of scope, exposing small interfaces to
// enable custom backends and extensions.
package core
