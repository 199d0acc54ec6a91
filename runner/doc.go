// Package runner implements the orchestration layer for Town Hall.
//
// The Runner manages the lifecycle of a conversation turn: it resolves the
// root agent, persists the triggering user message, pumps emitted events
// through the persistence pipeline, applies their side effects to session
// state, and coordinates the resume handshake that keeps history writes
// ordered with respect to the emitting flow.
//
// # Responsibilities (abridged)
//   - Agent invocation orchestration (async streaming + RunSync helper)
//   - Event processing and side-effect application (session state, handoffs)
//   - Session history persistence
//   - Run lifecycle management and cancellation
package runner
