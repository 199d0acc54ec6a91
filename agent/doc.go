// Package agent contains first-class agent implementations and supporting
// utilities for building composable reasoning / orchestration graphs. The
// package focuses on three concerns:
//
//  1. Base hierarchy plumbing (BaseAgent)
//  2. Concrete coordination patterns (SequentialAgent, ParallelAgent, LoopAgent)
//  3. Model-centric conversational / tool-calling agent (LLMAgent)
//
// Design principles:
//   - Minimal hidden global state: explicit wiring via runner and RunContext
//   - Composability: agents can nest arbitrarily using SetSubAgents / FindAgent
//     and hand control to peers via handoff lists
//   - Observability: lifecycle hooks plus logging at start, handoff and flow selection
//   - Extensibility: embed BaseAgent; only implement Run plus any custom API
//
// Execution Model:
//   - An agent's Run receives a *core.RunContext (shared or cloned)
//   - Composite agents (parallel / sequential / loop) coordinate child Runs
//   - LLMAgent integrates with model, tool and flow packages to stream events
//
// The package intentionally keeps persistence, model specifics and tool
// registry abstractions in their respective packages to avoid cyclic deps.
package agent
