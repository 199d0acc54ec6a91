package core

// Hooks observes the lifecycle of an agent run. Attach an implementation to
// an agent to be notified when the agent starts or finishes, when it executes
// a tool, and when it hands control to another agent.
//
// Hooks centralize cross-cutting state management (context capture, audit
// logging, persistence) so tools themselves stay simple. This is the
// alternative to wiring that logic into every tool via explicit nested calls.
//
// Implementations must be safe for concurrent use: parallel tool execution
// can deliver OnToolStart/OnToolEnd from multiple goroutines. Embed NoOpHooks
// to implement only the callbacks you need.
type Hooks interface {
	// OnAgentStart fires before the agent's first model call of a run.
	OnAgentStart(runCtx *RunContext, agent AgentInfo)
	// OnAgentEnd fires after the agent produced its final response (or the
	// run was handed off elsewhere).
	OnAgentEnd(runCtx *RunContext, agent AgentInfo)
	// OnHandoff fires when control transfers from one agent to another.
	OnHandoff(runCtx *RunContext, from, to string)
	// OnToolStart fires before a tool executes.
	OnToolStart(toolCtx *ToolContext, toolName string)
	// OnToolEnd fires after a tool completed, with its result or error.
	OnToolEnd(toolCtx *ToolContext, toolName string, result any, err error)
}

// NoOpHooks implements Hooks with empty callbacks. Embed it in concrete hook
// implementations to pick only the callbacks of interest.
type NoOpHooks struct{}

// OnAgentStart implements Hooks.
func (NoOpHooks) OnAgentStart(*RunContext, AgentInfo) {}

// OnAgentEnd implements Hooks.
func (NoOpHooks) OnAgentEnd(*RunContext, AgentInfo) {}

// OnHandoff implements Hooks.
func (NoOpHooks) OnHandoff(*RunContext, string, string) {}

// OnToolStart implements Hooks.
func (NoOpHooks) OnToolStart(*ToolContext, string) {}

// OnToolEnd implements Hooks.
func (NoOpHooks) OnToolEnd(*ToolContext, string, any, error) {}
