package core

// Agent defines the core interface that all agents in Town Hall must implement.
//
// Agents are the primary processing units. They receive input through a
// RunContext, process it, and emit events to communicate results and state
// changes back to the Runner. The interface supports simple single-agent
// scenarios as well as hierarchical multi-agent workflows through the
// sub-agent management methods.
//
// Implementations must:
//   - Respect context cancellation for graceful shutdown
//   - Emit events through the provided RunContext
//   - Handle the resume handshake for persisted events
type Agent interface {
	Name() string
	Description() string
	Run(runCtx *RunContext) error
	SetSubAgents(children ...Agent) error
	SubAgents() []Agent
	Parent() Agent
	FindAgent(name string) Agent
}

// AgentInfo carries identifying details about an agent used in contexts & events.
// Name is the external identifier; Type categorizes implementation (e.g. "llm", "workflow").
type AgentInfo struct{ Name, Type string }
