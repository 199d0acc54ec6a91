package flow

// MultiAgentFlow orchestrates an agent that may perform tool calls and hand
// control to other agents, enabling hierarchical / branching conversations.
// MultiAgentFlow extends BaseFlow by selecting processors suitable for
// multi-agent graph execution.
type MultiAgentFlow struct{ *BaseFlow }

// NewMultiAgentFlow creates a new multi-agent flow with default processors.
func NewMultiAgentFlow(agent FlowAgent) *MultiAgentFlow {
	baseFlow := NewBaseFlow(agent)

	baseFlow.AddRequestProcessor(NewInstructionsProcessor())
	baseFlow.AddRequestProcessor(NewContentsProcessor())
	// Inject transfer_to_agent tool definition dynamically when applicable
	baseFlow.AddRequestProcessor(NewHandoffToolInjector())

	return &MultiAgentFlow{BaseFlow: baseFlow}
}
