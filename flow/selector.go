package flow

// Selector determines which flow to use based on agent capabilities.
//
// The flow is selected dynamically based on the agent's configuration rather
// than being fixed at construction time.
type Selector struct{}

// NewSelector creates a new flow selector.
func NewSelector() *Selector { return &Selector{} }

// SelectFlow chooses the appropriate flow for the given agent.
//
// Selection logic:
//   - SingleAgentFlow for isolated agents without handoff targets
//   - MultiAgentFlow for agents that can transfer control
func (s *Selector) SelectFlow(agent FlowAgent) Flow {
	if !agent.IsTransferEnabled() || len(agent.HandoffTargets()) == 0 {
		return NewSingleAgentFlow(agent)
	}
	return NewMultiAgentFlow(agent)
}
