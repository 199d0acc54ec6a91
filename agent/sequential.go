package agent

import (
	"fmt"

	"github.com/townhall-labs/townhall/core"
)

// SequentialAgent coordinates the execution of multiple child agents in sequence.
//
// This agent type enables complex workflows by executing child agents one after
// another, passing the accumulated session state between them. Each agent's
// output becomes available to subsequent agents in the sequence.
//
// SequentialAgent is ideal for:
//   - Multi-step data processing pipelines
//   - Workflows requiring specific execution order
//   - Complex tasks broken into specialized subtasks
//   - Scenarios where agent outputs build upon each other
type SequentialAgent struct {
	BaseAgent
	children []core.Agent // Child agents to execute in sequence
}

// NewSequentialAgent creates a new sequential execution coordinator.
//
// The agent will execute the provided child agents in the order they are
// specified, passing session state between each execution step.
func NewSequentialAgent(name string, children ...core.Agent) *SequentialAgent {
	return &SequentialAgent{
		BaseAgent: NewBaseAgent(name),
		children:  children,
	}
}

// Run implements core.Agent. It executes each child agent in the supplied
// context order; errors stop further processing immediately.
func (s *SequentialAgent) Run(runCtx *core.RunContext) error {
	for _, child := range s.children {
		// Pass the same run context to maintain shared state
		if err := child.Run(runCtx.WithAgent(core.AgentInfo{Name: child.Name(), Type: "agent"})); err != nil {
			return fmt.Errorf("sequential execution failed at agent %s: %w", child.Name(), err)
		}
	}

	return nil
}
