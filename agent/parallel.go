package agent

import (
	"fmt"
	"sync"

	"github.com/townhall-labs/townhall/core"
)

// ParallelAgent coordinates the concurrent execution of multiple child agents.
//
// This agent type enables parallel processing by executing child agents
// simultaneously with proper branch isolation. Each child agent receives
// a separate branch context to prevent state conflicts while maintaining
// access to the shared session state.
//
// ParallelAgent is ideal for:
//   - Independent task processing
//   - I/O bound operations that can run concurrently
//   - Data gathering from multiple sources
//   - Scenarios where order doesn't matter
type ParallelAgent struct {
	BaseAgent
	children []core.Agent // Child agents to execute in parallel
}

// NewParallelAgent creates a new parallel execution coordinator.
//
// The agent will execute the provided child agents concurrently, each
// in its own isolated branch context to prevent state conflicts.
func NewParallelAgent(name string, children ...core.Agent) *ParallelAgent {
	return &ParallelAgent{
		BaseAgent: NewBaseAgent(name),
		children:  children,
	}
}

// createBranchCtxForSubAgent clones the parent context and assigns a branch
// path for the child agent ensuring isolation of pending deltas. The branch
// naming follows the pattern "ParentAgent.SubAgent"; nested parallel agents
// produce hierarchical paths.
func (p *ParallelAgent) createBranchCtxForSubAgent(runCtx *core.RunContext, subAgent core.Agent) *core.RunContext {
	clonedCtx := runCtx.WithAgent(core.AgentInfo{Name: subAgent.Name(), Type: "agent"})
	branchSuffix := fmt.Sprintf("%s.%s", p.Name(), subAgent.Name())
	clonedCtx.Branch = buildBranchPath(runCtx.Branch, branchSuffix)
	return clonedCtx
}

// Run implements core.Agent launching all children concurrently. The first
// error encountered (after all complete) is returned; successful children
// continue even if siblings fail.
func (p *ParallelAgent) Run(runCtx *core.RunContext) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(p.children))

	for _, child := range p.children {
		wg.Add(1)
		go func(c core.Agent) {
			defer wg.Done()

			branchCtx := p.createBranchCtxForSubAgent(runCtx, c)

			if err := c.Run(branchCtx); err != nil {
				errCh <- fmt.Errorf("parallel execution failed for agent %s: %w", c.Name(), err)
			}
		}(child)
	}

	wg.Wait()
	close(errCh)

	if len(errCh) > 0 {
		return <-errCh
	}

	return nil
}
