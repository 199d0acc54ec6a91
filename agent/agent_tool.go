package agent

import (
	"fmt"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/tool"
)

// AgentTool exposes an agent as a callable tool of another agent.
//
// Where a handoff permanently transfers control of the conversation, an
// AgentTool performs a nested call: the wrapped agent runs to completion on
// the caller's session, its final text becomes the tool result, and control
// returns to the calling agent. State deltas produced by the nested run are
// propagated into the caller's tool context so output keys remain visible.
type AgentTool struct {
	agent       core.Agent
	name        string
	description string
}

var _ tool.Tool = (*AgentTool)(nil)

// AgentToolOptions configures an AgentTool.
type AgentToolOptions struct {
	// Name overrides the tool name; defaults to the agent's name.
	Name string
	// Description overrides the tool description; defaults to the agent's description.
	Description string
}

// NewAgentTool wraps an agent as a tool.
func NewAgentTool(a core.Agent, optFns ...func(o *AgentToolOptions)) *AgentTool {
	opts := AgentToolOptions{
		Name:        a.Name(),
		Description: a.Description(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &AgentTool{
		agent:       a,
		name:        opts.Name,
		description: opts.Description,
	}
}

// Name returns the tool name exposed to the calling model.
func (t *AgentTool) Name() string { return t.name }

// Description returns the tool description exposed to the calling model.
func (t *AgentTool) Description() string { return t.description }

// Parameters describes the single free-text input forwarded to the agent.
func (t *AgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{
				"type":        "string",
				"description": "The request to forward to the agent",
			},
		},
		"required": []string{"input"},
	}
}

// Call runs the wrapped agent in a nested child context and returns its final
// text response. The nested run shares the session, limiter and application
// context of the caller.
func (t *AgentTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	input, _ := args["input"].(string)
	if input == "" {
		return nil, fmt.Errorf("missing required field 'input'")
	}

	runCtx := tc.InternalRunContext()

	interceptChan := make(chan core.Event, 10)
	resumeChan := make(chan struct{}, 10)
	childCtx := runCtx.NewChildContext(interceptChan, resumeChan, runCtx.Branch)
	childCtx.Agent = core.AgentInfo{Name: t.agent.Name(), Type: "agent"}
	childCtx.UserContent = core.Content{Role: "user", Parts: []core.Part{core.TextPart{Text: input}}}

	done := make(chan error, 1)

	go func() {
		defer close(done)
		done <- t.agent.Run(childCtx)
	}()

	var lastText string

	for {
		select {
		case event := <-interceptChan:
			// Nested events stay private to the caller; only state deltas
			// and the final text surface.
			if len(event.Actions.StateDelta) > 0 {
				for k, v := range event.Actions.StateDelta {
					tc.SetState(k, v)
				}
			}

			if event.IsFinalResponse() && event.Text() != "" {
				lastText = event.Text()
			}

			if !event.IsPartial() {
				select {
				case resumeChan <- struct{}{}:
				case <-runCtx.Done():
					return nil, runCtx.Err()
				}
			}

		case err := <-done:
			if err != nil {
				return nil, fmt.Errorf("agent tool %s failed: %w", t.name, err)
			}
			if lastText == "" {
				return nil, fmt.Errorf("agent tool %s produced no response", t.name)
			}
			return lastText, nil

		case <-runCtx.Done():
			return nil, runCtx.Err()
		}
	}
}
