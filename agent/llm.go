package agent

import (
	"encoding/json"
	"fmt"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/flow"
	"github.com/townhall-labs/townhall/model"
	"github.com/townhall-labs/townhall/tool"
)

// LLMAgentOptions configures an LLMAgent instance.
//
// Use functional options with NewLLMAgent to override defaults.
type LLMAgentOptions struct {
	Instruction        Instruction
	EnableStreaming    bool
	OutputKey          string
	MaxHistoryMessages int
	AllowTransfer      bool
	Tools              map[string]tool.Tool
	Handoffs           []core.Agent
	Hooks              core.Hooks
}

// LLMAgent integrates with language models to provide intelligent text
// processing capabilities.
//
// This agent implementation supports:
//   - Natural language conversation through system prompts
//   - Function calling with registered tools
//   - Streaming responses for real-time interactions
//   - Session state management with output keys
//   - Template-based prompt customization
//   - Handoffs to peer agents via the transfer_to_agent tool
//   - Lifecycle hooks for cross-cutting state capture
//
// LLMAgent embeds BaseAgent to inherit hierarchy management.
type LLMAgent struct {
	BaseAgent
	llm                model.Model
	instruction        Instruction
	tools              map[string]tool.Tool
	handoffs           []core.Agent
	hooks              core.Hooks
	transferTool       tool.Tool
	enableStreaming    bool
	outputKey          string
	maxHistoryMessages int
	allowTransfer      bool
}

// NewLLMAgent creates a new model-based agent with sensible defaults.
//
// The agent is initialized with:
//   - Empty tool registry for function calling
//   - Streaming enabled for real-time responses
//   - 20-message conversation history limit
//   - Handoffs enabled
//   - No-op lifecycle hooks
//
// Parameters:
//   - name: Human-readable name used in system prompt
//   - llm: Language model implementation for text generation
//
// Returns a fully configured LLMAgent ready for conversation.
func NewLLMAgent(name string, llm model.Model, optFns ...func(o *LLMAgentOptions)) *LLMAgent {
	opts := LLMAgentOptions{
		Instruction:        NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", name)),
		EnableStreaming:    true,
		MaxHistoryMessages: 20,
		AllowTransfer:      true,
		Tools:              make(map[string]tool.Tool),
		Hooks:              core.NoOpHooks{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Hooks == nil {
		opts.Hooks = core.NoOpHooks{}
	}
	if opts.Tools == nil {
		opts.Tools = make(map[string]tool.Tool)
	}

	return &LLMAgent{
		BaseAgent:          NewBaseAgent(name),
		llm:                llm,
		instruction:        opts.Instruction,
		enableStreaming:    opts.EnableStreaming,
		outputKey:          opts.OutputKey,
		maxHistoryMessages: opts.MaxHistoryMessages,
		allowTransfer:      opts.AllowTransfer,
		tools:              opts.Tools,
		handoffs:           opts.Handoffs,
		hooks:              opts.Hooks,
		transferTool:       tool.NewTransferToAgentTool(),
	}
}

// RegisterTool adds a function tool to the agent's capability set.
//
// Registered tools become available for the language model to call during
// conversations. Tools should implement the tool.Tool interface with proper
// JSON schema definitions.
func (a *LLMAgent) RegisterTool(t tool.Tool) {
	a.tools[t.Name()] = t
}

// RegisterTools adds multiple tools to the agent's capability set.
func (a *LLMAgent) RegisterTools(tools ...tool.Tool) {
	for _, t := range tools {
		a.RegisterTool(t)
	}
}

// UnregisterTool removes a tool from the agent's capability set.
//
// Returns true if the tool was found and removed, false if it wasn't registered.
func (a *LLMAgent) UnregisterTool(name string) bool {
	if _, exists := a.tools[name]; exists {
		delete(a.tools, name)
		return true
	}
	return false
}

// HasTool checks if a tool is registered with the agent.
func (a *LLMAgent) HasTool(name string) bool {
	_, exists := a.tools[name]
	return exists
}

// ListTools returns the names of all registered tools.
func (a *LLMAgent) ListTools() []string {
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	return names
}

// GetTool retrieves a specific tool by name.
//
// Returns the tool and true if found, nil and false if not registered.
func (a *LLMAgent) GetTool(name string) (tool.Tool, bool) {
	t, exists := a.tools[name]
	return t, exists
}

// SetHandoffs replaces the set of peer agents this agent may transfer
// control to. Unlike sub-agents, handoff targets keep their own position in
// the hierarchy, which permits circular transfer chains between peers.
func (a *LLMAgent) SetHandoffs(targets ...core.Agent) {
	a.handoffs = targets
}

// Handoffs returns the configured handoff targets.
func (a *LLMAgent) Handoffs() []core.Agent {
	out := make([]core.Agent, len(a.handoffs))
	copy(out, a.handoffs)
	return out
}

// Hooks returns the lifecycle hooks attached to this agent.
func (a *LLMAgent) Hooks() core.Hooks { return a.hooks }

// FlowAgent Interface Implementation
//
// The following methods implement the flow.FlowAgent interface, enabling the
// LLMAgent to work with the flows architecture for a modular execution pipeline.

// GetName returns the agent's display name.
func (a *LLMAgent) GetName() string {
	return a.Name()
}

// GetLLM returns the language model instance.
func (a *LLMAgent) GetLLM() model.Model {
	return a.llm
}

// GetTools returns the registered tools for function calling.
func (a *LLMAgent) GetTools() map[string]tool.Tool {
	tools := make(map[string]tool.Tool, len(a.tools))
	for name, t := range a.tools {
		tools[name] = t
	}
	return tools
}

// HandoffTargets returns the agents this agent may transfer control to:
// the explicit handoff list plus any sub-agents.
func (a *LLMAgent) HandoffTargets() []core.AgentInfo {
	var targets []core.AgentInfo
	seen := map[string]bool{}

	for _, h := range a.handoffs {
		if h == nil || seen[h.Name()] {
			continue
		}
		seen[h.Name()] = true
		targets = append(targets, core.AgentInfo{Name: h.Name(), Type: "agent"})
	}
	for _, sub := range a.SubAgents() {
		if seen[sub.Name()] {
			continue
		}
		seen[sub.Name()] = true
		targets = append(targets, core.AgentInfo{Name: sub.Name(), Type: "agent"})
	}

	return targets
}

// IsStreamingEnabled returns whether streaming responses are enabled.
func (a *LLMAgent) IsStreamingEnabled() bool {
	return a.enableStreaming
}

// IsTransferEnabled returns whether handoffs are enabled.
func (a *LLMAgent) IsTransferEnabled() bool {
	return a.allowTransfer
}

// GetOutputKey returns the session state key for saving responses.
func (a *LLMAgent) GetOutputKey() string {
	return a.outputKey
}

// MaxHistoryMessages returns the maximum number of conversation history messages to keep.
func (a *LLMAgent) MaxHistoryMessages() int {
	return a.maxHistoryMessages
}

// GetHooks returns the lifecycle hooks observing this agent's runs.
func (a *LLMAgent) GetHooks() core.Hooks {
	return a.hooks
}

// ResolveInstructions produces the final instruction string (system prompt)
// by resolving static or dynamic instruction sources.
func (a *LLMAgent) ResolveInstructions(runCtx *core.RunContext) (string, error) {
	return a.instruction.Resolve(runCtx)
}

// ExecuteTool deserializes JSON arguments and invokes the named tool returning
// its result or an error if the tool is unknown or validation fails. The
// transfer_to_agent tool is resolved implicitly when handoffs are enabled.
func (a *LLMAgent) ExecuteTool(toolCtx *core.ToolContext, toolName string, args string) (interface{}, error) {
	impl, exists := a.tools[toolName]
	if !exists {
		if toolName == a.transferTool.Name() && a.allowTransfer {
			impl = a.transferTool
		} else {
			return nil, fmt.Errorf("tool %s not found", toolName)
		}
	}

	argsMap := make(map[string]interface{})
	if args != "" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args: %w", err)
		}
	}

	return impl.Call(toolCtx, argsMap)
}

// resolveHandoffTarget locates the agent to receive control. The explicit
// handoff list wins; sub-agents come next; finally the whole hierarchy is
// searched from the root so siblings and ancestors stay reachable.
func (a *LLMAgent) resolveHandoffTarget(name string) core.Agent {
	for _, h := range a.handoffs {
		if h != nil && h.Name() == name {
			return h
		}
	}

	var root core.Agent = a
	for root.Parent() != nil {
		root = root.Parent()
	}

	return root.FindAgent(name)
}

// Run implements core.Agent using the flow selector to choose an execution
// strategy, then streams flow events to the parent run context. When the flow
// records a pending handoff the target agent is resolved and run with the
// same context, continuing the conversation turn.
func (a *LLMAgent) Run(runCtx *core.RunContext) error {
	runCtx.LogDebug(
		"agent.run.start",
		"agent", a.Name(),
		"run", runCtx.RunID,
	)

	a.hooks.OnAgentStart(runCtx, core.AgentInfo{Name: a.Name(), Type: "llm"})

	selector := flow.NewSelector()
	fl := selector.SelectFlow(a)

	runCtx.LogDebug(
		"agent.flow.selected",
		"agent", a.Name(),
		"flow", fmt.Sprintf("%T", fl),
	)

	eventChan, err := fl.Execute(runCtx)
	if err != nil {
		runCtx.LogError(
			"agent.flow.execute.error",
			"agent", a.Name(),
			"error", err.Error(),
		)

		return fmt.Errorf("flow execution failed: %w", err)
	}

	for event := range eventChan {
		select {
		case runCtx.Emit <- event:
			role := ""
			if event.Content != nil {
				role = event.Content.Role
			}

			runCtx.LogDebug(
				"agent.event.forward",
				"agent", a.Name(),
				"event_id", event.ID,
				"role", role,
				"fn_calls", len(event.GetFunctionCalls()),
			)
		case <-runCtx.Context.Done():
			runCtx.LogWarn("agent.run.context_done", "agent", a.Name(), "error", runCtx.Context.Err())

			return runCtx.Context.Err()
		}
	}

	a.hooks.OnAgentEnd(runCtx, core.AgentInfo{Name: a.Name(), Type: "llm"})

	if target := fl.Handoff(); target != "" {
		return a.executeHandoff(runCtx, target)
	}

	runCtx.LogDebug("agent.flow.execute.complete", "agent", a.Name())

	return nil
}

// executeHandoff resolves the target agent and continues the turn there.
func (a *LLMAgent) executeHandoff(runCtx *core.RunContext, target string) error {
	next := a.resolveHandoffTarget(target)
	if next == nil {
		return fmt.Errorf("handoff target '%s' not found", target)
	}

	runCtx.LogInfo("agent.handoff", "from", a.Name(), "to", target)
	a.hooks.OnHandoff(runCtx, a.Name(), target)

	nextCtx := runCtx.WithAgent(core.AgentInfo{Name: next.Name(), Type: "agent"})

	return next.Run(nextCtx)
}
