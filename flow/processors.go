package flow

import (
	"fmt"
	"strings"

	"github.com/townhall-labs/townhall/core"
	internalutil "github.com/townhall-labs/townhall/internal/util"
	"github.com/townhall-labs/townhall/model"
)

// InstructionsProcessor handles system prompt and instruction processing.
type InstructionsProcessor struct{}

// NewInstructionsProcessor creates a new instructions processor.
func NewInstructionsProcessor() *InstructionsProcessor { return &InstructionsProcessor{} }

// Name returns the processor's identifier.
func (p *InstructionsProcessor) Name() string { return "instructions" }

// ProcessRequest adds system instructions to the chat request.
func (p *InstructionsProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, agent FlowAgent) error {
	instructions, err := agent.ResolveInstructions(runCtx)
	if err != nil {
		return fmt.Errorf("failed to resolve instruction: %w", err)
	}

	runCtx.LogDebug("agent.instruction.resolved", "agent", agent.GetName(), "length", len(instructions))

	if runCtx.Session != nil {
		state := runCtx.Session.StateSnapshot()
		if len(state) > 0 {
			// Apply template substitution to system prompt using session state
			rendered, tplErr := internalutil.RenderTemplate(instructions, state)
			if tplErr != nil {
				return fmt.Errorf("failed to render template: %w", tplErr)
			}
			req.Instructions = rendered
			return nil
		}
	}

	req.Instructions = instructions

	return nil
}

// ContentsProcessor assembles the conversation window sent to the model.
type ContentsProcessor struct{}

// NewContentsProcessor creates a new contents processor.
func NewContentsProcessor() *ContentsProcessor { return &ContentsProcessor{} }

// Name returns the processor's identifier.
func (p *ContentsProcessor) Name() string { return "contents" }

// ProcessRequest adds system instructions and conversation history to the chat request.
func (p *ContentsProcessor) ProcessRequest(runCtx *core.RunContext, req *model.Request, agent FlowAgent) error {
	contents := []core.Content{{
		Role:  "system",
		Parts: []core.Part{core.TextPart{Text: req.Instructions}},
	}}

	// Add conversation history if available
	if runCtx.Session != nil {
		events := runCtx.Session.GetConversationHistory()
		if max := agent.MaxHistoryMessages(); max > 0 && len(events) > max {
			events = events[len(events)-max:]
		}

		for _, ev := range events {
			if ev.Content != nil && len(ev.Content.Parts) > 0 {
				contents = append(contents, *ev.Content)
			}
		}
	}

	// Nested runs (agent-as-tool) carry their input on the run context
	// instead of the persisted history; surface it as the closing user turn.
	if len(runCtx.UserContent.Parts) > 0 {
		last := contents[len(contents)-1]
		if last.Role != runCtx.UserContent.Role || last.Text() != runCtx.UserContent.Text() {
			contents = append(contents, runCtx.UserContent)
		}
	}

	req.Contents = contents
	return nil
}

// HandoffToolInjector adds the transfer_to_agent tool definition when the
// agent has handoff targets, enumerating the valid target names in the tool
// description so the model can pick one.
type HandoffToolInjector struct{}

// NewHandoffToolInjector creates a new handoff tool injector.
func NewHandoffToolInjector() *HandoffToolInjector { return &HandoffToolInjector{} }

// Name returns the processor's identifier.
func (p *HandoffToolInjector) Name() string { return "handoff_injector" }

// ProcessRequest injects the transfer_to_agent tool definition. It is
// idempotent; a second invocation does not duplicate the definition.
func (p *HandoffToolInjector) ProcessRequest(runCtx *core.RunContext, req *model.Request, agent FlowAgent) error {
	if !agent.IsTransferEnabled() {
		return nil
	}

	targets := agent.HandoffTargets()
	if len(targets) == 0 {
		return nil
	}

	for _, td := range req.Tools {
		if td.Function.Name == "transfer_to_agent" {
			return nil
		}
	}

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}

	desc := fmt.Sprintf(
		"Transfer control of the conversation to another agent. Available agents: %s.",
		strings.Join(names, ", "),
	)

	req.Tools = append(req.Tools, model.ToolDefinition{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        "transfer_to_agent",
			Description: desc,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent": map[string]any{
						"type":        "string",
						"description": "Target agent name",
						"enum":        names,
					},
				},
				"required": []string{"agent"},
			},
		},
	})

	runCtx.LogDebug("agent.handoff.injected", "agent", agent.GetName(), "targets", strings.Join(names, ","))

	return nil
}
