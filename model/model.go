package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/townhall-labs/townhall/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"` // JSON string of arguments
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by flows.
type Request struct {
	Instructions string           `json:"instructions"` // Instructions for the model
	Contents     []core.Content   `json:"contents"`     // Higher-level content converted to provider messages
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"` // Indicates if this is a partial response
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by flows & agents to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// scriptedCall is a canned tool call keyed on input text.
type scriptedCall struct {
	id, name, args string
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Responses and tool calls are keyed on the text of the last message in the
// request; unmatched prompts receive a generic echo.
type MockModel struct {
	info      Info
	mu        sync.Mutex
	responses map[string]string
	toolCalls map[string][]scriptedCall
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
		toolCalls: make(map[string][]scriptedCall),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// AddToolCall registers a canned tool call for an input prompt. Multiple
// calls registered for the same prompt are returned as one batch.
func (m *MockModel) AddToolCall(prompt, id, name, args string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls[prompt] = append(m.toolCalls[prompt], scriptedCall{id: id, name: name, args: args})
}

// Generate implements Model; emits optional streaming char chunks then a
// final response. If tool calls are scripted for the prompt they are emitted
// once (the script is consumed) so the follow-up turn produces text.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}
		last := req.Contents[len(req.Contents)-1]
		inputText := last.Text()
		if last.Role == "tool" {
			// After a tool batch the model sees the responses; answer with
			// the canned completion for the tool result text if present.
			for _, p := range last.Parts {
				if fr, ok := p.(core.FunctionResponsePart); ok {
					if s, ok := fr.FunctionResponse.Response.(string); ok {
						inputText = s
					}
				}
			}
		}

		m.mu.Lock()
		calls := m.toolCalls[inputText]
		delete(m.toolCalls, inputText)
		full := m.responses[inputText]
		m.mu.Unlock()

		if len(calls) > 0 {
			parts := make([]core.Part, 0, len(calls))
			for _, c := range calls {
				parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID:        c.id,
					Name:      c.name,
					Arguments: c.args,
				}})
			}
			respCh <- Response{
				Partial:      false,
				Content:      core.Content{Role: "assistant", Parts: parts},
				FinishReason: "tool_calls",
			}
			return
		}

		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.Content{
						Role:  "assistant",
						Parts: []core.Part{core.TextPart{Text: string(r)}},
					},
				}:
				}
			}
		}
		respCh <- Response{
			Partial: false,
			Content: core.Content{
				Role:  "assistant",
				Parts: []core.Part{core.TextPart{Text: full}},
			},
			FinishReason: "stop",
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
