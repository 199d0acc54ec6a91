// Package openai adapts the OpenAI Chat Completions API (streaming and
// function calling included) to the model.Model interface. Normalized request
// contents are converted into chat messages and responses are surfaced as
// partial and final model.Response values.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/model"
)

// Options configure the adapter. The field set intentionally covers only the
// Chat Completion parameters the runtime needs; extend via functional options.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps an OpenAI client behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates an adapter using the default client, which reads
// OPENAI_API_KEY from the environment.
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates an adapter around an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}

// Generate implements model.Model for both streaming and non-streaming calls.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)
		if req.Stream {
			m.generateStreaming(ctx, params, out, errCh)
			return
		}
		m.generateOnce(ctx, params, out, errCh)
	}()

	return out, errCh
}

// buildParams converts the normalized request into Chat Completion parameters.
func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Function.Name,
					Description: openai.String(def.Function.Description),
					Parameters:  def.Function.Parameters,
				},
			}
		}
		params.Tools = tools
	}

	return params
}

// buildMessages converts contents into chat messages. Tool responses are
// indexed by call id up front so each one can be placed directly after the
// assistant message that issued the call; the API rejects orphaned tool
// messages.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	pending, order := indexToolResponses(req.Contents)

	var messages []openai.ChatCompletionMessageParamUnion
	hasSystem := false

	for _, c := range req.Contents {
		if c.Role == "tool" {
			continue
		}

		text := c.Text()

		switch c.Role {
		case "system":
			hasSystem = true
			messages = append(messages, openai.SystemMessage(text))
		case "user":
			messages = append(messages, openai.UserMessage(text))
		case "assistant":
			calls, ids := assistantToolCalls(c)
			if len(calls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
			for _, id := range ids {
				if resp, ok := pending[id]; ok {
					messages = append(messages, openai.ToolMessage(resp, id))
					delete(pending, id)
				}
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}

	// Responses whose originating call never appeared in history.
	for _, id := range order {
		if resp, ok := pending[id]; ok {
			messages = append(messages, openai.ToolMessage(resp, id))
		}
	}

	if !hasSystem && req.Instructions != "" {
		messages = append([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instructions),
		}, messages...)
	}

	return messages
}

// indexToolResponses maps function response text by call id, preserving the
// first-seen order of ids.
func indexToolResponses(contents []core.Content) (map[string]string, []string) {
	responses := map[string]string{}
	var order []string

	for _, c := range contents {
		if c.Role != "tool" {
			continue
		}
		for _, p := range c.Parts {
			fr, ok := p.(core.FunctionResponsePart)
			if !ok || fr.FunctionResponse.ID == "" {
				continue
			}
			if _, seen := responses[fr.FunctionResponse.ID]; seen {
				continue
			}
			responses[fr.FunctionResponse.ID] = responseText(fr.FunctionResponse)
			order = append(order, fr.FunctionResponse.ID)
		}
	}

	return responses, order
}

func responseText(fr core.FunctionResponse) string {
	if fr.Error != "" {
		return fr.Error
	}
	if s, ok := fr.Response.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", fr.Response)
}

func assistantToolCalls(c core.Content) ([]openai.ChatCompletionMessageToolCallParam, []string) {
	var calls []openai.ChatCompletionMessageToolCallParam
	var ids []string
	for _, p := range c.Parts {
		fc, ok := p.(core.FunctionCallPart)
		if !ok {
			continue
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   fc.FunctionCall.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.FunctionCall.Name,
				Arguments: fc.FunctionCall.Arguments,
			},
		})
		ids = append(ids, fc.FunctionCall.ID)
	}
	return calls, ids
}

// pendingCall accumulates streamed tool call fragments until the finish chunk.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// generateStreaming forwards text deltas as partial responses and assembles
// tool call fragments into the final chunk.
func (m *Model) generateStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)

	var text strings.Builder
	calls := map[int64]*pendingCall{}
	var callOrder []int64

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				out <- model.Response{
					ID:      chunk.ID,
					Partial: true,
					Content: core.Content{
						Role:  "assistant",
						Parts: []core.Part{core.TextPart{Text: choice.Delta.Content}},
					},
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
					callOrder = append(callOrder, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason != "" {
				parts := make([]core.Part, 0, len(callOrder)+1)
				if text.Len() > 0 {
					parts = append(parts, core.TextPart{Text: text.String()})
				}
				for _, idx := range callOrder {
					pc := calls[idx]
					parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
						ID:        pc.id,
						Name:      pc.name,
						Arguments: pc.args.String(),
					}})
				}
				out <- model.Response{
					ID:           chunk.ID,
					Partial:      false,
					Content:      core.Content{Role: "assistant", Parts: parts},
					FinishReason: choice.FinishReason,
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

// generateOnce performs a single non-streaming completion.
func (m *Model) generateOnce(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("openai returned no choices")
		return
	}

	choice := resp.Choices[0]
	parts := make([]core.Part, 0, len(choice.Message.ToolCalls)+1)
	if choice.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}

	out <- model.Response{
		ID:           resp.ID,
		Partial:      false,
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: choice.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}
