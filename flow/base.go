package flow

import (
	"fmt"
	"sync"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/model"
)

// BaseFlow is a minimal single-agent flow implementation that supports a
// request -> LLM -> (optional tool loop) cycle with pluggable pre/post processors.
type BaseFlow struct {
	agent              FlowAgent
	requestProcessors  []RequestProcessor
	responseProcessors []ResponseProcessor
	executor           FunctionExecutor

	mu      sync.Mutex
	handoff string
}

// NewBaseFlow creates a new basic single-agent flow.
func NewBaseFlow(agent FlowAgent) *BaseFlow {
	return &BaseFlow{
		agent:              agent,
		requestProcessors:  []RequestProcessor{},
		responseProcessors: []ResponseProcessor{},
		executor:           NewParallelFunctionExecutor(FunctionExecutorConfig{PreserveOrder: true}),
	}
}

// AddRequestProcessor appends a request processor; order of registration defines execution order.
func (f *BaseFlow) AddRequestProcessor(processor RequestProcessor) {
	f.requestProcessors = append(f.requestProcessors, processor)
}

// AddResponseProcessor appends a response processor executed after each model chunk.
func (f *BaseFlow) AddResponseProcessor(processor ResponseProcessor) {
	f.responseProcessors = append(f.responseProcessors, processor)
}

// SetFunctionExecutor overrides the executor used for tool call batches.
func (f *BaseFlow) SetFunctionExecutor(executor FunctionExecutor) {
	if executor != nil {
		f.executor = executor
	}
}

// Handoff returns the pending handoff target recorded while draining events,
// or "" when none was requested. Only valid after the Execute channel closed.
func (f *BaseFlow) Handoff() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handoff
}

func (f *BaseFlow) recordHandoff(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handoff == "" {
		f.handoff = target
	}
}

// Execute launches the flow asynchronously and returns a channel of Events.
// The channel is closed when a final response is emitted, a handoff is
// requested or an unrecoverable error occurs. Callers should range over the
// returned channel and may then inspect Handoff().
func (f *BaseFlow) Execute(runCtx *core.RunContext) (<-chan core.Event, error) {
	eventChan := make(chan core.Event, 100)

	go func() {
		defer close(eventChan)

		for {
			last := f.runOnce(runCtx, eventChan)
			if last == nil {
				break
			}
			if f.Handoff() != "" {
				break
			}
			// A function response means the model needs another turn to
			// incorporate the tool result.
			if len(last.GetFunctionResponses()) > 0 {
				continue
			}
			if last.IsPartial() {
				runCtx.LogWarn("flow.unexpected_partial_tail", "agent", f.agent.GetName())
				break
			}
			if last.IsFinalResponse() {
				break
			}
		}
	}()

	return eventChan, nil
}

// emitError converts an internal error to a system Event.
func (f *BaseFlow) emitError(runCtx *core.RunContext, eventChan chan<- core.Event, err error) {
	runCtx.LogError("flow.error", "agent", f.agent.GetName(), "error", err.Error())
	eventChan <- core.NewErrorEvent(runCtx.RunID, err)
}

// runOnce performs one model turn (including any tool executions) and returns
// the last emitted Event (final or intermediate). A nil return signals termination.
func (f *BaseFlow) runOnce(runCtx *core.RunContext, eventChan chan<- core.Event) *core.Event {
	// Refresh session snapshot so request processors see the latest
	// conversation, including just-persisted tool responses.
	if err := runCtx.RefreshSession(); err != nil {
		runCtx.LogWarn("flow.session.refresh_failed", "agent", f.agent.GetName(), "error", err.Error())
	}

	req := new(model.Request)

	for _, processor := range f.requestProcessors {
		if err := processor.ProcessRequest(runCtx, req, f.agent); err != nil {
			f.emitError(runCtx, eventChan, fmt.Errorf("request processor %s failed: %w", processor.Name(), err))
			return nil
		}
	}

	// Register the agent's own tools after processors so injected
	// definitions (e.g. transfer_to_agent) are preserved.
	tools := f.agent.GetTools()
	for _, t := range tools {
		req.Tools = append(req.Tools, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}

	req.Stream = f.agent.IsStreamingEnabled()

	if runCtx.Limiter != nil {
		if err := runCtx.Limiter.Increment(); err != nil {
			f.emitError(runCtx, eventChan, err)
			return nil
		}
	}

	llm := f.agent.GetLLM()

	respCh, errCh := llm.Generate(runCtx.Context, *req)

	var lastEvent *core.Event

	emit := func(ev core.Event) error {
		if ev.IsHandoff() {
			f.recordHandoff(*ev.Actions.Handoff)
		}

		select {
		case <-runCtx.Context.Done():
			return runCtx.Context.Err()
		case eventChan <- ev:
		}

		if !ev.IsPartial() {
			return runCtx.WaitForResume()
		}
		return nil
	}

	// Drain both channels; a closed error channel must not mask responses
	// still buffered on respCh.
	for respCh != nil {
		select {
		case <-runCtx.Context.Done():
			return lastEvent
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}

			for _, processor := range f.responseProcessors {
				if err := processor.ProcessResponse(runCtx, &resp, f.agent); err != nil {
					f.emitError(runCtx, eventChan, fmt.Errorf("response processor %s failed: %w", processor.Name(), err))
					return nil
				}
			}

			ev := core.NewEvent(runCtx.RunID, f.agent.GetName())
			if b := runCtx.Branch; b != "" {
				ev.Branch = &b
			}
			ev.Content = &resp.Content
			ev.Partial = &resp.Partial

			// Mark turn complete on a final assistant response with no pending tool calls
			if !resp.Partial && len(ev.GetFunctionCalls()) == 0 {
				complete := true
				ev.TurnComplete = &complete

				if key := f.agent.GetOutputKey(); key != "" {
					if text := ev.Text(); text != "" {
						if ev.Actions.StateDelta == nil {
							ev.Actions.StateDelta = map[string]any{}
						}
						ev.Actions.StateDelta[key] = text
					}
				}
			}

			lastEvent = &ev

			if err := emit(ev); err != nil {
				return lastEvent
			}

			if fnCalls := ev.GetFunctionCalls(); len(fnCalls) > 0 {
				f.executor.Execute(runCtx, f.agent, fnCalls, func(respEv core.Event) error {
					lastEvent = &respEv
					return emit(respEv)
				})

				if f.Handoff() != "" {
					return lastEvent
				}
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				f.emitError(runCtx, eventChan, err)
				return nil
			}
		}
	}

	return lastEvent
}
