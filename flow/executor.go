package flow

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/tool"
)

// FunctionExecutor executes a batch of function/tool calls possibly in parallel and emits
// function response events through the provided emit callback. Implementations must:
//   - Respect runCtx.Context cancellation
//   - Never panic (recover internally and emit error events)
//   - Emit exactly one FunctionResponse event per incoming FunctionCall
//   - Apply ToolContext accumulated actions to emitted events
//   - Notify lifecycle hooks around each execution
//
// The emit callback is responsible for persistence synchronization (resume handling).
type FunctionExecutor interface {
	Execute(runCtx *core.RunContext, agent FlowAgent, fnCalls []core.FunctionCall, emit func(core.Event) error)
}

// FunctionExecutorConfig configures the default parallel executor.
type FunctionExecutorConfig struct {
	MaxParallel    int                     // 0 or <1 => no explicit limit (len(fnCalls))
	PreserveOrder  bool                    // if true, buffer results and emit in original order
	LogStartEvents bool                    // log a start line per function
	FailureMessage tool.FailureMessageFunc // renders failures into the model-visible response
}

// parallelFunctionExecutor is the default implementation.
type parallelFunctionExecutor struct {
	cfg FunctionExecutorConfig
}

// NewParallelFunctionExecutor constructs a new executor with the given config.
func NewParallelFunctionExecutor(cfg FunctionExecutorConfig) FunctionExecutor {
	if cfg.FailureMessage == nil {
		cfg.FailureMessage = tool.DefaultFailureMessage
	}
	return &parallelFunctionExecutor{cfg: cfg}
}

func (e *parallelFunctionExecutor) Execute(
	runCtx *core.RunContext,
	agent FlowAgent,
	fnCalls []core.FunctionCall,
	emit func(core.Event) error,
) {
	n := len(fnCalls)
	if n == 0 {
		return
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		ev := e.executeOne(runCtx, agent, fnCalls[0])
		if err := emit(ev); err != nil {
			runCtx.LogError("agent.function.emit.error", "function", fnCalls[0].Name, "error", err.Error())
		}
		return
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	results := make([]core.Event, n) // used only if PreserveOrder
	var mu sync.Mutex                // protects unordered emit & results writes
	var wg sync.WaitGroup

	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()
	for i := range fnCalls {
		if runCtx.Context.Err() != nil { // pre-check cancellation
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, fc core.FunctionCall) {
			defer wg.Done()
			defer func() { <-sem }()

			if runCtx.Context.Err() != nil {
				return
			}

			respEv := e.executeOne(runCtx, agent, fc)

			if e.cfg.PreserveOrder {
				mu.Lock()
				results[idx] = respEv
				mu.Unlock()
			} else {
				mu.Lock()
				err := emit(respEv)
				mu.Unlock()
				if err != nil {
					runCtx.LogError("agent.function.emit.error", "function", fc.Name, "error", err.Error())
				}
			}
		}(i, fnCalls[i])
	}

	wg.Wait()

	if e.cfg.PreserveOrder {
		for i := 0; i < n; i++ {
			ev := results[i]
			if ev.ID == "" {
				continue
			}
			if err := emit(ev); err != nil {
				runCtx.LogError("agent.function.emit.error", "function", fnCalls[i].Name, "error", err.Error())
			}
		}
	}

	runCtx.LogDebug(
		"agent.functions.batch.complete",
		"agent", agent.GetName(),
		"count", n,
		"parallelism", maxPar,
		"preserve_order", e.cfg.PreserveOrder,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)
}

// executeOne runs a single tool call with panic recovery and hook
// notifications, returning the fully assembled function response event.
func (e *parallelFunctionExecutor) executeOne(
	runCtx *core.RunContext,
	agent FlowAgent,
	fc core.FunctionCall,
) core.Event {
	toolCtx := core.NewToolContext(runCtx, fc.ID)

	if e.cfg.LogStartEvents {
		runCtx.LogInfo("agent.function.start", "agent", agent.GetName(), "function", fc.Name, "function_call_id", fc.ID)
	}

	hooks := agent.GetHooks()
	if hooks != nil {
		hooks.OnToolStart(toolCtx, fc.Name)
	}

	start := time.Now()
	var (
		result any
		err    error
	)
	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
				runCtx.LogError("agent.function.panic", "agent", agent.GetName(), "function", fc.Name, "recover", r)
			}
		}()
		result, err = agent.ExecuteTool(toolCtx, fc.Name, fc.Arguments)
	}()
	dur := time.Since(start)

	if hooks != nil {
		hooks.OnToolEnd(toolCtx, fc.Name, result, err)
	}

	runCtx.LogInfo(
		"agent.function.executed",
		"agent", agent.GetName(),
		"function", fc.Name,
		"duration_ms", dur.Milliseconds(),
		"error", err != nil,
	)

	// Surface failures as a model-readable response so the conversation can
	// recover instead of stalling on an empty tool result.
	if err != nil && result == nil {
		result = e.cfg.FailureMessage(fc.Name, err)
	}

	respEv := core.NewFunctionResponseEvent(agent.GetName(), fc.ID, fc.Name, result, err)
	if b := runCtx.Branch; b != "" {
		respEv.Branch = &b
	}
	toolCtx.InternalApplyActions(&respEv)

	return respEv
}

// panicError converts a recovered panic value to an error without pulling external dependencies.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }
