package flow

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/tool"
)

type execMockTool struct {
	name        string
	delay       time.Duration
	result      any
	err         error
	panicMsg    any
	actionState map[string]any
	handoffTo   string
}

func (mt *execMockTool) Name() string               { return mt.name }
func (mt *execMockTool) Description() string        { return "mock tool" }
func (mt *execMockTool) Parameters() map[string]any { return map[string]any{} }
func (mt *execMockTool) Call(tc *core.ToolContext, _ map[string]any) (any, error) {
	if mt.delay > 0 {
		select {
		case <-time.After(mt.delay):
		case <-tc.Context().Done():
			return nil, tc.Context().Err()
		}
	}
	if mt.panicMsg != nil {
		panic(mt.panicMsg)
	}
	for k, v := range mt.actionState {
		tc.SetState(k, v)
	}
	if mt.handoffTo != "" {
		tc.Handoff(mt.handoffTo)
	}
	return mt.result, mt.err
}

func newExecAgent(tools ...tool.Tool) *mockFlowAgent {
	registry := map[string]tool.Tool{}
	for _, t := range tools {
		registry[t.Name()] = t
	}
	return &mockFlowAgent{name: "A", tools: registry}
}

func TestFunctionExecutor_Single(t *testing.T) {
	a := newExecAgent(&execMockTool{name: "one", result: 42})
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{MaxParallel: 4, PreserveOrder: true})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "one", Arguments: "{}"}}
	events := make([]core.Event, 0)
	emit := func(ev core.Event) error { events = append(events, ev); return nil }
	te.Execute(rc, a, fnCalls, emit)
	if len(events) != 1 {
		t.Fatalf("expected 1 event got %d", len(events))
	}
}

func TestFunctionExecutor_ParallelUnordered(t *testing.T) {
	a := newExecAgent(
		&execMockTool{name: "slow", delay: 60 * time.Millisecond, result: "s"},
		&execMockTool{name: "fast", delay: 5 * time.Millisecond, result: "f"},
	)
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{MaxParallel: 2, PreserveOrder: false})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "slow", Arguments: "{}"}, {ID: "2", Name: "fast", Arguments: "{}"}}
	var mu sync.Mutex
	var order []string
	emit := func(ev core.Event) error {
		mu.Lock()
		order = append(order, ev.GetFunctionResponses()[0].Name)
		mu.Unlock()
		return nil
	}
	start := time.Now()
	te.Execute(rc, a, fnCalls, emit)
	if len(order) != 2 {
		t.Fatalf("want 2 events got %d", len(order))
	}
	if order[0] != "fast" {
		t.Fatalf("expected fast first got %s", order[0])
	}
	elapsed := time.Since(start)
	if elapsed > 90*time.Millisecond {
		t.Fatalf("expected parallel speedup, elapsed=%v", elapsed)
	}
}

func TestFunctionExecutor_PreserveOrder(t *testing.T) {
	a := newExecAgent(
		&execMockTool{name: "t1", delay: 30 * time.Millisecond, result: 1},
		&execMockTool{name: "t2", delay: 5 * time.Millisecond, result: 2},
	)
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{MaxParallel: 2, PreserveOrder: true})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "t1", Arguments: "{}"}, {ID: "2", Name: "t2", Arguments: "{}"}}
	var order []string
	emit := func(ev core.Event) error { order = append(order, ev.GetFunctionResponses()[0].Name); return nil }
	te.Execute(rc, a, fnCalls, emit)
	if order[0] != "t1" || order[1] != "t2" {
		t.Fatalf("order not preserved: %v", order)
	}
}

func TestFunctionExecutor_ErrorIsolation(t *testing.T) {
	a := newExecAgent(
		&execMockTool{name: "ok", result: "fine"},
		&execMockTool{name: "bad", err: errors.New("boom")},
	)
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{MaxParallel: 2, PreserveOrder: false})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "ok", Arguments: "{}"}, {ID: "2", Name: "bad", Arguments: "{}"}}
	var errs int32
	emit := func(ev core.Event) error {
		if ev.GetFunctionResponses()[0].Error != "" {
			atomic.AddInt32(&errs, 1)
		}
		return nil
	}
	te.Execute(rc, a, fnCalls, emit)
	if atomic.LoadInt32(&errs) != 1 {
		t.Fatalf("expected 1 error event got %d", errs)
	}
}

func TestFunctionExecutor_PanicRecovery(t *testing.T) {
	a := newExecAgent(&execMockTool{name: "panic", panicMsg: "boom"})
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "panic", Arguments: "{}"}}
	var got bool
	emit := func(ev core.Event) error {
		if ev.GetFunctionResponses()[0].Error != "" {
			got = true
		}
		return nil
	}
	te.Execute(rc, a, fnCalls, emit)
	if !got {
		t.Fatalf("expected panic converted to error")
	}
}

func TestFunctionExecutor_ActionsApplied(t *testing.T) {
	a := newExecAgent(&execMockTool{name: "act", actionState: map[string]any{"k": "v"}, handoffTo: "next"})
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "act", Arguments: "{}"}}
	var evs []core.Event
	emit := func(ev core.Event) error { evs = append(evs, ev); return nil }
	te.Execute(rc, a, fnCalls, emit)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event got %d", len(evs))
	}
	if evs[0].Actions.StateDelta["k"] != "v" {
		t.Fatalf("state delta missing")
	}
	if evs[0].Actions.Handoff == nil || *evs[0].Actions.Handoff != "next" {
		t.Fatalf("handoff action missing")
	}
}

func TestFunctionExecutor_BranchLabel(t *testing.T) {
	a := newExecAgent(&execMockTool{name: "one", result: "ok"})
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{})
	rc := newTestRunContext(t)
	rc.Branch = "Root.worker"
	var evs []core.Event
	emit := func(ev core.Event) error { evs = append(evs, ev); return nil }
	te.Execute(rc, a, []core.FunctionCall{{ID: "1", Name: "one", Arguments: "{}"}}, emit)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event got %d", len(evs))
	}
	if evs[0].Branch == nil || *evs[0].Branch != "Root.worker" {
		t.Fatalf("branch label missing on response event: %+v", evs[0].Branch)
	}
}

func TestFunctionExecutor_ParallelStateWrites(t *testing.T) {
	tools := make([]tool.Tool, 0, 8)
	fnCalls := make([]core.FunctionCall, 0, 8)
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("writer%d", i)
		tools = append(tools, &execMockTool{
			name:        name,
			delay:       time.Millisecond,
			result:      "ok",
			actionState: map[string]any{name: i},
		})
		fnCalls = append(fnCalls, core.FunctionCall{ID: name, Name: name, Arguments: "{}"})
	}
	a := newExecAgent(tools...)
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{MaxParallel: 8})
	rc := newTestRunContext(t)
	var mu sync.Mutex
	var emitted int
	emit := func(core.Event) error {
		mu.Lock()
		emitted++
		mu.Unlock()
		return nil
	}
	te.Execute(rc, a, fnCalls, emit)
	if emitted != 8 {
		t.Fatalf("expected 8 events got %d", emitted)
	}
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("writer%d", i)
		if v, ok := rc.GetState(name); !ok || v != i {
			t.Fatalf("state %s missing or wrong: %v (%v)", name, v, ok)
		}
	}
}

type recordingHooks struct {
	core.NoOpHooks
	mu     sync.Mutex
	starts []string
	ends   []string
}

func (h *recordingHooks) OnToolStart(_ *core.ToolContext, name string) {
	h.mu.Lock()
	h.starts = append(h.starts, name)
	h.mu.Unlock()
}

func (h *recordingHooks) OnToolEnd(_ *core.ToolContext, name string, _ any, _ error) {
	h.mu.Lock()
	h.ends = append(h.ends, name)
	h.mu.Unlock()
}

func TestFunctionExecutor_HooksNotified(t *testing.T) {
	hooks := &recordingHooks{}
	a := newExecAgent(&execMockTool{name: "one", result: "ok"})
	a.hooks = hooks
	te := NewParallelFunctionExecutor(FunctionExecutorConfig{})
	rc := newTestRunContext(t)
	fnCalls := []core.FunctionCall{{ID: "1", Name: "one", Arguments: "{}"}}
	te.Execute(rc, a, fnCalls, func(core.Event) error { return nil })
	if len(hooks.starts) != 1 || hooks.starts[0] != "one" {
		t.Fatalf("expected OnToolStart for 'one', got %v", hooks.starts)
	}
	if len(hooks.ends) != 1 || hooks.ends[0] != "one" {
		t.Fatalf("expected OnToolEnd for 'one', got %v", hooks.ends)
	}
}
