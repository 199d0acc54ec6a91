package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/logging"
	"github.com/townhall-labs/townhall/model"
	"github.com/townhall-labs/townhall/session"
	"github.com/townhall-labs/townhall/tool"
)

type mockFlowAgent struct {
	name      string
	llm       model.Model
	tools     map[string]tool.Tool
	targets   []core.AgentInfo
	transfer  bool
	streaming bool
	outputKey string
	hooks     core.Hooks
}

func (m *mockFlowAgent) GetName() string     { return m.name }
func (m *mockFlowAgent) GetLLM() model.Model { return m.llm }
func (m *mockFlowAgent) ResolveInstructions(_ *core.RunContext) (string, error) {
	return "You are a test assistant.", nil
}
func (m *mockFlowAgent) GetTools() map[string]tool.Tool   { return m.tools }
func (m *mockFlowAgent) HandoffTargets() []core.AgentInfo { return m.targets }
func (m *mockFlowAgent) IsStreamingEnabled() bool         { return m.streaming }
func (m *mockFlowAgent) IsTransferEnabled() bool          { return m.transfer }
func (m *mockFlowAgent) GetOutputKey() string             { return m.outputKey }
func (m *mockFlowAgent) MaxHistoryMessages() int          { return 10 }
func (m *mockFlowAgent) GetHooks() core.Hooks {
	if m.hooks == nil {
		return core.NoOpHooks{}
	}
	return m.hooks
}

func (m *mockFlowAgent) ExecuteTool(toolCtx *core.ToolContext, toolName string, args string) (interface{}, error) {
	impl, ok := m.tools[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %s not found", toolName)
	}
	argMap := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &argMap); err != nil {
			return nil, err
		}
	}
	return impl.Call(toolCtx, argMap)
}

func newTestRunContext(t *testing.T) *core.RunContext {
	t.Helper()

	store := session.NewInMemoryStore()
	sess, err := store.Create("test-session")
	require.NoError(t, err)

	return core.NewRunContext(core.RunContextParams{
		Context:      context.Background(),
		SessionID:    "test-session",
		RunID:        "test-run",
		Agent:        core.AgentInfo{Name: "TestAgent", Type: "flow-test"},
		Emit:         make(chan core.Event, 10),
		Session:      sess,
		SessionStore: store,
		Logger:       logging.NoOpLogger{},
	})
}

func TestSingleAgentFlow(t *testing.T) {
	mockModel := model.NewMockModel("test-model", "mock")
	mockModel.AddResponse("test message", "Hello! This is a test response.")

	agent := &mockFlowAgent{name: "test-agent", llm: mockModel}
	runCtx := newTestRunContext(t)
	require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", core.NewUserMessageEvent("test-run", "test message")))

	f := NewSingleAgentFlow(agent)
	eventChan, err := f.Execute(runCtx)
	require.NoError(t, err)

	var events []core.Event
	for ev := range eventChan {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, "Hello! This is a test response.", final.Text())
	assert.True(t, final.IsFinalResponse())
	assert.Empty(t, f.Handoff())
}

func TestBaseFlow_ToolLoop(t *testing.T) {
	mockModel := model.NewMockModel("test-model", "mock")
	mockModel.AddToolCall("what time is it", "fc-1", "clock", "{}")
	mockModel.AddResponse("12:00", "It is noon.")

	clock := tool.NewFunctionTool("clock", "Read the clock",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ *core.ToolContext, _ map[string]any) (any, error) { return "12:00", nil },
	)

	agent := &mockFlowAgent{
		name:  "test-agent",
		llm:   mockModel,
		tools: map[string]tool.Tool{"clock": clock},
	}

	resume := make(chan struct{}, 1)
	runCtx := newTestRunContext(t)
	runCtx.Resume = resume
	require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", core.NewUserMessageEvent("test-run", "what time is it")))

	f := NewBaseFlow(agent)
	f.AddRequestProcessor(NewInstructionsProcessor())
	f.AddRequestProcessor(NewContentsProcessor())

	eventChan, err := f.Execute(runCtx)
	require.NoError(t, err)

	// The flow blocks on the resume channel after each non-partial event;
	// persist and acknowledge the way the runner does.
	var events []core.Event
	for ev := range eventChan {
		events = append(events, ev)
		if !ev.IsPartial() {
			require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", ev))
			resume <- struct{}{}
		}
	}

	require.GreaterOrEqual(t, len(events), 3)
	assert.NotEmpty(t, events[0].GetFunctionCalls())
	assert.NotEmpty(t, events[1].GetFunctionResponses())
	assert.Equal(t, "It is noon.", events[len(events)-1].Text())
}

func TestBaseFlow_HandoffStopsFlow(t *testing.T) {
	mockModel := model.NewMockModel("test-model", "mock")
	mockModel.AddToolCall("escalate this", "fc-1", "transfer_to_agent", `{"agent":"TriageAgent"}`)

	agent := &mockFlowAgent{
		name:     "dialogue",
		llm:      mockModel,
		tools:    map[string]tool.Tool{"transfer_to_agent": tool.NewTransferToAgentTool()},
		targets:  []core.AgentInfo{{Name: "TriageAgent", Type: "llm"}},
		transfer: true,
	}

	runCtx := newTestRunContext(t)
	require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", core.NewUserMessageEvent("test-run", "escalate this")))

	f := NewMultiAgentFlow(agent)
	eventChan, err := f.Execute(runCtx)
	require.NoError(t, err)

	var events []core.Event
	for ev := range eventChan {
		events = append(events, ev)
	}

	assert.Equal(t, "TriageAgent", f.Handoff())

	var sawHandoff bool
	for _, ev := range events {
		if ev.IsHandoff() {
			sawHandoff = true
		}
	}
	assert.True(t, sawHandoff, "expected a function response event carrying the handoff action")
}

func TestBaseFlow_OutputKey(t *testing.T) {
	mockModel := model.NewMockModel("test-model", "mock")
	mockModel.AddResponse("summarize", "A short summary.")

	agent := &mockFlowAgent{name: "summarizer", llm: mockModel, outputKey: "summary"}

	runCtx := newTestRunContext(t)
	require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", core.NewUserMessageEvent("test-run", "summarize")))

	f := NewSingleAgentFlow(agent)
	eventChan, err := f.Execute(runCtx)
	require.NoError(t, err)

	var final core.Event
	for ev := range eventChan {
		final = ev
	}

	require.NotNil(t, final.Actions.StateDelta)
	assert.Equal(t, "A short summary.", final.Actions.StateDelta["summary"])
}

func TestSingleAgentFlow_BranchLabel(t *testing.T) {
	mockModel := model.NewMockModel("test-model", "mock")
	mockModel.AddResponse("test message", "Hello from a branch.")

	agent := &mockFlowAgent{name: "worker", llm: mockModel}
	runCtx := newTestRunContext(t)
	runCtx.Branch = "Root.worker"
	require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", core.NewUserMessageEvent("test-run", "test message")))

	f := NewSingleAgentFlow(agent)
	eventChan, err := f.Execute(runCtx)
	require.NoError(t, err)

	var events []core.Event
	for ev := range eventChan {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	final := events[len(events)-1]
	require.NotNil(t, final.Branch)
	assert.Equal(t, "Root.worker", *final.Branch)
}

func TestBaseFlow_ModelLimit(t *testing.T) {
	mockModel := model.NewMockModel("test-model", "mock")
	mockModel.AddToolCall("hi", "fc-1", "clock", "{}")
	mockModel.AddResponse("12:00", "It is noon.")

	clock := tool.NewFunctionTool("clock", "Read the clock",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ *core.ToolContext, _ map[string]any) (any, error) { return "12:00", nil },
	)

	agent := &mockFlowAgent{name: "limited", llm: mockModel, tools: map[string]tool.Tool{"clock": clock}}

	runCtx := newTestRunContext(t)
	runCtx.Limiter = core.NewModelLimiter(1)
	require.NoError(t, runCtx.SessionStore.AppendEvent("test-session", core.NewUserMessageEvent("test-run", "hi")))

	f := NewSingleAgentFlow(agent)
	eventChan, err := f.Execute(runCtx)
	require.NoError(t, err)

	var events []core.Event
	for ev := range eventChan {
		events = append(events, ev)
	}

	// First turn spends the only allowed model call; the follow-up turn
	// after the tool response must surface the limit as an error event.
	require.NotEmpty(t, events)
	final := events[len(events)-1]
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "max model calls")
}

func TestSelector(t *testing.T) {
	isolated := &mockFlowAgent{name: "solo"}
	if _, ok := NewSelector().SelectFlow(isolated).(*SingleAgentFlow); !ok {
		t.Fatalf("expected SingleAgentFlow for isolated agent")
	}

	router := &mockFlowAgent{
		name:     "router",
		transfer: true,
		targets:  []core.AgentInfo{{Name: "child", Type: "llm"}},
	}
	if _, ok := NewSelector().SelectFlow(router).(*MultiAgentFlow); !ok {
		t.Fatalf("expected MultiAgentFlow for agent with handoff targets")
	}
}
