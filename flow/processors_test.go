package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/model"
)

func TestInstructionsProcessor_RendersState(t *testing.T) {
	agent := &mockFlowAgent{name: "greeter"}
	runCtx := newTestRunContext(t)
	runCtx.Session.SetState("city", "Riverton")

	p := &templateAgent{mockFlowAgent: agent, instructions: "You serve the citizens of {{.city}}."}

	req := &model.Request{}
	require.NoError(t, NewInstructionsProcessor().ProcessRequest(runCtx, req, p))
	assert.Equal(t, "You serve the citizens of Riverton.", req.Instructions)
}

type templateAgent struct {
	*mockFlowAgent
	instructions string
}

func (a *templateAgent) ResolveInstructions(_ *core.RunContext) (string, error) {
	return a.instructions, nil
}

func TestContentsProcessor_WindowsHistory(t *testing.T) {
	agent := &mockFlowAgent{name: "historian"} // MaxHistoryMessages is 10
	runCtx := newTestRunContext(t)

	for i := 0; i < 15; i++ {
		runCtx.Session.AddEvent(core.NewUserMessageEvent("run", "msg"))
	}

	req := &model.Request{Instructions: "sys"}
	require.NoError(t, NewContentsProcessor().ProcessRequest(runCtx, req, agent))

	// system prompt + last 10 history entries
	assert.Len(t, req.Contents, 11)
	assert.Equal(t, "system", req.Contents[0].Role)
}

func TestHandoffToolInjector_Injection(t *testing.T) {
	agent := &mockFlowAgent{
		name:     "root",
		transfer: true,
		targets:  []core.AgentInfo{{Name: "child", Type: "llm"}},
	}
	inj := NewHandoffToolInjector()
	runCtx := newTestRunContext(t)

	req := &model.Request{}
	require.NoError(t, inj.ProcessRequest(runCtx, req, agent))

	found := false
	for _, td := range req.Tools {
		if td.Function.Name == "transfer_to_agent" {
			found = true
			assert.Contains(t, td.Function.Description, "child")
		}
	}
	require.True(t, found, "expected transfer_to_agent tool definition injected")

	// second call should not duplicate
	require.NoError(t, inj.ProcessRequest(runCtx, req, agent))
	count := 0
	for _, td := range req.Tools {
		if td.Function.Name == "transfer_to_agent" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandoffToolInjector_SkipsWhenDisabled(t *testing.T) {
	agent := &mockFlowAgent{name: "solo"}
	runCtx := newTestRunContext(t)

	req := &model.Request{}
	require.NoError(t, NewHandoffToolInjector().ProcessRequest(runCtx, req, agent))
	assert.Empty(t, req.Tools)
}
