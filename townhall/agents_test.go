package townhall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/model"
	"github.com/townhall-labs/townhall/runner"
)

func TestNewAgents_Wiring(t *testing.T) {
	agents := NewAgents(model.NewMockModel("m", "mock"))

	// Dialogue routes to triage; triage fans out; everyone hands back.
	require.Len(t, agents.Dialogue.Handoffs(), 1)
	assert.Equal(t, "Triage", agents.Dialogue.Handoffs()[0].Name())

	names := make([]string, 0, 3)
	for _, h := range agents.Triage.Handoffs() {
		names = append(names, h.Name())
	}
	assert.ElementsMatch(t, []string{"Insights", "FormatCoordinator", "Dialogue"}, names)

	require.Len(t, agents.Insights.Handoffs(), 1)
	assert.Equal(t, "Dialogue", agents.Insights.Handoffs()[0].Name())

	assert.True(t, agents.Insights.HasTool(GatherInsightsToolName))
	assert.True(t, agents.FormatCoordinator.HasTool(FeedbackFormatterToolName))
	assert.True(t, agents.FormatCoordinator.HasTool(IncidentFormatterToolName))
	assert.True(t, agents.FormatCoordinator.HasTool(ConversationSummarizerToolName))
}

func TestAgents_Lookup(t *testing.T) {
	agents := NewAgents(model.NewMockModel("m", "mock"))

	got, err := agents.Agent("Dialogue")
	require.NoError(t, err)
	assert.Equal(t, "Dialogue", got.Name())

	_, err = agents.Agent("Mayor")
	assert.Error(t, err)
}

func TestGatherInsightsTool(t *testing.T) {
	ctx := NewContext()
	tc := newToolContext(ctx)

	tool := newGatherInsightsTool()
	result, err := tool.Call(tc, map[string]any{})
	require.NoError(t, err)

	text, ok := result.(string)
	require.True(t, ok)
	assert.Contains(t, text, "crime rate")

	assert.Equal(t, StageInsights, ctx.Stage())
	assert.Equal(t, text, ctx.Insights())
}

func TestDialogueInstructions_IncludeInsights(t *testing.T) {
	ctx := NewContext()
	runCtx := core.NewRunContext(core.RunContextParams{
		SessionID: "sess-1",
		RunID:     "run-1",
		Agent:     core.AgentInfo{Name: "Dialogue", Type: "llm"},
		App:       ctx,
	})

	provider := dialogueInstructionProvider{}

	text, err := provider.Instruction(runCtx)
	require.NoError(t, err)
	assert.NotContains(t, text, "Gathered insights")

	ctx.SetInsights("crime rate is down")
	text, err = provider.Instruction(runCtx)
	require.NoError(t, err)
	assert.Contains(t, text, "crime rate is down")
}

func TestAgents_DialogueHandsOffToTriage(t *testing.T) {
	m := model.NewMockModel("m", "mock")
	m.AddToolCall("the streetlight on 5th Ave is broken", "fc-1", "transfer_to_agent", `{"agent":"Triage"}`)

	agents := NewAgents(m, func(o *AgentsOptions) { o.EnableStreaming = false })
	ctx := NewContext()

	r := runner.New(agents.Dialogue, func(o *runner.Options) { o.App = ctx })

	events, err := r.RunSync(context.Background(), "sess-1", core.Content{
		Role:  "user",
		Parts: []core.Part{core.TextPart{Text: "the streetlight on 5th Ave is broken"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var sawHandoff bool
	for _, ev := range events {
		if ev.IsHandoff() && *ev.Actions.Handoff == "Triage" {
			sawHandoff = true
		}
	}
	assert.True(t, sawHandoff)

	final := events[len(events)-1]
	assert.Equal(t, "Triage", final.Author)
	assert.NotEmpty(t, final.Text())
}
