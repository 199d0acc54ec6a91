package townhall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
)

func newToolContext(app any) *core.ToolContext {
	runCtx := core.NewRunContext(core.RunContextParams{
		SessionID: "sess-1",
		RunID:     "run-1",
		Agent:     core.AgentInfo{Name: "FormatCoordinator", Type: "llm"},
		App:       app,
	})
	return core.NewToolContext(runCtx, "fc-1")
}

func TestFormatterHooks_CapturesFeedback(t *testing.T) {
	store := newSQLiteStore(t)
	hooks := NewFormatterHooks(store)

	ctx := NewContext()
	tc := newToolContext(ctx)

	result := `{"topic":"transit","summary":"Buses are late on line 4","sentiment":"negative"}`
	hooks.OnToolEnd(tc, FeedbackFormatterToolName, result, nil)

	assert.Equal(t, StageFeedbackFormatting, ctx.Stage())
	assert.True(t, ctx.FeedbackProcessed())
	require.NotNil(t, ctx.Feedback())
	assert.Equal(t, "transit", ctx.Feedback().Topic)
	assert.Equal(t, SentimentNegative, ctx.Feedback().Sentiment)

	saved, err := store.ListFeedback("sess-1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "Buses are late on line 4", saved[0].Summary)
}

func TestFormatterHooks_CapturesIncidentFromFencedJSON(t *testing.T) {
	store := newSQLiteStore(t)
	hooks := NewFormatterHooks(store)

	ctx := NewContext()
	tc := newToolContext(ctx)

	result := "Here is the report:\n```json\n{\"incident_type\":\"vandalism\",\"description\":\"Broken streetlight\",\"location\":\"5th Ave\",\"person_involved\":\"unknown\",\"severity_level\":3}\n```"
	hooks.OnToolEnd(tc, IncidentFormatterToolName, result, nil)

	assert.Equal(t, StageIncidentFormatting, ctx.Stage())
	assert.True(t, ctx.IncidentProcessed())
	require.NotNil(t, ctx.Incident())
	assert.Equal(t, "vandalism", ctx.Incident().IncidentType)
	assert.Equal(t, 3, ctx.Incident().SeverityLevel)

	saved, err := store.ListIncidents("sess-1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "Broken streetlight", saved[0].Description)
}

func TestFormatterHooks_CapturesConversation(t *testing.T) {
	hooks := NewFormatterHooks(nil)

	ctx := NewContext()
	tc := newToolContext(ctx)

	result := `{"topics":["streetlight","safety"],"primary_topic":"streetlight","topic_shift_count":1,` +
		`"turn_count":6,"handoff_count":2,"conversation_type":"incident","sentiment_start":-0.2,` +
		`"sentiment_end":0.4,"sentiment_trend":0.6,"sentiment_direction":"up","resolved":true}`
	hooks.OnToolEnd(tc, ConversationSummarizerToolName, result, nil)

	assert.Equal(t, StageConversationFormatting, ctx.Stage())
	require.NotNil(t, ctx.Conversation())
	assert.Equal(t, "streetlight", ctx.Conversation().PrimaryTopic)
	assert.Equal(t, ConversationIncident, ctx.Conversation().ConversationType)
	assert.True(t, ctx.Conversation().Resolved)
}

func TestFormatterHooks_IgnoresFailuresAndMalformedOutput(t *testing.T) {
	hooks := NewFormatterHooks(nil)

	ctx := NewContext()
	tc := newToolContext(ctx)

	// Tool errors are not captured.
	hooks.OnToolEnd(tc, FeedbackFormatterToolName, nil, errors.New("tool failed"))
	assert.Nil(t, ctx.Feedback())

	// Output without a JSON object advances the stage but stores nothing.
	hooks.OnToolEnd(tc, FeedbackFormatterToolName, "I could not format that.", nil)
	assert.Equal(t, StageFeedbackFormatting, ctx.Stage())
	assert.Nil(t, ctx.Feedback())
	assert.False(t, ctx.FeedbackProcessed())

	// Unknown tools are ignored entirely.
	hooks.OnToolEnd(tc, "some_other_tool", `{"topic":"x"}`, nil)
	assert.Nil(t, ctx.Feedback())
}

func TestFormatterHooks_MissingAppContext(t *testing.T) {
	hooks := NewFormatterHooks(nil)
	tc := newToolContext(nil)

	// No town hall context on the run: nothing to capture, no panic.
	hooks.OnToolEnd(tc, FeedbackFormatterToolName, `{"topic":"x","summary":"y","sentiment":"neutral"}`, nil)
}

func TestDecodeRecord(t *testing.T) {
	var fb Feedback
	require.NoError(t, decodeRecord(`  {"topic":"t","summary":"s","sentiment":"neutral"}  `, &fb))
	assert.Equal(t, "t", fb.Topic)

	assert.Error(t, decodeRecord("no json here", &fb))
	assert.Error(t, decodeRecord(`{"topic":`, &fb))
}
