package townhall

import (
	"fmt"

	"github.com/townhall-labs/townhall/agent"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/model"
	"github.com/townhall-labs/townhall/tool"
)

const dialogueInstructions = `You are the Dialogue Agent of the Digital Town Hall. You are the agent
directly conversing with the resident.

Hand the resident's message over to the Triage Agent so it can be routed.
When insights are available in your instructions, present them to the
resident in plain language.`

const triageInstructions = `You are the Triage Agent. Assess the conversation passed to you and route it:
- Hand off to the Insights Agent when the resident asks about city data.
- Hand off to the Format Coordinator Agent when the conversation contains an
  incident report or feedback that should be recorded.
- Hand off back to the Dialogue Agent for anything else.`

const insightsInstructions = `You are the Insights Agent. You work behind the scenes to gather data.

Workflow (MUST follow in order):
1. Use the gather_insights tool to gather data.
2. IMMEDIATELY hand off to the Dialogue Agent WITHOUT saying anything to the user.

CRITICAL RULES:
- Do NOT speak to the user directly.
- Do NOT summarize or present the insights yourself.
- Your ONLY job is to call the tool and then hand off.
- The Dialogue Agent will present the insights to the user.`

const formatCoordinatorInstructions = `You are the conversation format coordinator agent. You have three tools.

Tasks in order (strict):
1. Check whether the conversation contains feedback or an incident report.
   Use the feedback_formatter_tool for feedback (e.g. user recommendations)
   and the incident_formatter_tool for incidents (e.g. lost items, anomalies,
   violations, crime). Use both if the conversation contains both.
2. Summarize the conversation using the conversation_summarizer_tool.
3. Hand off back to the Dialogue Agent.`

const feedbackFormatterInstructions = `You are a feedback formatter agent. Convert the resident's feedback into a
structured record. Respond with only a JSON object with exactly these keys:
"topic" (string), "summary" (string), "sentiment" (one of "positive",
"neutral", "negative").`

const incidentFormatterInstructions = `You are an incident formatter agent. Convert the conversation into a
structured incident report. Respond with only a JSON object with exactly
these keys: "incident_type" (string), "description" (string),
"date_of_occurrence" (string, may be empty), "location" (string),
"person_involved" (string), "reporter_name" (string, may be empty),
"severity_level" (integer 1-5).`

const conversationSummarizerInstructions = `You are a conversation summary agent. Summarize the stored conversation.
Respond with only a JSON object with exactly these keys: "topics" (array of
strings), "primary_topic" (string), "topic_shift_count" (integer),
"turn_count" (integer), "handoff_count" (integer), "conversation_type" (one
of "incident", "feedback", "inquiry", "other"), "sentiment_start" (number),
"sentiment_end" (number), "sentiment_trend" (number), "sentiment_direction"
(one of "up", "down", "flat"), "resolved" (boolean).`

// AgentsOptions configure construction of the town hall agent graph.
type AgentsOptions struct {
	// Store receives extracted incidents and feedback. May be nil.
	Store *Store
	// Hooks overrides the format coordinator hooks; defaults to
	// FormatterHooks over Store.
	Hooks core.Hooks
	// EnableStreaming toggles token streaming on the user-facing agents.
	EnableStreaming bool
}

// Agents bundles the wired town hall agent graph. Dialogue is the entry
// point of every conversation.
type Agents struct {
	Dialogue          *agent.LLMAgent
	Triage            *agent.LLMAgent
	Insights          *agent.LLMAgent
	FormatCoordinator *agent.LLMAgent
}

// NewAgents builds the town hall graph on top of the given model.
//
// The dialogue and insights agents hand off to each other, so the insights
// handoff is wired after construction.
func NewAgents(m model.Model, optFns ...func(o *AgentsOptions)) *Agents {
	opts := AgentsOptions{EnableStreaming: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewFormatterHooks(opts.Store)
	}

	feedbackFormatter := agent.NewLLMAgent("FeedbackFormatter", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(feedbackFormatterInstructions)
		o.EnableStreaming = false
		o.AllowTransfer = false
	})

	incidentFormatter := agent.NewLLMAgent("IncidentFormatter", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(incidentFormatterInstructions)
		o.EnableStreaming = false
		o.AllowTransfer = false
	})

	conversationSummarizer := agent.NewLLMAgent("ConversationSummarizer", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(conversationSummarizerInstructions)
		o.EnableStreaming = false
		o.AllowTransfer = false
	})

	formatCoordinator := agent.NewLLMAgent("FormatCoordinator", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(formatCoordinatorInstructions)
		o.EnableStreaming = false
		o.Hooks = hooks
	})
	formatCoordinator.RegisterTool(agent.NewAgentTool(feedbackFormatter, func(o *agent.AgentToolOptions) {
		o.Name = FeedbackFormatterToolName
		o.Description = "Use this tool for formatting feedback"
	}))
	formatCoordinator.RegisterTool(agent.NewAgentTool(incidentFormatter, func(o *agent.AgentToolOptions) {
		o.Name = IncidentFormatterToolName
		o.Description = "Use this tool for formatting incidents"
	}))
	formatCoordinator.RegisterTool(agent.NewAgentTool(conversationSummarizer, func(o *agent.AgentToolOptions) {
		o.Name = ConversationSummarizerToolName
		o.Description = "Use this tool to summarize the conversation between the dialogue agent and the user"
	}))

	insights := agent.NewLLMAgent("Insights", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(insightsInstructions)
		o.EnableStreaming = false
	})
	insights.RegisterTool(newGatherInsightsTool())

	dialogue := agent.NewLLMAgent("Dialogue", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromProvider(dialogueInstructionProvider{})
		o.EnableStreaming = opts.EnableStreaming
	})

	triage := agent.NewLLMAgent("Triage", m, func(o *agent.LLMAgentOptions) {
		o.Instruction = agent.NewInstructionFromText(triageInstructions)
		o.EnableStreaming = false
		o.Handoffs = []core.Agent{insights, formatCoordinator, dialogue}
	})

	dialogue.SetHandoffs(triage)
	// Wired after construction: insights and the coordinator hand back to
	// dialogue, which already hands off to triage.
	insights.SetHandoffs(dialogue)
	formatCoordinator.SetHandoffs(dialogue)

	return &Agents{
		Dialogue:          dialogue,
		Triage:            triage,
		Insights:          insights,
		FormatCoordinator: formatCoordinator,
	}
}

// Agent resolves an agent of the graph by name. Used to restore the current
// agent of a session across turns.
func (a *Agents) Agent(name string) (core.Agent, error) {
	for _, candidate := range []*agent.LLMAgent{a.Dialogue, a.Triage, a.Insights, a.FormatCoordinator} {
		if candidate.Name() == name {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("unknown agent: %s", name)
}

// dialogueInstructionProvider appends gathered insights to the dialogue
// instructions so the agent can present them after the insights handoff.
type dialogueInstructionProvider struct{}

func (dialogueInstructionProvider) Instruction(rc *core.RunContext) (string, error) {
	ctx, ok := FromApp(rc.App)
	if !ok || ctx.Insights() == "" {
		return dialogueInstructions, nil
	}
	return dialogueInstructions + "\n\nGathered insights to share with the resident:\n" + ctx.Insights(), nil
}

// newGatherInsightsTool returns the data-gathering tool of the insights
// agent. The gathered text is stored on the town hall Context so the
// dialogue agent can present it.
func newGatherInsightsTool() tool.Tool {
	return tool.NewFunctionTool(
		GatherInsightsToolName,
		"Gather city data insights for the current conversation",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		func(tc *core.ToolContext, _ map[string]any) (any, error) {
			insight := "City's crime rate is down by 40 percent over the week"

			if ctx, ok := FromApp(tc.App()); ok {
				ctx.SetStage(StageInsights)
				ctx.SetInsights(insight)
			}

			tc.Logger().Info("townhall.insights.gathered", "session_id", tc.SessionID())
			return insight, nil
		},
	)
}
