package townhall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/townhall-labs/townhall/core"
)

// Formatter tool names as exposed to the coordinating model.
const (
	FeedbackFormatterToolName      = "feedback_formatter_tool"
	IncidentFormatterToolName      = "incident_formatter_tool"
	ConversationSummarizerToolName = "conversation_summarizer_tool"
	GatherInsightsToolName         = "gather_insights"
)

// FormatterHooks observes the format coordinator agent. It captures
// formatter tool outputs into the town hall Context, advances the pipeline
// stage, sets the dedupe flags and persists incidents and feedback through
// the Store. Keeping this logic in hooks leaves the formatter tools
// themselves as plain nested agent calls.
type FormatterHooks struct {
	core.NoOpHooks
	store *Store
}

// NewFormatterHooks creates hooks for the format coordinator. The store may
// be nil, in which case records are captured in the Context only.
func NewFormatterHooks(store *Store) *FormatterHooks {
	return &FormatterHooks{store: store}
}

// OnToolStart implements core.Hooks.
func (h *FormatterHooks) OnToolStart(tc *core.ToolContext, toolName string) {
	tc.Logger().Debug("townhall.formatter.tool.start", "tool", toolName, "session_id", tc.SessionID())
}

// OnToolEnd implements core.Hooks. Formatter agent-tools return their
// structured record as a JSON document; the hook decodes it, stores it in
// the Context and uploads it to the database.
func (h *FormatterHooks) OnToolEnd(tc *core.ToolContext, toolName string, result any, err error) {
	if err != nil {
		return
	}

	ctx, ok := FromApp(tc.App())
	if !ok {
		return
	}

	text, ok := result.(string)
	if !ok {
		return
	}

	logger := tc.Logger()

	switch toolName {
	case FeedbackFormatterToolName:
		ctx.SetStage(StageFeedbackFormatting)

		var fb Feedback
		if decodeErr := decodeRecord(text, &fb); decodeErr != nil {
			logger.Warn("townhall.feedback.decode_failed", "error", decodeErr.Error())
			return
		}
		ctx.SetFeedback(&fb)
		logger.Info("townhall.feedback.captured", "topic", fb.Topic, "sentiment", fb.Sentiment)

		if h.store != nil {
			if saveErr := h.store.SaveFeedback(tc.SessionID(), fb); saveErr != nil {
				logger.Error("townhall.feedback.save_failed", "error", saveErr.Error())
			}
		}

	case IncidentFormatterToolName:
		ctx.SetStage(StageIncidentFormatting)

		var in Incident
		if decodeErr := decodeRecord(text, &in); decodeErr != nil {
			logger.Warn("townhall.incident.decode_failed", "error", decodeErr.Error())
			return
		}
		ctx.SetIncident(&in)
		logger.Info("townhall.incident.captured", "type", in.IncidentType, "severity", in.SeverityLevel)

		if h.store != nil {
			if saveErr := h.store.SaveIncident(tc.SessionID(), in); saveErr != nil {
				logger.Error("townhall.incident.save_failed", "error", saveErr.Error())
			}
		}

	case ConversationSummarizerToolName:
		ctx.SetStage(StageConversationFormatting)

		var conv Conversation
		if decodeErr := decodeRecord(text, &conv); decodeErr != nil {
			logger.Warn("townhall.conversation.decode_failed", "error", decodeErr.Error())
			return
		}
		ctx.SetConversation(&conv)
		logger.Info("townhall.conversation.captured", "primary_topic", conv.PrimaryTopic, "type", conv.ConversationType)
	}
}

// decodeRecord parses a JSON document out of model output, tolerating
// surrounding prose and markdown code fences.
func decodeRecord(text string, v any) error {
	text = strings.TrimSpace(text)

	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object found in tool output")
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}
